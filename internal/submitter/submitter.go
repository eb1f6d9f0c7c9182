// Package submitter runs one proof or transfer through the whole pipeline:
// build the call, take a nonce, submit and track to an outcome.
package submitter

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
	"github.com/zkVerify/zkVerify-qa/internal/nonce"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

// Node rejections meaning the cursor is behind or ahead of the chain
var staleNonceMarkers = []string{"outdated", "stale", "future"}

// Submitter composes the registry, nonce allocator, chain client and tracker
type Submitter struct {
	client   chain.Client
	registry *proofs.Registry
	nonces   *nonce.Allocator
	tracker  *tracker.Tracker
	logger   *zap.Logger
	metrics  *monitoring.MetricsExporter
}

// New creates a submitter. metrics may be nil.
func New(client chain.Client, registry *proofs.Registry, nonces *nonce.Allocator, tr *tracker.Tracker, logger *zap.Logger, metrics *monitoring.MetricsExporter) *Submitter {
	return &Submitter{
		client:   client,
		registry: registry,
		nonces:   nonces,
		tracker:  tr,
		logger:   logging.WithComponent(logger, "submitter"),
		metrics:  metrics,
	}
}

// ProofRequest is one proof submission
type ProofRequest struct {
	Kind   proofs.Kind
	Input  proofs.Input
	Signer *chain.Account
	// ExpectsFailure defaults to Input.Invalid
	ExpectsFailure  bool
	SkipAttestation bool
}

// Nonces exposes the allocator so callers can share it across submitters
func (s *Submitter) Nonces() *nonce.Allocator {
	return s.nonces
}

// SubmitProof builds the call for req and tracks it to an outcome
func (s *Submitter) SubmitProof(ctx context.Context, req ProofRequest) (tracker.Result, error) {
	call, err := s.registry.Call(req.Kind, req.Input)
	if err != nil {
		return tracker.Result{}, err
	}

	return s.Execute(ctx, req.Signer, call, tracker.Request{
		Kind:            req.Kind.String(),
		ExpectsFailure:  req.ExpectsFailure || req.Input.Invalid,
		SkipAttestation: req.SkipAttestation,
	})
}

// Execute submits call signed by signer and tracks it. The nonce and account
// of treq are filled in here.
func (s *Submitter) Execute(ctx context.Context, signer *chain.Account, call chain.Call, treq tracker.Request) (tracker.Result, error) {
	n, sub, err := s.Dispatch(ctx, signer, call, treq.Kind)
	if err != nil {
		return tracker.Result{}, err
	}

	treq.Account = signer.Address()
	treq.Nonce = n
	return s.tracker.Track(ctx, treq, sub)
}

// Dispatch allocates a nonce and submits call without tracking it. The caller
// owns the returned subscription. A nonce whose submission failed is handed
// back to the allocator.
func (s *Submitter) Dispatch(ctx context.Context, signer *chain.Account, call chain.Call, kind string) (uint64, chain.Subscription, error) {
	address := signer.Address()
	logger := logging.WithAccount(s.logger, address).With(zap.String("call", call.String()))

	n, err := s.nonces.Allocate(ctx, address)
	if err != nil {
		logger.Error("Nonce allocation failed", zap.Error(err))
		return 0, nil, common.Categorize(common.CategoryNonce, err, ctx.Err() == nil)
	}

	start := time.Now()
	sub, err := s.client.Submit(ctx, call, signer, n)
	if err != nil {
		var cause error
		if isStaleNonce(err) {
			s.nonces.Reset(address)
			logger.Warn("Node rejected nonce, cursor reset", zap.Uint64("nonce", n), zap.Error(err))
			cause = common.Categorize(common.CategoryNonce, err, true)
		} else {
			s.nonces.Release(address, n)
			cause = common.Categorize(common.CategorySubmission, err, submissionRetryable(ctx, err))
		}
		s.metrics.RecordSubmission(kind, string(tracker.TagTransport))
		logger.Error("Submission failed", zap.Uint64("nonce", n), zap.Error(err))
		return 0, nil, &tracker.Failure{Tag: tracker.TagTransport, Kind: kind, Nonce: n, Err: cause}
	}

	logger.Info("Transaction submitted", zap.Uint64("nonce", n), logging.Elapsed(start))
	return n, sub, nil
}

// submissionRetryable is false once ctx is done or the node judged the
// transaction itself invalid
func submissionRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !strings.Contains(strings.ToLower(err.Error()), "invalid transaction")
}

func isStaleNonce(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range staleNonceMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
