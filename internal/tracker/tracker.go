// Package tracker follows one submitted proof from the transaction pool to
// finalization and, for accepted proofs, to the publication of its attestation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/attestation"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/events"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
)

// State of a tracked transaction
type State int

const (
	StatePending State = iota
	StateInBlock
	StateFinalized
	StateSucceeded
	StateFailedAsExpected
	StateFailedUnexpectedly
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInBlock:
		return "in block"
	case StateFinalized:
		return "finalized"
	case StateSucceeded:
		return "succeeded"
	case StateFailedAsExpected:
		return "failed as expected"
	case StateFailedUnexpectedly:
		return "failed unexpectedly"
	case StateTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the result tag of a successful Track
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeFailedAsExpected Outcome = "failed as expected"
)

// Request describes the transaction being tracked
type Request struct {
	Kind           string
	Account        string
	Nonce          uint64
	ExpectsFailure bool
	// SkipAttestation succeeds on finalization once the attestation id is known
	SkipAttestation bool
	// NoCorrelation is for calls that never emit a proof verification event
	NoCorrelation bool
}

// Transaction is the tracker's view of one in-flight submission
type Transaction struct {
	Kind           string
	Nonce          uint64
	SubmittedAt    time.Time
	ExpectsFailure bool
	State          State
	BlockHash      string
	Correlation    *Correlation
}

// Correlation links a transaction to the attestation that will include it
type Correlation struct {
	AttestationID uint64
	LeafDigest    string
	Confirmed     bool
}

// Result is what a tracked transaction resolves to
type Result struct {
	Outcome       Outcome       `json:"result"`
	AttestationID *uint64       `json:"attestationId,omitempty"`
	LeafDigest    string        `json:"leafDigest,omitempty"`
	Root          string        `json:"root,omitempty"`
	Nonce         uint64        `json:"nonce"`
	BlockHash     string        `json:"blockHash,omitempty"`
	Elapsed       time.Duration `json:"-"`
}

// Options configures the tracker's timers
type Options struct {
	Timeout            time.Duration
	ProgressInterval   time.Duration
	AttestationTimeout time.Duration
	// EarlyAttestation starts the attestation watch at block inclusion
	EarlyAttestation bool
}

// DefaultOptions returns 60s to finalization, 5s progress lines and 360s for the attestation
func DefaultOptions() Options {
	return Options{
		Timeout:            60 * time.Second,
		ProgressInterval:   5 * time.Second,
		AttestationTimeout: 360 * time.Second,
		EarlyAttestation:   true,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.AttestationTimeout <= 0 {
		o.AttestationTimeout = d.AttestationTimeout
	}
}

// Tracker resolves submissions to an Outcome or a *Failure
type Tracker struct {
	waiter  *attestation.Waiter
	logger  *zap.Logger
	metrics *monitoring.MetricsExporter
	options Options
}

// New creates a tracker. metrics may be nil.
func New(waiter *attestation.Waiter, logger *zap.Logger, metrics *monitoring.MetricsExporter, options Options) *Tracker {
	options.setDefaults()
	return &Tracker{
		waiter:  waiter,
		logger:  logging.WithComponent(logger, "tracker"),
		metrics: metrics,
		options: options,
	}
}

// Track consumes sub until the transaction reaches an outcome. It always
// unsubscribes and clears its timers before returning. Every error is a *Failure.
func (t *Tracker) Track(ctx context.Context, req Request, sub chain.Subscription) (Result, error) {
	r := &run{
		tracker: t,
		req:     req,
		tx: &Transaction{
			Kind:           req.Kind,
			Nonce:          req.Nonce,
			SubmittedAt:    time.Now(),
			ExpectsFailure: req.ExpectsFailure,
			State:          StatePending,
		},
		logger:   logging.WithProof(t.logger, req.Kind, req.ExpectsFailure).With(zap.Uint64("nonce", req.Nonce)),
		timedOut: make(chan struct{}),
	}
	if req.Account != "" {
		r.logger = logging.WithAccount(r.logger, req.Account)
	}

	r.timers = common.NewTimerScope(t.options.Timeout, func() { close(r.timedOut) })
	defer r.timers.Clear()
	defer sub.Unsubscribe()
	defer r.cancelWatch()

	return r.loop(ctx, sub)
}

// run is the single writer of one Transaction
type run struct {
	tracker  *Tracker
	req      Request
	tx       *Transaction
	logger   *zap.Logger
	timers   *common.TimerScope
	timedOut chan struct{}

	watch     *attestation.Watch
	decodeErr error
}

func (r *run) loop(ctx context.Context, sub chain.Subscription) (Result, error) {
	updates, errs := sub.Updates(), sub.Err()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				select {
				case err := <-errs:
					return r.fail(TagTransport, err)
				default:
					return r.fail(TagTransport, ErrStreamClosed)
				}
			}
			if result, done, err := r.apply(ctx, u); done {
				return result, err
			}

		case err := <-errs:
			return r.fail(TagTransport, err)

		case <-r.timedOut:
			r.logger.Warn("Transaction not finalized in time",
				zap.Duration("timeout", r.tracker.options.Timeout),
				zap.Stringer("state", r.tx.State),
			)
			return r.fail(TagTimedOut, fmt.Errorf("%w after %s", ErrSubmissionTimeout, r.tracker.options.Timeout))

		case <-ctx.Done():
			return r.fail(TagCanceled, ctx.Err())
		}
	}
}

// apply handles one status update; done is true once the run has an outcome
func (r *run) apply(ctx context.Context, u chain.Update) (Result, bool, error) {
	switch u.Status.Kind {
	case chain.StatusInBlock:
		r.onInBlock(ctx, u)
		return Result{}, false, nil

	case chain.StatusFinalized:
		// Finalization supersedes the deadline
		r.timers.Clear()
		result, err := r.onFinalized(ctx, u)
		return result, true, err

	case chain.StatusRetracted:
		r.logger.Info("Block retracted, waiting for re-inclusion", zap.String("block_hash", u.Status.BlockHash))
		r.retract()
		return Result{}, false, nil

	case chain.StatusFinalityTimeout:
		result, err := r.fail(TagTimedOut, fmt.Errorf("%w: finality timeout in block %s", ErrSubmissionTimeout, u.Status.BlockHash))
		return result, true, err

	case chain.StatusDropped, chain.StatusInvalid, chain.StatusUsurped:
		result, err := r.fail(TagRejected, fmt.Errorf("%w: %s", ErrRejected, u.Status.Kind))
		return result, true, err

	default:
		r.logger.Debug("Transaction status", zap.Stringer("status", u.Status.Kind))
		return Result{}, false, nil
	}
}

func (r *run) onInBlock(ctx context.Context, u chain.Update) {
	r.tx.State = StateInBlock
	r.tx.BlockHash = u.Status.BlockHash
	r.capture(u.Events)

	fields := []zap.Field{zap.String("block_hash", u.Status.BlockHash), logging.Elapsed(r.tx.SubmittedAt)}
	if c := r.tx.Correlation; c != nil {
		fields = append(fields, zap.Uint64("attestation_id", c.AttestationID))
	}
	r.logger.Info("Transaction included in block", fields...)

	blockHash := u.Status.BlockHash
	submittedAt := r.tx.SubmittedAt
	r.timers.StartProgress(r.tracker.options.ProgressInterval, func() {
		r.logger.Info("Waiting for finalization", zap.String("block_hash", blockHash), logging.Elapsed(submittedAt))
	})

	if r.tracker.options.EarlyAttestation {
		r.startWatch(ctx)
	}
}

// capture records the first proof verification event of the extrinsic
func (r *run) capture(batch []events.Record) {
	if r.tx.Correlation != nil || r.req.NoCorrelation {
		return
	}

	events.Extract(batch, events.PalletPoe, events.EventNewElement, func(fields []any) {
		if r.tx.Correlation != nil {
			return
		}
		element, err := events.DecodeNewElement(fields)
		if err != nil {
			r.decodeErr = err
			r.logger.Warn("Malformed proof verification event", zap.Error(err))
			return
		}
		r.tx.Correlation = &Correlation{AttestationID: element.AttestationID, LeafDigest: element.LeafDigest}
	})
}

func (r *run) wantsAttestation() bool {
	return r.tx.Correlation != nil && !r.req.ExpectsFailure && !r.req.SkipAttestation && !r.req.NoCorrelation
}

func (r *run) startWatch(ctx context.Context) {
	if r.watch != nil || !r.wantsAttestation() {
		return
	}

	watch, err := r.tracker.waiter.Start(ctx, r.tx.Correlation.AttestationID, r.tracker.options.AttestationTimeout)
	if err != nil {
		// Retried after finalization
		r.logger.Warn("Could not start attestation watch", zap.Error(err))
		return
	}
	r.watch = watch
}

func (r *run) cancelWatch() {
	if r.watch != nil {
		r.watch.Cancel()
	}
}

// retract forgets everything learned from the retracted block so the block
// that re-includes the extrinsic supplies a fresh attestation id
func (r *run) retract() {
	r.tx.State = StatePending
	r.tx.BlockHash = ""
	r.tx.Correlation = nil
	r.decodeErr = nil
	r.cancelWatch()
	r.watch = nil
	r.timers.StopProgress()
}

func (r *run) onFinalized(ctx context.Context, u chain.Update) (Result, error) {
	r.tx.State = StateFinalized
	r.tx.BlockHash = u.Status.BlockHash
	r.capture(u.Events)
	r.tracker.metrics.ObserveFinalization(r.req.Kind, time.Since(r.tx.SubmittedAt))

	r.logger.Info("Transaction finalized",
		zap.String("block_hash", u.Status.BlockHash),
		zap.Bool("dispatch_error", u.DispatchError != nil),
		logging.Elapsed(r.tx.SubmittedAt),
	)

	switch {
	case u.DispatchError != nil && r.req.ExpectsFailure:
		r.tx.State = StateFailedAsExpected
		return r.succeed(OutcomeFailedAsExpected, ""), nil

	case u.DispatchError != nil:
		return r.fail(TagUnexpectedDispatch, fmt.Errorf("%w: %v", ErrUnexpectedDispatch, u.DispatchError))

	case r.req.ExpectsFailure:
		return r.fail(TagExpectedFailureButSucceeded, ErrExpectedFailureButSucceeded)

	case r.req.NoCorrelation:
		r.tx.State = StateSucceeded
		return r.succeed(OutcomeSucceeded, ""), nil

	case r.tx.Correlation == nil && r.decodeErr != nil:
		return r.fail(TagInvalidAttestationData, fmt.Errorf("%w: %w", ErrInvalidAttestationData, r.decodeErr))

	case r.tx.Correlation == nil:
		return r.fail(TagMissingAttestationID, ErrMissingAttestationID)

	case r.req.SkipAttestation:
		r.tx.State = StateSucceeded
		return r.succeed(OutcomeSucceeded, ""), nil
	}

	return r.awaitAttestation(ctx)
}

func (r *run) awaitAttestation(ctx context.Context) (Result, error) {
	r.startWatch(ctx)
	if r.watch == nil {
		return r.fail(TagTransport, attestation.ErrSubscription)
	}

	published, err := r.watch.Result(ctx)
	if err != nil {
		switch {
		case errors.Is(err, attestation.ErrTimeout):
			return r.fail(TagAttestationTimeout, err)
		case errors.Is(err, events.ErrDecode):
			return r.fail(TagInvalidAttestationData, fmt.Errorf("%w: %w", ErrInvalidAttestationData, err))
		case errors.Is(err, common.ErrCanceled):
			return r.fail(TagCanceled, err)
		default:
			return r.fail(TagTransport, err)
		}
	}

	correlation := r.tx.Correlation
	if published.ID != correlation.AttestationID || !events.DigestPattern.MatchString(published.Root) {
		return r.fail(TagInvalidAttestationData, fmt.Errorf("%w: id %d root %q", ErrInvalidAttestationData, published.ID, published.Root))
	}

	correlation.Confirmed = true
	r.tx.State = StateSucceeded
	return r.succeed(OutcomeSucceeded, published.Root), nil
}

func (r *run) succeed(outcome Outcome, root string) Result {
	r.timers.Clear()

	result := Result{
		Outcome:   outcome,
		Root:      root,
		Nonce:     r.tx.Nonce,
		BlockHash: r.tx.BlockHash,
		Elapsed:   time.Since(r.tx.SubmittedAt),
	}
	if c := r.tx.Correlation; c != nil && outcome == OutcomeSucceeded {
		id := c.AttestationID
		result.AttestationID = &id
		result.LeafDigest = c.LeafDigest
	}

	r.tracker.metrics.RecordSubmission(r.req.Kind, string(outcome))
	fields := []zap.Field{zap.String("outcome", string(outcome)), logging.Elapsed(r.tx.SubmittedAt)}
	if result.AttestationID != nil {
		fields = append(fields, zap.Uint64("attestation_id", *result.AttestationID))
	}
	r.logger.Info("Transaction resolved", fields...)
	return result
}

func (r *run) fail(tag Tag, err error) (Result, error) {
	r.timers.Clear()

	if tag == TagTimedOut {
		r.tx.State = StateTimedOut
	} else {
		r.tx.State = StateFailedUnexpectedly
	}

	r.tracker.metrics.RecordSubmission(r.req.Kind, string(tag))
	r.logger.Error("Transaction failed",
		zap.String("outcome", string(tag)),
		zap.Stringer("state", r.tx.State),
		zap.Error(err),
		logging.Elapsed(r.tx.SubmittedAt),
	)
	return Result{}, &Failure{Tag: tag, Kind: r.req.Kind, Nonce: r.req.Nonce, Err: err}
}
