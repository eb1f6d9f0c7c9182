package traffic

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/accounts"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/submitter"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

// BurstResult is the outcome of one proof of a burst
type BurstResult struct {
	Kind    proofs.Kind
	Account string
	Result  tracker.Result
	Err     error
	// Retryable marks failures a later resubmission may turn into a success
	Retryable bool
}

// Burst sends one proof of every kind at once, each from the next account of
// the rotator. Accounts have independent nonce cursors, so proofs from
// different accounts never wait on each other.
func Burst(ctx context.Context, proof Proof, rotator *accounts.Rotator, inputs map[proofs.Kind]proofs.Input, skipAttestation bool, logger *zap.Logger) []BurstResult {
	kinds := make([]proofs.Kind, 0, len(inputs))
	for k := range inputs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	results := make([]BurstResult, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		signer := rotator.Next()
		results[i] = BurstResult{Kind: kind, Account: signer.Address()}

		wg.Add(1)
		go func(i int, kind proofs.Kind) {
			defer wg.Done()
			results[i].Result, results[i].Err = proof.SubmitProof(ctx, submitter.ProofRequest{
				Kind:            kind,
				Input:           inputs[kind],
				Signer:          signer,
				SkipAttestation: skipAttestation,
			})
		}(i, kind)
	}
	wg.Wait()

	for i := range results {
		r := &results[i]
		if r.Err != nil {
			r.Retryable = common.IsRetryable(r.Err)
			fields := []zap.Field{zap.String("proof_type", r.Kind.String()), zap.String("account", r.Account), zap.Error(r.Err)}
			if r.Retryable {
				logger.Warn("Burst proof failed, retryable", fields...)
			} else {
				logger.Error("Burst proof failed", fields...)
			}
			continue
		}
		logger.Info("Burst proof resolved",
			zap.String("proof_type", r.Kind.String()),
			zap.String("account", r.Account),
			zap.String("result", string(r.Result.Outcome)),
			zap.Uint64("nonce", r.Result.Nonce),
		)
	}
	return results
}
