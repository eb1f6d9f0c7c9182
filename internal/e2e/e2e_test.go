//go:build e2e

package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zkVerify/zkVerify-qa/internal/attestation"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/ethereum"
	"github.com/zkVerify/zkVerify-qa/internal/nonce"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/submitter"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

type env struct {
	cfg       *config.Config
	client    chain.Client
	submitter *submitter.Submitter
	signer    *chain.Account
}

func setup(t *testing.T) *env {
	t.Helper()

	cfg, err := config.Load("../../.env", "")
	require.NoError(t, err)
	if cfg.Chain.WebSocket == "" {
		t.Skip("WEBSOCKET not set")
	}
	require.NoError(t, cfg.Require(config.EnvPrivateKey))

	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := chain.Connect(ctx, cfg.Chain.WebSocket, logger, chain.Options{ConnectTimeout: cfg.Timeouts.Connect})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.WaitForSync(ctx))

	signer, err := chain.NewAccount(cfg.Accounts.PrivateKey)
	require.NoError(t, err)

	waiter := attestation.NewWaiter(client, logger)
	tr := tracker.New(waiter, logger, nil, tracker.DefaultOptions())
	s := submitter.New(client, proofs.NewRegistry(), nonce.New(client, logger), tr, logger, nil)
	return &env{cfg: cfg, client: client, submitter: s, signer: signer}
}

func (e *env) input(t *testing.T, kind proofs.Kind, invalid bool) proofs.Input {
	t.Helper()
	f, err := proofs.LoadFixture(e.cfg.Proofs.DataFolder, kind, "")
	require.NoError(t, err)
	return proofs.Input{Fixture: f, Invalid: invalid}
}

func TestValidProofIsAttestedOnEthereum(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.cfg.Require(config.EnvAnvil, config.EnvContract))

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	result, err := e.submitter.SubmitProof(ctx, submitter.ProofRequest{
		Kind:   proofs.KindFflonk,
		Input:  e.input(t, proofs.KindFflonk, false),
		Signer: e.signer,
	})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeSucceeded, result.Outcome)
	require.NotNil(t, result.AttestationID)

	contract, err := ethereum.Dial(ctx, e.cfg.Ethereum.RPCURL, e.cfg.Ethereum.Contract, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer contract.Close()

	found, err := contract.PollLatestAttestationID(ctx, *result.AttestationID, 60*time.Second, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestInvalidProofFailsAsExpected(t *testing.T) {
	e := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	result, err := e.submitter.SubmitProof(ctx, submitter.ProofRequest{
		Kind:           proofs.KindGroth16,
		Input:          e.input(t, proofs.KindGroth16, true),
		Signer:         e.signer,
		ExpectsFailure: true,
	})
	require.NoError(t, err)
	assert.Equal(t, tracker.OutcomeFailedAsExpected, result.Outcome)
	assert.Nil(t, result.AttestationID)
}

func TestConcurrentProofsFromOneAccount(t *testing.T) {
	e := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	kinds := []proofs.Kind{proofs.KindFflonk, proofs.KindGroth16}
	results := make([]tracker.Result, len(kinds))
	errs := make([]error, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		input := e.input(t, kind, false)
		wg.Add(1)
		go func(i int, kind proofs.Kind) {
			defer wg.Done()
			results[i], errs[i] = e.submitter.SubmitProof(ctx, submitter.ProofRequest{
				Kind:   kind,
				Input:  input,
				Signer: e.signer,
			})
		}(i, kind)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, tracker.OutcomeSucceeded, results[i].Outcome)
		require.NotNil(t, results[i].AttestationID)
	}
	assert.NotEqual(t, results[0].Nonce, results[1].Nonce)
	// Proofs finalized in the same window share an attestation
	assert.NotEqual(t, results[0].LeafDigest, results[1].LeafDigest)
}
