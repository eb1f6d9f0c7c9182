package funding

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zkVerify/zkVerify-qa/internal/attestation"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/chain/chaintest"
	"github.com/zkVerify/zkVerify-qa/internal/nonce"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/submitter"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

func setup(t *testing.T) (*Funder, *chaintest.Fake, *chain.Account) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	fake := chaintest.NewFake()
	waiter := attestation.NewWaiter(fake, logger)
	tr := tracker.New(waiter, logger, nil, tracker.Options{Timeout: 2 * time.Second, ProgressInterval: 10 * time.Millisecond})
	s := submitter.New(fake, proofs.NewRegistry(), nonce.New(fake, logger), tr, logger, nil)

	source, err := chain.GenerateAccount()
	require.NoError(t, err)
	return NewFunder(s, fake, logger, nil), fake, source
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *uint256.Int
		wantErr bool
	}{
		{name: "base units", input: "1000", want: uint256.NewInt(1000)},
		{name: "fractional tokens", input: "0.1 ZKV", want: uint256.NewInt(100_000_000_000_000_000)},
		{name: "whole tokens", input: "10zkv", want: Tokens(10)},
		{name: "leading dot", input: ".5 ZKV", want: uint256.NewInt(500_000_000_000_000_000)},
		{name: "too many decimals", input: "0.0000000000000000001 ZKV", wantErr: true},
		{name: "not a number", input: "lots", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Dec(), got.Dec())
		})
	}
}

func TestFormatAmount(t *testing.T) {
	v := new(uint256.Int).Add(Tokens(1_234_567), uint256.NewInt(500_000_000_000_000_000))
	assert.Equal(t, "1,234,567.5000 ZKV", FormatAmount(v))
	assert.Equal(t, "0.0000 ZKV", FormatAmount(nil))
}

func TestPlanFor(t *testing.T) {
	tenth, err := ParseAmount("0.1 ZKV")
	require.NoError(t, err)

	plan := PlanFor(Config{Accounts: 10, Intermediates: 2, PerAccount: tenth})
	assert.Equal(t, 8, plan.Recipients)
	assert.Equal(t, 4, plan.PerIntermediary)
	assert.Equal(t, "500000000000000000", plan.IntermediaryAmount.Dec())
	assert.Equal(t, Tokens(1).Dec(), plan.Required.Dec())
}

func TestFund(t *testing.T) {
	t.Parallel()

	f, fake, source := setup(t)
	fake.SetFree(source.PublicKey(), Tokens(100))

	report, err := f.Fund(context.Background(), source, Config{
		Accounts:      7,
		Intermediates: 2,
		PerAccount:    Tokens(1),
		MaxParallel:   2,
		BatchPause:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.Len(t, report.Generated, 7)
	assert.ElementsMatch(t, report.Generated, report.Funded)
	assert.Zero(t, report.Failed)

	bySender := map[string][]uint64{}
	for _, sub := range fake.Submissions() {
		assert.Equal(t, "Balances", sub.Call.Pallet)
		bySender[sub.Address] = append(bySender[sub.Address], sub.Nonce)
	}
	assert.ElementsMatch(t, []uint64{0, 1}, bySender[source.Address()])
	assert.Len(t, bySender[report.Generated[0].Address()], 3)
	assert.Len(t, bySender[report.Generated[1].Address()], 2)
}

func TestFundInsufficientBalance(t *testing.T) {
	t.Parallel()

	f, fake, source := setup(t)
	fake.SetFree(source.PublicKey(), Tokens(1))

	_, err := f.Fund(context.Background(), source, Config{Accounts: 10, Intermediates: 2, PerAccount: Tokens(1)})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, fake.Submissions())
}

func TestFundSkipsUnfundedIntermediary(t *testing.T) {
	t.Parallel()

	f, fake, source := setup(t)
	fake.SetFree(source.PublicKey(), Tokens(100))
	fake.OnSubmit(func(sub chaintest.Submission) chaintest.Script {
		if sub.Address == source.Address() && sub.Nonce == 0 {
			return chaintest.Failed("[Module 0x0502]")
		}
		return chaintest.Finalized(nil)
	})

	report, err := f.Fund(context.Background(), source, Config{
		Accounts:      7,
		Intermediates: 2,
		PerAccount:    Tokens(1),
		BatchPause:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, len(report.Funded)+report.Failed)
	assert.GreaterOrEqual(t, report.Failed, 3)
}

func TestFundValidation(t *testing.T) {
	f, _, source := setup(t)

	tests := []struct {
		name   string
		config Config
	}{
		{name: "no intermediaries", config: Config{Accounts: 5, PerAccount: Tokens(1)}},
		{name: "no recipients", config: Config{Accounts: 2, Intermediates: 2, PerAccount: Tokens(1)}},
		{name: "zero amount", config: Config{Accounts: 5, Intermediates: 1, PerAccount: new(uint256.Int)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fund(context.Background(), source, tt.config)
			assert.Error(t, err)
		})
	}
}

func TestLocalWallets(t *testing.T) {
	t.Parallel()

	f, fake, source := setup(t)
	fake.SetNonce(source.Address(), 5)

	wallets, err := f.LocalWallets(context.Background(), source, 3)
	require.NoError(t, err)
	require.Len(t, wallets, 4)
	assert.Same(t, source, wallets[0])

	var nonces []uint64
	var dests, want []any
	for _, sub := range fake.Submissions() {
		assert.Equal(t, source.Address(), sub.Address)
		nonces = append(nonces, sub.Nonce)
		dests = append(dests, sub.Call.Args[0])
	}
	for _, w := range wallets[1:] {
		addr, err := types.NewMultiAddressFromAccountID(w.PublicKey())
		require.NoError(t, err)
		want = append(want, addr)
	}
	assert.ElementsMatch(t, []uint64{5, 6, 7}, nonces)
	assert.ElementsMatch(t, want, dests)
}

func TestLocalWalletsFailure(t *testing.T) {
	t.Parallel()

	f, fake, source := setup(t)
	fake.OnSubmit(func(chaintest.Submission) chaintest.Script {
		return chaintest.Failed("[Module 0x0502]")
	})

	_, err := f.LocalWallets(context.Background(), source, 2)
	assert.Equal(t, tracker.TagUnexpectedDispatch, tracker.TagOf(err))
}

func TestLocalWalletCount(t *testing.T) {
	assert.Equal(t, 9, LocalWalletCount())
}

func TestOutputPath(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for _, want := range []string{
		"funded_accounts_2026-03-14.json",
		"funded_accounts_2026-03-14-001.json",
		"funded_accounts_2026-03-14-002.json",
	} {
		path, err := OutputPath(dir, now)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, want), path)
		require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))
	}
}
