// Package funding creates test accounts and funds them from a single
// funding account through a layer of intermediaries.
package funding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

// ErrInsufficientBalance is returned when the funding account cannot cover a run
var ErrInsufficientBalance = errors.New("insufficient balance")

// Sender signs, submits and tracks a call. *submitter.Submitter implements it.
type Sender interface {
	Execute(ctx context.Context, signer *chain.Account, call chain.Call, treq tracker.Request) (tracker.Result, error)
}

// Balances reads account state. chain.Client implements it.
type Balances interface {
	Account(ctx context.Context, accountID []byte) (chain.AccountInfo, error)
}

// Config controls one funding run
type Config struct {
	// Accounts is the total number generated, intermediaries included
	Accounts      int
	Intermediates int
	// PerAccount is what every final account receives, in base units
	PerAccount  *uint256.Int
	MaxParallel int
	BatchPause  time.Duration
	// SettlePause separates funding the intermediaries from their own transfers
	SettlePause time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 10
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 500 * time.Millisecond
	}
	if c.SettlePause < 0 {
		c.SettlePause = 0
	}
}

func (c *Config) validate() error {
	if c.Intermediates < 1 {
		return fmt.Errorf("at least one intermediary is required")
	}
	if c.Accounts <= c.Intermediates {
		return fmt.Errorf("accounts (%d) must exceed intermediaries (%d)", c.Accounts, c.Intermediates)
	}
	if c.PerAccount == nil || c.PerAccount.IsZero() {
		return fmt.Errorf("%w: amount per account must be positive", ErrAmount)
	}
	return nil
}

// Plan is the arithmetic of a run
type Plan struct {
	Recipients      int
	PerIntermediary int
	// IntermediaryAmount covers every transfer of one intermediary plus one spare share
	IntermediaryAmount *uint256.Int
	Required           *uint256.Int
}

// PlanFor computes what the funding account must hold for config
func PlanFor(config Config) Plan {
	recipients := config.Accounts - config.Intermediates
	per := (recipients + config.Intermediates - 1) / config.Intermediates
	amount := new(uint256.Int).Mul(config.PerAccount, uint256.NewInt(uint64(per+1)))
	return Plan{
		Recipients:         recipients,
		PerIntermediary:    per,
		IntermediaryAmount: amount,
		Required:           new(uint256.Int).Mul(amount, uint256.NewInt(uint64(config.Intermediates))),
	}
}

// Report lists what a run produced
type Report struct {
	Generated []*chain.Account
	// Funded holds every account whose transfer finalized, intermediaries included
	Funded []*chain.Account
	Failed int
}

// Funder runs funding rounds
type Funder struct {
	sender   Sender
	balances Balances
	logger   *zap.Logger
	metrics  *monitoring.MetricsExporter
}

// NewFunder creates a funder. metrics may be nil.
func NewFunder(sender Sender, balances Balances, logger *zap.Logger, metrics *monitoring.MetricsExporter) *Funder {
	return &Funder{
		sender:   sender,
		balances: balances,
		logger:   logging.WithComponent(logger, "funding"),
		metrics:  metrics,
	}
}

// Fund generates config.Accounts accounts, funds the intermediaries from
// source and lets each intermediary fund its share of the rest
func (f *Funder) Fund(ctx context.Context, source *chain.Account, config Config) (Report, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return Report{}, err
	}

	generated := make([]*chain.Account, config.Accounts)
	for i := range generated {
		acc, err := chain.GenerateAccount()
		if err != nil {
			return Report{}, err
		}
		generated[i] = acc
	}
	report := Report{Generated: generated}

	plan := PlanFor(config)
	info, err := f.balances.Account(ctx, source.PublicKey())
	if err != nil {
		return report, fmt.Errorf("failed to read funding account: %w", err)
	}
	f.logger.Info("Funding plan",
		zap.String("source", source.Address()),
		zap.Int("intermediaries", config.Intermediates),
		zap.Int("recipients", plan.Recipients),
		zap.String("per_intermediary", FormatAmount(plan.IntermediaryAmount)),
		zap.String("required", FormatAmount(plan.Required)),
		zap.String("available", FormatAmount(info.Free)),
	)
	if info.Free.Lt(plan.Required) {
		return report, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientBalance, FormatAmount(plan.Required), FormatAmount(info.Free))
	}

	intermediaries := generated[:config.Intermediates]
	recipients := generated[config.Intermediates:]

	funded, failed := f.transfer(ctx, source, intermediaries, plan.IntermediaryAmount, config, "funding account")
	report.Funded = append(report.Funded, funded...)
	report.Failed += failed
	if len(funded) == 0 {
		return report, fmt.Errorf("no intermediary was funded")
	}

	if err := pause(ctx, config.SettlePause); err != nil {
		return report, err
	}

	ready := make(map[*chain.Account]bool, len(funded))
	for _, acc := range funded {
		ready[acc] = true
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, intermediary := range intermediaries {
		lo := i * plan.PerIntermediary
		if lo >= len(recipients) {
			break
		}
		hi := min(lo+plan.PerIntermediary, len(recipients))
		if !ready[intermediary] {
			mu.Lock()
			report.Failed += hi - lo
			mu.Unlock()
			f.logger.Warn("Skipping unfunded intermediary", zap.Int("intermediary", i+1), zap.Int("recipients", hi-lo))
			continue
		}

		wg.Add(1)
		go func(i int, sender *chain.Account, batch []*chain.Account) {
			defer wg.Done()
			ok, bad := f.transfer(ctx, sender, batch, config.PerAccount, config, fmt.Sprintf("intermediary %d", i+1))
			mu.Lock()
			report.Funded = append(report.Funded, ok...)
			report.Failed += bad
			mu.Unlock()
		}(i, intermediary, recipients[lo:hi])
	}
	wg.Wait()

	f.logger.Info("Funding complete", zap.Int("funded", len(report.Funded)), zap.Int("failed", report.Failed))
	return report, ctx.Err()
}

// transfer sends amount to every recipient in batches of config.MaxParallel
// and returns the recipients whose transfer finalized
func (f *Funder) transfer(ctx context.Context, sender *chain.Account, recipients []*chain.Account, amount *uint256.Int, config Config, label string) ([]*chain.Account, int) {
	logger := logging.WithAccount(f.logger, sender.Address()).With(zap.String("sender", label))
	batches := (len(recipients) + config.MaxParallel - 1) / config.MaxParallel
	logger.Info("Funding accounts", zap.Int("count", len(recipients)), zap.String("amount", FormatAmount(amount)))

	var funded []*chain.Account
	var failed int
	var mu sync.Mutex
	for b := 0; b < batches; b++ {
		batch := recipients[b*config.MaxParallel : min((b+1)*config.MaxParallel, len(recipients))]
		logger.Info("Processing batch", zap.Int("batch", b+1), zap.Int("of", batches))

		var g errgroup.Group
		for _, acc := range batch {
			acc := acc
			g.Go(func() error {
				err := f.send(ctx, sender, acc, amount)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					logger.Error("Transfer failed", zap.String("recipient", acc.Address()), zap.Error(err))
					return nil
				}
				funded = append(funded, acc)
				return nil
			})
		}
		_ = g.Wait()

		if b < batches-1 {
			if err := pause(ctx, config.BatchPause); err != nil {
				failed += len(recipients) - (b+1)*config.MaxParallel
				break
			}
		}
	}
	return funded, failed
}

func (f *Funder) send(ctx context.Context, sender, recipient *chain.Account, amount *uint256.Int) error {
	call, err := chain.TransferCall(recipient.PublicKey(), amount)
	if err != nil {
		f.metrics.RecordTransfer("error")
		return err
	}
	_, err = f.sender.Execute(ctx, sender, call, tracker.Request{
		Kind:            "transfer",
		SkipAttestation: true,
		NoCorrelation:   true,
	})
	if err != nil {
		f.metrics.RecordTransfer("error")
		return err
	}
	f.metrics.RecordTransfer("ok")
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OutputPath returns funded_accounts_<date>.json in dir, or the first free
// funded_accounts_<date>-NNN.json when that file already exists
func OutputPath(dir string, now time.Time) (string, error) {
	date := now.Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("funded_accounts_%s.json", date))
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", err
		}
		if i > 999 {
			return "", fmt.Errorf("no free funded accounts file name in %s", dir)
		}
		path = filepath.Join(dir, fmt.Sprintf("funded_accounts_%s-%03d.json", date, i))
	}
}
