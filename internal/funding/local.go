package funding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
)

// LocalWalletCount is one wallet per proof variant, so each variant test can
// sign from its own account
func LocalWalletCount() int {
	return len(proofs.Variants())
}

// LocalWallets creates count fresh wallets and funds each with 10 tokens from
// source. The returned slice starts with source. Any failed transfer fails
// the whole call since tests cannot run on an unfunded wallet.
func (f *Funder) LocalWallets(ctx context.Context, source *chain.Account, count int) ([]*chain.Account, error) {
	wallets := make([]*chain.Account, 0, count+1)
	wallets = append(wallets, source)
	for i := 0; i < count; i++ {
		acc, err := chain.GenerateAccount()
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, acc)
	}

	amount := Tokens(10)
	f.logger.Info("Funding local wallets", zap.Int("count", count), zap.String("amount", FormatAmount(amount)))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range wallets[1:] {
		w := w
		g.Go(func() error {
			if err := f.send(gctx, source, w, amount); err != nil {
				return fmt.Errorf("fund %s: %w", w.Address(), err)
			}
			f.logger.Debug("Local wallet funded", zap.String("wallet", w.Address()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return wallets, nil
}
