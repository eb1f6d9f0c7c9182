package walletpool

import (
	"fmt"

	"github.com/zkVerify/zkVerify-qa/internal/config"
)

// WalletsFromConfig returns every usable SEED_PHRASE_<n>, keyed by variable name
func WalletsFromConfig(cfg *config.Config) ([]Wallet, error) {
	keys := cfg.SeedPhraseKeys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no %s<n> variables set", config.ErrConfiguration, config.SeedPhrasePrefix)
	}

	wallets := make([]Wallet, 0, len(keys))
	for _, key := range keys {
		wallets = append(wallets, Wallet{Key: key, Secret: cfg.Lookup(key)})
	}
	return wallets, nil
}
