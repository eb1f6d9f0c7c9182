package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/funding"
	"github.com/zkVerify/zkVerify-qa/internal/walletpool"
)

// walletServerCmd represents the wallet-server command
var walletServerCmd = &cobra.Command{
	Use:   "wallet-server",
	Short: "Serve the shared wallet pool",
	Long: `Serve the SEED_PHRASE_<n> wallets to concurrent test runners. A runner gets a
wallet from GET /wallet, or a ticket to poll when every wallet is in use, and hands it
back with POST /release.

With --local a fresh wallet per proof variant is created and funded from SEED_PHRASE_1.
Set REDIS_URL to share one pool between several servers.`,
	RunE: runWalletServer,
}

func init() {
	rootCmd.AddCommand(walletServerCmd)

	walletServerCmd.Flags().String("listen", "", "listen address (default from config)")
	walletServerCmd.Flags().Bool("local", false, "create and fund wallets on a local node")
}

func runWalletServer(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	local, _ := cmd.Flags().GetBool("local")

	ctx, h, err := setup(cmd)
	if err != nil {
		return err
	}
	defer h.close()

	local = local || h.cfg.Chain.LocalNode
	if listen == "" {
		listen = h.cfg.WalletPool.ListenAddr
	}

	var wallets []walletpool.Wallet
	if local {
		wallets, err = localWallets(ctx, h)
	} else {
		wallets, err = walletpool.WalletsFromConfig(h.cfg)
	}
	if err != nil {
		return err
	}

	var store walletpool.Store = walletpool.NewMemoryStore()
	if h.cfg.WalletPool.RedisURL != "" {
		rs, err := walletpool.NewRedisStore(ctx, h.cfg.WalletPool.RedisURL, "")
		if err != nil {
			return err
		}
		store = rs
	}
	defer store.Close()

	server, err := walletpool.NewServer(ctx, walletpool.Config{
		ListenAddr:    listen,
		TicketTimeout: h.cfg.Timeouts.WalletLease,
	}, wallets, store, h.logs.GetLogger("walletpool"), h.metrics)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// localWallets funds one fresh wallet per proof variant from SEED_PHRASE_1
func localWallets(ctx context.Context, h *harness) ([]walletpool.Wallet, error) {
	if err := h.cfg.Require(config.EnvWebSocket, config.SeedPhrasePrefix+"1"); err != nil {
		return nil, err
	}
	source, err := chain.NewAccount(h.cfg.SeedPhrase(1))
	if err != nil {
		return nil, err
	}

	client, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}
	funder := funding.NewFunder(h.submitter(client), client, h.logs.GetLogger("funding"), h.metrics)
	accs, err := funder.LocalWallets(ctx, source, funding.LocalWalletCount())
	if err != nil {
		return nil, err
	}

	wallets := make([]walletpool.Wallet, len(accs))
	for i, acc := range accs {
		wallets[i] = walletpool.Wallet{Key: fmt.Sprintf("%s%d", config.SeedPhrasePrefix, i+1), Secret: acc.Secret()}
	}
	h.logger.Info("Local wallets ready", zap.Int("wallets", len(wallets)))
	return wallets, nil
}
