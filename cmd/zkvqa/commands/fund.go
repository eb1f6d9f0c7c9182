package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/accounts"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/funding"
)

// fundCmd represents the fund command
var fundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Generate and fund test accounts",
	Long: `Generate accounts and fund them from FUNDING_SEED_PHRASE. The funding account
pays a few intermediaries, which then fund the remaining accounts in parallel batches.
Funded accounts are written to funded_accounts_<date>.json in the output folder.

Examples:
  zkvqa fund --accounts 200 --intermediaries 5 --amount "0.1 ZKV"`,
	RunE: runFund,
}

func init() {
	rootCmd.AddCommand(fundCmd)

	fundCmd.Flags().Int("accounts", 0, "accounts to generate, intermediaries included (default from config)")
	fundCmd.Flags().Int("intermediaries", 0, "intermediary accounts (default from config)")
	fundCmd.Flags().String("amount", "", `amount per account, base units or "<n> ZKV" (default from config)`)
	fundCmd.Flags().Int("parallel", 0, "transfers per batch (default from config)")
	fundCmd.Flags().String("out", "funded_accounts", "output folder")
	fundCmd.Flags().Duration("settle", 5*time.Second, "pause between funding intermediaries and their transfers")
}

func runFund(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("out")
	settle, _ := cmd.Flags().GetDuration("settle")

	ctx, h, err := setup(cmd, config.EnvWebSocket, config.EnvFundingSeedPhrase)
	if err != nil {
		return err
	}
	defer h.close()

	fc := h.cfg.Funding
	if n, _ := cmd.Flags().GetInt("accounts"); n > 0 {
		fc.Accounts = n
	}
	if n, _ := cmd.Flags().GetInt("intermediaries"); n > 0 {
		fc.Intermediates = n
	}
	if s, _ := cmd.Flags().GetString("amount"); s != "" {
		fc.Amount = s
	}
	if n, _ := cmd.Flags().GetInt("parallel"); n > 0 {
		fc.MaxParallel = n
	}
	amount, err := funding.ParseAmount(fc.Amount)
	if err != nil {
		return err
	}

	source, err := chain.NewAccount(h.cfg.Accounts.FundingSeedPhrase)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}
	outPath, err := funding.OutputPath(outDir, time.Now())
	if err != nil {
		return err
	}
	h.logger.Info("Funded accounts file", zap.String("path", outPath))

	client, err := h.connect(ctx)
	if err != nil {
		return err
	}

	funder := funding.NewFunder(h.submitter(client), client, h.logs.GetLogger("funding"), h.metrics)
	report, err := funder.Fund(ctx, source, funding.Config{
		Accounts:      fc.Accounts,
		Intermediates: fc.Intermediates,
		PerAccount:    amount,
		MaxParallel:   fc.MaxParallel,
		BatchPause:    fc.BatchPause,
		SettlePause:   settle,
	})

	// Keep every generated secret on disk even when funding stopped early
	keep := report.Funded
	if err != nil {
		keep = report.Generated
	}
	if len(keep) > 0 {
		if werr := accounts.WriteFunded(outPath, keep); werr != nil {
			h.logger.Error("Failed to save accounts", zap.Error(werr))
		} else {
			fmt.Printf("Saved %d accounts to %s\n", len(keep), outPath)
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("Funded %d accounts, %d failed\n", len(report.Funded), report.Failed)
	return nil
}
