package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zkVerify/zkVerify-qa/internal/accounts"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/traffic"
)

// burstCmd represents the burst command
var burstCmd = &cobra.Command{
	Use:   "burst",
	Short: "Send one proof of every kind at once from the funded accounts",
	Long: `Send one proof of every configured kind concurrently. Each proof is signed by
the next account of the funded accounts file, so no two proofs share a nonce sequence
until the accounts are exhausted and the rotation starts over.`,
	RunE: runBurst,
}

func init() {
	rootCmd.AddCommand(burstCmd)

	burstCmd.Flags().String("kinds", "", "comma separated proof types (default all)")
	burstCmd.Flags().String("accounts-file", "", "funded accounts file (default FUNDED_ACCOUNTS_FILE)")
	burstCmd.Flags().Bool("skip-attestation", false, "resolve proofs at finalization")
}

func runBurst(cmd *cobra.Command, args []string) error {
	kindList, _ := cmd.Flags().GetString("kinds")
	accountsFile, _ := cmd.Flags().GetString("accounts-file")
	skipAttestation, _ := cmd.Flags().GetBool("skip-attestation")

	ctx, h, err := setup(cmd, config.EnvWebSocket)
	if err != nil {
		return err
	}
	defer h.close()

	if accountsFile == "" {
		accountsFile = h.cfg.Accounts.FundedFile
	}
	funded, err := accounts.ReadFunded(accountsFile)
	if err != nil {
		return err
	}
	rotator, err := accounts.NewRotator(funded)
	if err != nil {
		return err
	}

	kinds, err := proofs.ParseKinds(kindList)
	if err != nil {
		return err
	}
	inputs, err := traffic.LoadInputs(h.cfg.Proofs.DataFolder, kinds)
	if err != nil {
		return err
	}

	client, err := h.connect(ctx)
	if err != nil {
		return err
	}

	results := traffic.Burst(ctx, h.submitter(client), rotator, inputs, skipAttestation, h.logs.GetLogger("burst"))

	failed, retryable := 0, 0
	for _, r := range results {
		status := string(r.Result.Outcome)
		if r.Err != nil {
			status = r.Err.Error()
			failed++
			if r.Retryable {
				status = "retryable: " + status
				retryable++
			}
		}
		fmt.Printf("%-12s %-50s %s\n", r.Kind, r.Account, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d proofs failed (%d retryable)", failed, len(results), retryable)
	}
	return nil
}
