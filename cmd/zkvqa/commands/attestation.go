package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/ethereum"
)

// attestationCmd groups the settlement contract commands
var attestationCmd = &cobra.Command{
	Use:   "attestation",
	Short: "Query attestations published on Ethereum",
}

var attestationLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the latest attestation id of the settlement contract",
	Args:  cobra.NoArgs,
	RunE:  runAttestationLatest,
}

var attestationPollCmd = &cobra.Command{
	Use:   "poll <id>",
	Short: "Wait until the settlement contract reports attestation <id>",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttestationPoll,
}

func init() {
	rootCmd.AddCommand(attestationCmd)
	attestationCmd.AddCommand(attestationLatestCmd, attestationPollCmd)

	attestationPollCmd.Flags().Duration("timeout", 0, "give up after this long (default from config)")
	attestationPollCmd.Flags().Duration("interval", 0, "time between checks (default from config)")
}

func runAttestationLatest(cmd *cobra.Command, args []string) error {
	ctx, h, err := setup(cmd, config.EnvAnvil, config.EnvContract)
	if err != nil {
		return err
	}
	defer h.close()

	contract, err := ethereum.Dial(ctx, h.cfg.Ethereum.RPCURL, h.cfg.Ethereum.Contract, h.logs.GetLogger("ethereum"))
	if err != nil {
		return err
	}
	defer contract.Close()

	id, err := contract.LatestAttestationID(ctx)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runAttestationPoll(cmd *cobra.Command, args []string) error {
	expected, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid attestation id %q: %w", args[0], err)
	}

	ctx, h, err := setup(cmd, config.EnvAnvil, config.EnvContract)
	if err != nil {
		return err
	}
	defer h.close()

	timeout := h.cfg.Timeouts.EthereumPollTimeout
	if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
		timeout = d
	}
	interval := h.cfg.Timeouts.EthereumPoll
	if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
		interval = d
	}

	contract, err := ethereum.Dial(ctx, h.cfg.Ethereum.RPCURL, h.cfg.Ethereum.Contract, h.logs.GetLogger("ethereum"))
	if err != nil {
		return err
	}
	defer contract.Close()

	start := time.Now()
	found, err := contract.PollLatestAttestationID(ctx, expected, timeout, interval)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("attestation %d not seen within %s", expected, timeout)
	}
	fmt.Printf("Attestation %d published after %s\n", expected, time.Since(start).Round(time.Millisecond))
	return nil
}
