package commands

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/traffic"
)

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Send a steady stream of proofs",
	Long: `Submit one proof of every configured kind each interval until the duration
elapses, then wait for the proofs in flight and print per-kind counts.

Examples:
  zkvqa traffic --interval 5s --duration 10m
  zkvqa traffic --kinds groth16,risc0 --rate 2 --metrics-addr :9090`,
	RunE: runTraffic,
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().Duration("interval", 0, "time between rounds (default from config)")
	trafficCmd.Flags().Duration("duration", 0, "how long to keep sending (default from config)")
	trafficCmd.Flags().String("kinds", "", "comma separated proof types (default all)")
	trafficCmd.Flags().Bool("skip-attestation", false, "resolve proofs at finalization")
	trafficCmd.Flags().Float64("rate", -1, "maximum proofs per second, 0 for no limit (default from config)")
	trafficCmd.Flags().Int("retries", -1, "resubmissions of a proof that failed with a retryable error (default from config)")
}

func runTraffic(cmd *cobra.Command, args []string) error {
	ctx, h, err := setup(cmd, config.EnvWebSocket, config.EnvPrivateKey)
	if err != nil {
		return err
	}
	defer h.close()

	tc := h.cfg.Traffic
	if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
		tc.Interval = d
	}
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		tc.Duration = d
	}
	if k, _ := cmd.Flags().GetString("kinds"); k != "" {
		tc.Kinds = strings.Split(k, ",")
	}
	if skip, _ := cmd.Flags().GetBool("skip-attestation"); skip {
		tc.SkipAttestation = true
	}
	if r, _ := cmd.Flags().GetFloat64("rate"); r >= 0 {
		tc.RatePerSecond = r
	}
	if n, _ := cmd.Flags().GetInt("retries"); n >= 0 {
		tc.Retries = n
	}

	kinds, err := proofs.ParseKinds(strings.Join(tc.Kinds, ","))
	if err != nil {
		return err
	}
	inputs, err := traffic.LoadInputs(h.cfg.Proofs.DataFolder, kinds)
	if err != nil {
		return err
	}

	signer, err := chain.NewAccount(h.cfg.Accounts.PrivateKey)
	if err != nil {
		return err
	}
	client, err := h.connect(ctx)
	if err != nil {
		return err
	}

	g, err := traffic.NewGenerator(h.submitter(client), signer, inputs, traffic.Config{
		Interval:        tc.Interval,
		Duration:        tc.Duration,
		Kinds:           kinds,
		SkipAttestation: tc.SkipAttestation,
		RatePerSecond:   tc.RatePerSecond,
		Retries:         tc.Retries,
	}, h.logs.GetLogger("traffic"))
	if err != nil {
		return err
	}

	summary, err := g.Run(ctx)
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(summary); encErr != nil && err == nil {
		err = encErr
	}
	return err
}
