package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/attestation"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
	"github.com/zkVerify/zkVerify-qa/internal/nonce"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/submitter"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

const Version = "1.0.0"

var (
	cfgFile     string
	envFile     string
	verbose     bool
	metricsAddr string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "zkvqa",
	Short: "zkVerify proof submission QA harness",
	Long: `zkvqa submits proofs to a zkVerify node and follows every transaction to
finalization and, when requested, to the attestation that publishes it.

Settings come from a .env file, an optional YAML config file and the environment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// harness is what every command builds before doing its work
type harness struct {
	cfg     *config.Config
	logs    *logging.LoggerFactory
	logger  *zap.Logger
	metrics *monitoring.MetricsExporter
	client  chain.Client
	cancel  context.CancelFunc
}

// setup loads the configuration, builds the loggers and starts the metrics
// exporter when --metrics-addr is set. The returned context ends on SIGINT or SIGTERM.
func setup(cmd *cobra.Command, required ...string) (context.Context, *harness, error) {
	cfg, err := config.Load(envFile, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Require(required...); err != nil {
		return nil, nil, err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	logs, err := logging.NewLoggerFactory(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	h := &harness{cfg: cfg, logs: logs, logger: logs.Root(), cancel: cancel}

	if metricsAddr != "" {
		h.metrics = monitoring.NewMetricsExporter(logs.GetLogger("metrics"), monitoring.MetricsConfig{ListenAddr: metricsAddr})
		go func() {
			if err := h.metrics.Start(ctx); err != nil {
				h.logger.Warn("Metrics exporter stopped with error", zap.Error(err))
			}
		}()
	}
	return ctx, h, nil
}

// connect dials the configured node and waits until it is synced
func (h *harness) connect(ctx context.Context) (chain.Client, error) {
	client, err := chain.Connect(ctx, h.cfg.Chain.WebSocket, h.logs.GetLogger("chain"), chain.Options{
		ConnectTimeout: h.cfg.Timeouts.Connect,
	})
	if err != nil {
		return nil, err
	}
	if err := client.WaitForSync(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	h.client = client
	return client, nil
}

// submitter wires the submission pipeline on top of client
func (h *harness) submitter(client chain.Client) *submitter.Submitter {
	t := h.cfg.Timeouts
	waiter := attestation.NewWaiter(client, h.logs.GetLogger("attestation"),
		attestation.WithProgressInterval(t.AttestationProgress),
		attestation.WithMetrics(h.metrics),
	)
	tr := tracker.New(waiter, h.logs.GetLogger("tracker"), h.metrics, tracker.Options{
		Timeout:            t.Finalization,
		ProgressInterval:   t.Progress,
		AttestationTimeout: t.AttestationWait,
		EarlyAttestation:   true,
	})
	nonces := nonce.New(client, h.logs.GetLogger("nonce"), nonce.WithMetrics(h.metrics))
	return submitter.New(client, proofs.NewRegistry(), nonces, tr, h.logs.GetLogger("submitter"), h.metrics)
}

func (h *harness) close() {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			h.logger.Debug("Closing node connection", zap.Error(err))
		}
	}
	h.cancel()
	_ = h.logs.Sync()
}
