// Package monitoring exports harness metrics to Prometheus. A nil
// *MetricsExporter is valid and records nothing.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsExporter provides Prometheus metrics export functionality
type MetricsExporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	server   *http.Server
	registry *prometheus.Registry

	// Submission metrics
	submissions     *prometheus.CounterVec
	finalization    *prometheus.HistogramVec
	attestationWait prometheus.Histogram

	// Nonce metrics
	nonceAllocations *prometheus.CounterVec
	nonceReleases    *prometheus.CounterVec

	// Account metrics
	walletsAvailable prometheus.Gauge
	walletQueue      prometheus.Gauge
	transfers        *prometheus.CounterVec
}

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
	Namespace   string `yaml:"namespace"`
}

// NewMetricsExporter creates a new metrics exporter with its own registry
func NewMetricsExporter(logger *zap.Logger, config MetricsConfig) *MetricsExporter {
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "zkvqa"
	}

	me := &MetricsExporter{
		logger:   logger,
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	me.initializeMetrics()

	return me
}

func (me *MetricsExporter) initializeMetrics() {
	ns := me.config.Namespace

	me.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "submissions_total",
		Help:      "Proof submissions by proof type and final outcome",
	}, []string{"proof_type", "outcome"})

	me.finalization = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "finalization_seconds",
		Help:      "Time from submission to finalization",
		Buckets:   []float64{6, 12, 18, 24, 30, 45, 60},
	}, []string{"proof_type"})

	me.attestationWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "attestation_wait_seconds",
		Help:      "Time spent waiting for the matching attestation",
		Buckets:   []float64{15, 30, 60, 120, 180, 240, 300, 360},
	})

	me.nonceAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "nonce_allocations_total",
		Help:      "Nonces handed out per account",
	}, []string{"account"})

	me.nonceReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "nonce_releases_total",
		Help:      "Nonces handed back after a failed send",
	}, []string{"account", "mode"})

	me.walletsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "wallet_pool_available",
		Help:      "Wallets currently available in the pool",
	})

	me.walletQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "wallet_pool_queue_depth",
		Help:      "Wallet requests waiting for a release",
	})

	me.transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "funding_transfers_total",
		Help:      "Funding transfers by result",
	}, []string{"result"})

	me.registry.MustRegister(
		me.submissions,
		me.finalization,
		me.attestationWait,
		me.nonceAllocations,
		me.nonceReleases,
		me.walletsAvailable,
		me.walletQueue,
		me.transfers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the private registry
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Handler returns the scrape handler
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Start serves metrics until ctx is done. Nothing is served without a listen address.
func (me *MetricsExporter) Start(ctx context.Context) error {
	if me == nil || me.config.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(me.config.MetricsPath, me.Handler())

	me.server = &http.Server{
		Addr:              me.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		me.logger.Info("Starting metrics exporter",
			zap.String("address", me.config.ListenAddr),
			zap.String("path", me.config.MetricsPath),
		)

		if err := me.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			me.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	return me.Stop()
}

// Stop halts metrics export
func (me *MetricsExporter) Stop() error {
	if me == nil || me.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := me.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	me.logger.Info("Metrics exporter stopped")
	return nil
}

// RecordSubmission counts one resolved submission
func (me *MetricsExporter) RecordSubmission(proofType, outcome string) {
	if me == nil {
		return
	}
	me.submissions.WithLabelValues(proofType, outcome).Inc()
}

// ObserveFinalization records submission to finalization latency
func (me *MetricsExporter) ObserveFinalization(proofType string, d time.Duration) {
	if me == nil {
		return
	}
	me.finalization.WithLabelValues(proofType).Observe(d.Seconds())
}

// ObserveAttestationWait records how long the attestation wait took
func (me *MetricsExporter) ObserveAttestationWait(d time.Duration) {
	if me == nil {
		return
	}
	me.attestationWait.Observe(d.Seconds())
}

// RecordNonceAllocation counts one allocated nonce
func (me *MetricsExporter) RecordNonceAllocation(account string) {
	if me == nil {
		return
	}
	me.nonceAllocations.WithLabelValues(account).Inc()
}

// RecordNonceRelease counts one released nonce, mode is "decrement" or "requeue"
func (me *MetricsExporter) RecordNonceRelease(account, mode string) {
	if me == nil {
		return
	}
	me.nonceReleases.WithLabelValues(account, mode).Inc()
}

// SetWalletPool updates the pool gauges
func (me *MetricsExporter) SetWalletPool(available, queued int) {
	if me == nil {
		return
	}
	me.walletsAvailable.Set(float64(available))
	me.walletQueue.Set(float64(queued))
}

// RecordTransfer counts one funding transfer
func (me *MetricsExporter) RecordTransfer(result string) {
	if me == nil {
		return
	}
	me.transfers.WithLabelValues(result).Inc()
}
