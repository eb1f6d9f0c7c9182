// Package traffic keeps a steady stream of proofs flowing into a node and
// fires bursts across many accounts.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/submitter"
	"github.com/zkVerify/zkVerify-qa/internal/tracker"
)

// Proof submits one proof and tracks it. *submitter.Submitter implements it.
type Proof interface {
	SubmitProof(ctx context.Context, req submitter.ProofRequest) (tracker.Result, error)
}

// Config controls a traffic run
type Config struct {
	Interval time.Duration
	Duration time.Duration
	Kinds    []proofs.Kind
	// SkipAttestation resolves each proof at finalization
	SkipAttestation bool
	// RatePerSecond caps submissions across all kinds; zero means no cap
	RatePerSecond float64
	// MaxInFlight bounds concurrently tracked proofs. A round that finds no
	// free slot skips the proof instead of waiting.
	MaxInFlight int
	// Retries resubmits a proof whose error common.IsRetryable accepts
	Retries int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Duration <= 0 {
		c.Duration = 60 * time.Second
	}
	if len(c.Kinds) == 0 {
		c.Kinds = proofs.Kinds()
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 256
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
}

// Counter holds the per-kind tallies of a run
type Counter struct {
	Sent      atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Retried   atomic.Int64
	Skipped   atomic.Int64
}

// KindSummary is a snapshot of one Counter
type KindSummary struct {
	Kind      proofs.Kind `json:"kind"`
	Sent      int64       `json:"sent"`
	Succeeded int64       `json:"succeeded"`
	Failed    int64       `json:"failed"`
	Retried   int64       `json:"retried"`
	Skipped   int64       `json:"skipped"`
}

// Summary is the final report of a run
type Summary struct {
	RunID   string        `json:"runId"`
	Kinds   []KindSummary `json:"kinds"`
	Total   int64         `json:"total"`
	Elapsed time.Duration `json:"elapsed"`
}

// Generator submits one proof per configured kind every interval
type Generator struct {
	proof    Proof
	signer   *chain.Account
	inputs   map[proofs.Kind]proofs.Input
	config   Config
	limiter  *rate.Limiter
	logger   *zap.Logger
	counters map[proofs.Kind]*Counter
}

// NewGenerator checks that every configured kind has an input
func NewGenerator(proof Proof, signer *chain.Account, inputs map[proofs.Kind]proofs.Input, config Config, logger *zap.Logger) (*Generator, error) {
	config.setDefaults()

	counters := make(map[proofs.Kind]*Counter, len(config.Kinds))
	for _, k := range config.Kinds {
		if _, ok := inputs[k]; !ok {
			return nil, fmt.Errorf("no fixture loaded for %s", k)
		}
		counters[k] = &Counter{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RatePerSecond > 0 {
		burst := int(config.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &Generator{
		proof:    proof,
		signer:   signer,
		inputs:   inputs,
		config:   config,
		limiter:  limiter,
		logger:   logging.WithComponent(logger, "traffic"),
		counters: counters,
	}, nil
}

// Run sends proofs until the duration elapses or ctx ends, then waits for
// in-flight proofs to resolve
func (g *Generator) Run(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	logger := g.logger.With(zap.String("run_id", runID))
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, g.config.Duration)
	defer cancel()

	var inFlight errgroup.Group
	inFlight.SetLimit(g.config.MaxInFlight)

	logger.Info("Starting traffic generator",
		zap.Duration("interval", g.config.Interval),
		zap.Duration("duration", g.config.Duration),
		zap.Int("kinds", len(g.config.Kinds)),
		zap.Bool("skip_attestation", g.config.SkipAttestation),
	)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	var total int64
loop:
	for {
		for _, kind := range g.config.Kinds {
			if err := g.limiter.Wait(runCtx); err != nil {
				break loop
			}
			if runCtx.Err() != nil {
				break loop
			}
			kind := kind
			started := inFlight.TryGo(func() error {
				g.send(ctx, runCtx, kind, logger)
				return nil
			})
			if !started {
				g.counters[kind].Skipped.Add(1)
				logger.Warn("In-flight limit reached, proof skipped",
					zap.String("proof_type", kind.String()),
					zap.Int("max_in_flight", g.config.MaxInFlight),
				)
				continue
			}
			g.counters[kind].Sent.Add(1)
			total++
		}
		logger.Info("Proofs sent",
			zap.Int("batch", len(g.config.Kinds)),
			zap.Int64("total", total),
			logging.Elapsed(start),
		)

		select {
		case <-ticker.C:
		case <-runCtx.Done():
			break loop
		}
	}

	_ = inFlight.Wait()
	summary := g.summary(runID, start)
	for _, k := range summary.Kinds {
		logger.Info("Final proof count",
			zap.String("proof_type", k.Kind.String()),
			zap.Int64("sent", k.Sent),
			zap.Int64("succeeded", k.Succeeded),
			zap.Int64("failed", k.Failed),
			zap.Int64("retried", k.Retried),
			zap.Int64("skipped", k.Skipped),
		)
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return summary, err
	}
	return summary, nil
}

// send tracks one proof on ctx. Retries are only started while runCtx is live.
func (g *Generator) send(ctx, runCtx context.Context, kind proofs.Kind, logger *zap.Logger) {
	req := submitter.ProofRequest{
		Kind:            kind,
		Input:           g.inputs[kind],
		Signer:          g.signer,
		SkipAttestation: g.config.SkipAttestation,
	}

	for attempt := 0; ; attempt++ {
		_, err := g.proof.SubmitProof(ctx, req)
		if err == nil {
			g.counters[kind].Succeeded.Add(1)
			return
		}
		if attempt < g.config.Retries && common.IsRetryable(err) && runCtx.Err() == nil {
			g.counters[kind].Retried.Add(1)
			logger.Warn("Proof failed, resubmitting",
				zap.String("proof_type", kind.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		g.counters[kind].Failed.Add(1)
		logger.Warn("Proof failed", zap.String("proof_type", kind.String()), zap.Bool("retryable", common.IsRetryable(err)), zap.Error(err))
		return
	}
}

// Counters returns the live per-kind counters
func (g *Generator) Counters() map[proofs.Kind]*Counter {
	return g.counters
}

func (g *Generator) summary(runID string, start time.Time) Summary {
	s := Summary{RunID: runID, Elapsed: time.Since(start)}
	for kind, c := range g.counters {
		ks := KindSummary{
			Kind:      kind,
			Sent:      c.Sent.Load(),
			Succeeded: c.Succeeded.Load(),
			Failed:    c.Failed.Load(),
			Retried:   c.Retried.Load(),
			Skipped:   c.Skipped.Load(),
		}
		s.Kinds = append(s.Kinds, ks)
		s.Total += ks.Sent
	}
	sort.Slice(s.Kinds, func(i, j int) bool { return s.Kinds[i].Kind < s.Kinds[j].Kind })
	return s
}

// LoadInputs reads the fixture of every kind from dir
func LoadInputs(dir string, kinds []proofs.Kind) (map[proofs.Kind]proofs.Input, error) {
	inputs := make(map[proofs.Kind]proofs.Input, len(kinds))
	var mu sync.Mutex
	var g errgroup.Group
	for _, k := range kinds {
		k := k
		g.Go(func() error {
			f, err := proofs.LoadFixture(dir, k, "")
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			mu.Lock()
			inputs[k] = proofs.Input{Fixture: f}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}
