// Package attestation waits for the publication of an attestation on the
// zkVerify chain. Waits are independent of the submission that produced the id
// and may start long after it.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/events"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
)

var (
	// ErrTimeout is returned when no matching attestation is published in time
	ErrTimeout = fmt.Errorf("attestation wait: %w", common.ErrTimeout)
	// ErrSubscription is returned when the event subscription cannot be established
	ErrSubscription = errors.New("attestation event subscription failed")
)

// Subscriber is the part of the chain client the waiter needs
type Subscriber interface {
	SubscribeEvents(ctx context.Context, handler func([]events.Record)) (unsubscribe func(), err error)
}

// Waiter starts attestation watches against one event source
type Waiter struct {
	source   Subscriber
	logger   *zap.Logger
	metrics  *monitoring.MetricsExporter
	progress time.Duration
}

// Option configures a Waiter
type Option func(*Waiter)

// WithProgressInterval sets how often a pending wait logs
func WithProgressInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.progress = d
		}
	}
}

// WithMetrics records wait latency
func WithMetrics(metrics *monitoring.MetricsExporter) Option {
	return func(w *Waiter) { w.metrics = metrics }
}

// NewWaiter creates a waiter
func NewWaiter(source Subscriber, logger *zap.Logger, opts ...Option) *Waiter {
	w := &Waiter{
		source:   source,
		logger:   logging.WithComponent(logger, "attestation"),
		progress: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until attestation id is published, timeout elapses or ctx is done
func (w *Waiter) Wait(ctx context.Context, id uint64, timeout time.Duration) (events.NewAttestation, error) {
	watch, err := w.Start(ctx, id, timeout)
	if err != nil {
		return events.NewAttestation{}, err
	}
	return watch.Result(ctx)
}

// Start subscribes and returns a watch for id. The deadline counts from now.
func (w *Waiter) Start(ctx context.Context, id uint64, timeout time.Duration) (*Watch, error) {
	watch := &Watch{
		id:      id,
		target:  strconv.FormatUint(id, 10),
		logger:  w.logger.With(zap.Uint64("attestation_id", id)),
		metrics: w.metrics,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	watch.mu.Lock()
	watch.timers = common.NewTimerScope(timeout, func() {
		watch.logger.Warn("Attestation not published in time", zap.Duration("timeout", timeout))
		watch.finish(events.NewAttestation{}, fmt.Errorf("%w: id %d after %s", ErrTimeout, id, timeout))
	})
	watch.timers.StartProgress(w.progress, func() {
		watch.logger.Info("Still waiting for attestation", logging.Elapsed(watch.started))
	})
	watch.mu.Unlock()

	unsubscribe, err := w.source.SubscribeEvents(ctx, watch.handle)
	if err != nil {
		watch.timers.Clear()
		return nil, fmt.Errorf("%w: %w", ErrSubscription, err)
	}
	watch.attach(unsubscribe)

	watch.logger.Debug("Waiting for attestation", zap.Duration("timeout", timeout))
	return watch, nil
}

// Watch is one pending wait for an attestation id
type Watch struct {
	id      uint64
	target  string
	logger  *zap.Logger
	metrics *monitoring.MetricsExporter
	started time.Time

	mu          sync.Mutex
	timers      *common.TimerScope
	unsubscribe func()
	finished    bool
	result      events.NewAttestation
	err         error
	done        chan struct{}
}

// ID is the attestation id being waited for
func (w *Watch) ID() uint64 {
	return w.id
}

// Done is closed once the watch has an outcome
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Result blocks for the outcome. If ctx ends first the watch is canceled.
func (w *Watch) Result(ctx context.Context) (events.NewAttestation, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.finish(events.NewAttestation{}, fmt.Errorf("%w: %w", common.ErrCanceled, ctx.Err()))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.err
}

// Cancel abandons the wait. Safe to call after completion.
func (w *Watch) Cancel() {
	w.finish(events.NewAttestation{}, common.ErrCanceled)
}

func (w *Watch) attach(unsubscribe func()) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		unsubscribe()
		return
	}
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
}

func (w *Watch) handle(batch []events.Record) {
	events.Extract(batch, events.PalletPoe, events.EventNewAttestation, func(fields []any) {
		if len(fields) == 0 || !w.matches(fields[0]) {
			return
		}

		published, err := events.DecodeNewAttestation(fields)
		if err != nil {
			w.finish(events.NewAttestation{}, err)
			return
		}
		w.finish(published, nil)
	})
}

func (w *Watch) matches(field any) bool {
	if n, err := events.Uint(field); err == nil {
		return strconv.FormatUint(n, 10) == w.target
	}
	return fmt.Sprint(field) == w.target
}

// finish records the first outcome, clears the timers and unsubscribes once
func (w *Watch) finish(result events.NewAttestation, err error) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	w.result, w.err = result, err
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	timers := w.timers
	w.mu.Unlock()

	timers.Clear()
	if unsubscribe != nil {
		unsubscribe()
	}
	close(w.done)

	if err == nil {
		w.metrics.ObserveAttestationWait(time.Since(w.started))
		w.logger.Info("Attestation published",
			zap.String("root", result.Root),
			logging.Elapsed(w.started),
		)
	}
}
