// Package nonce hands out per-account transaction sequence numbers to
// concurrent submitters sharing one signing account.
package nonce

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
)

// ErrAllocation is returned when the starting nonce cannot be read from the chain.
// No cursor is cached, so the next call queries again.
var ErrAllocation = errors.New("nonce allocation failed")

// Source reports the next transaction index the chain expects for an account
type Source interface {
	NextNonce(ctx context.Context, account string) (uint64, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, account string) (uint64, error)

// NextNonce implements Source
func (f SourceFunc) NextNonce(ctx context.Context, account string) (uint64, error) {
	return f(ctx, account)
}

// Allocator serializes nonce issuance per account. Accounts never block each other.
type Allocator struct {
	source  Source
	logger  *zap.Logger
	metrics *monitoring.MetricsExporter

	mu      sync.Mutex
	cursors map[string]*cursor
}

// cursor is the per-account state. sem is a queue of one guarding every field.
type cursor struct {
	sem    chan struct{}
	loaded bool
	next   uint64
	reuse  nonceHeap
}

// Option configures an Allocator
type Option func(*Allocator)

// WithMetrics records allocations and releases
func WithMetrics(metrics *monitoring.MetricsExporter) Option {
	return func(a *Allocator) {
		a.metrics = metrics
	}
}

// New creates an allocator backed by source
func New(source Source, logger *zap.Logger, opts ...Option) *Allocator {
	a := &Allocator{
		source:  source,
		logger:  logger,
		cursors: make(map[string]*cursor),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) cursorFor(account string) *cursor {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.cursors[account]
	if !ok {
		c = &cursor{sem: make(chan struct{}, 1)}
		a.cursors[account] = c
	}
	return c
}

func (c *cursor) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *cursor) unlock() {
	<-c.sem
}

// Allocate returns the next nonce for account. The first call per account reads the
// starting value from the chain. Released nonces are handed out again before new ones.
func (a *Allocator) Allocate(ctx context.Context, account string) (uint64, error) {
	c := a.cursorFor(account)
	if err := c.lock(ctx); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrAllocation, account, err)
	}
	defer c.unlock()

	if !c.loaded {
		start, err := a.source.NextNonce(ctx, account)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrAllocation, account, err)
		}
		c.next = start
		c.loaded = true
		a.logger.Debug("Nonce cursor loaded",
			zap.String("account", account),
			zap.Uint64("nonce", start),
		)
	}

	var n uint64
	if c.reuse.Len() > 0 {
		n = heap.Pop(&c.reuse).(uint64)
	} else {
		n = c.next
		c.next++
	}

	a.metrics.RecordNonceAllocation(account)
	return n, nil
}

// Release hands back a nonce whose transaction never reached the pool.
// It runs under the same per-account exclusion as Allocate. The most recent nonce
// rewinds the cursor; any older one is queued and reused by the next Allocate.
func (a *Allocator) Release(account string, n uint64) {
	c := a.cursorFor(account)
	// Background never cancels
	_ = c.lock(context.Background())
	defer c.unlock()

	if !c.loaded || n >= c.next || c.reuse.contains(n) {
		a.logger.Warn("Ignoring release of nonce that is not outstanding",
			zap.String("account", account),
			zap.Uint64("nonce", n),
		)
		return
	}

	if n == c.next-1 {
		c.next--
		// Collapse queued nonces that now sit directly below the cursor
		for c.reuse.Len() > 0 && c.reuse.max() == c.next-1 {
			c.reuse.removeMax()
			c.next--
		}
		a.metrics.RecordNonceRelease(account, "decrement")
		a.logger.Info("Nonce rolled back",
			zap.String("account", account),
			zap.Uint64("nonce", n),
		)
		return
	}

	heap.Push(&c.reuse, n)
	a.metrics.RecordNonceRelease(account, "requeue")
	a.logger.Info("Nonce queued for reuse",
		zap.String("account", account),
		zap.Uint64("nonce", n),
	)
}

// Reset drops the cached cursor so the next Allocate queries the chain again
func (a *Allocator) Reset(account string) {
	c := a.cursorFor(account)
	_ = c.lock(context.Background())
	defer c.unlock()

	c.loaded = false
	c.next = 0
	c.reuse = nil
}

// Next reports the value the cursor would hand out next, without allocating
func (a *Allocator) Next(account string) (uint64, bool) {
	c := a.cursorFor(account)
	_ = c.lock(context.Background())
	defer c.unlock()

	if !c.loaded {
		return 0, false
	}
	if c.reuse.Len() > 0 {
		return c.reuse[0], true
	}
	return c.next, true
}

// nonceHeap is a min-heap of released nonces
type nonceHeap []uint64

func (h nonceHeap) Len() int           { return len(h) }
func (h nonceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nonceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nonceHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *nonceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h nonceHeap) contains(n uint64) bool {
	for _, v := range h {
		if v == n {
			return true
		}
	}
	return false
}

func (h nonceHeap) max() uint64 {
	var m uint64
	for _, v := range h {
		if v > m {
			m = v
		}
	}
	return m
}

func (h *nonceHeap) removeMax() {
	old := *h
	idx := 0
	for i, v := range old {
		if v > old[idx] {
			idx = i
		}
	}
	heap.Remove(h, idx)
}
