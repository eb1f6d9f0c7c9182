// Package accounts hands signing accounts to concurrent submitters.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
)

var (
	ErrPoolClosed     = fmt.Errorf("account pool: %w", common.ErrClosed)
	ErrUnknownAccount = errors.New("account is not leased from this pool")
	ErrEmpty          = errors.New("no accounts")
)

// Pool leases accounts exclusively. Acquire queues when the pool is empty and
// Release hands the account to the longest waiting caller first.
type Pool struct {
	logger  *zap.Logger
	metrics *monitoring.MetricsExporter

	mu        sync.Mutex
	available []*chain.Account
	leased    map[string]*chain.Account
	waiters   []chan *chain.Account
	closed    bool
}

// NewPool creates a pool over accounts. metrics may be nil.
func NewPool(accounts []*chain.Account, logger *zap.Logger, metrics *monitoring.MetricsExporter) *Pool {
	p := &Pool{
		logger:    logger,
		metrics:   metrics,
		available: append([]*chain.Account(nil), accounts...),
		leased:    make(map[string]*chain.Account),
	}
	p.report()
	return p
}

// Acquire leases an account, waiting until one is released or ctx is done
func (p *Pool) Acquire(ctx context.Context) (*chain.Account, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if acc := p.popLocked(); acc != nil {
		p.mu.Unlock()
		return acc, nil
	}

	ch := make(chan *chain.Account, 1)
	p.waiters = append(p.waiters, ch)
	p.reportLocked()
	p.mu.Unlock()

	p.logger.Debug("Waiting for a free account", zap.Int("queued", len(p.waiters)))

	select {
	case acc, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return acc, nil
	case <-ctx.Done():
		p.abandon(ch)
		return nil, ctx.Err()
	}
}

// TryAcquire leases an account without waiting
func (p *Pool) TryAcquire() (*chain.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	acc := p.popLocked()
	return acc, acc != nil
}

// abandon removes a waiter whose context ended. An account handed over in
// the meantime is passed on.
func (p *Pool) abandon(ch chan *chain.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.reportLocked()
			return
		}
	}

	if acc, ok := <-ch; ok && acc != nil {
		delete(p.leased, acc.Address())
		p.handoffLocked(acc)
	}
}

// Release returns a leased account
func (p *Pool) Release(acc *chain.Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[acc.Address()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, acc.Address())
	}
	delete(p.leased, acc.Address())

	if p.closed {
		return nil
	}
	p.handoffLocked(acc)
	return nil
}

func (p *Pool) handoffLocked(acc *chain.Account) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leased[acc.Address()] = acc
		ch <- acc
		p.logger.Debug("Account handed to waiting caller", zap.String("account", acc.Address()))
	} else {
		p.available = append(p.available, acc)
	}
	p.reportLocked()
}

func (p *Pool) popLocked() *chain.Account {
	if len(p.available) == 0 {
		return nil
	}
	acc := p.available[0]
	p.available = p.available[1:]
	p.leased[acc.Address()] = acc
	p.reportLocked()
	return acc
}

// Available is the number of idle accounts
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Waiting is the number of queued Acquire calls
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Close fails queued and future Acquire calls
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.reportLocked()
}

func (p *Pool) report() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportLocked()
}

func (p *Pool) reportLocked() {
	p.metrics.SetWalletPool(len(p.available), len(p.waiters))
}

// Rotator cycles through a fixed account list and starts over once every
// account has been used. Accounts are shared, not leased.
type Rotator struct {
	mu        sync.Mutex
	accounts  []*chain.Account
	remaining []*chain.Account
}

// NewRotator returns ErrEmpty for an empty list
func NewRotator(accounts []*chain.Account) (*Rotator, error) {
	if len(accounts) == 0 {
		return nil, ErrEmpty
	}
	return &Rotator{accounts: append([]*chain.Account(nil), accounts...)}, nil
}

// Next returns the next account, resetting the list when exhausted
func (r *Rotator) Next() *chain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.remaining) == 0 {
		r.remaining = append(r.remaining[:0], r.accounts...)
	}
	acc := r.remaining[0]
	r.remaining = r.remaining[1:]
	return acc
}

// Len is the number of accounts in rotation
func (r *Rotator) Len() int {
	return len(r.accounts)
}
