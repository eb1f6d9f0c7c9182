// Package chaintest provides a scriptable in-memory chain.Client.
package chaintest

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/holiman/uint256"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/events"
)

// Submission records one Submit call
type Submission struct {
	Call    chain.Call
	Address string
	Nonce   uint64
}

// Script is what the fake node does with a submission
type Script struct {
	// Err fails Submit itself
	Err error
	// Updates are delivered in order
	Updates []chain.Update
	// StreamErr is reported on Err after the updates
	StreamErr error
	// Hold keeps the stream open after the updates until Unsubscribe
	Hold bool
}

// Fake is a chain.Client whose behavior is scripted by tests
type Fake struct {
	mu sync.Mutex

	onSubmit    func(Submission) Script
	submissions []Submission
	unwatched   int

	handlers       map[int]func([]events.Record)
	nextHandler    int
	subscribeErr   error
	unsubscribed   int
	subscribeCalls int

	nonces     map[string]uint64
	nonceErr   error
	nonceCalls int
	accounts   map[string]chain.AccountInfo
	health     chain.Health
	blocks     chain.Blocks
	closed     bool
}

var _ chain.Client = (*Fake)(nil)

// NewFake returns a fake that finalizes every submission successfully
func NewFake() *Fake {
	return &Fake{
		onSubmit: func(Submission) Script { return Finalized(nil) },
		handlers: make(map[int]func([]events.Record)),
		nonces:   make(map[string]uint64),
		accounts: make(map[string]chain.AccountInfo),
		health:   chain.Health{Peers: 1, ShouldHavePeers: true},
	}
}

// Finalized scripts InBlock then Finalized carrying evs
func Finalized(evs []events.Record) Script {
	return Script{Updates: []chain.Update{
		{Status: chain.Status{Kind: chain.StatusReady}},
		{Status: chain.Status{Kind: chain.StatusInBlock, BlockHash: "0x01"}, Events: evs},
		{Status: chain.Status{Kind: chain.StatusFinalized, BlockHash: "0x01"}, Events: evs},
	}}
}

// Failed scripts a finalized extrinsic whose dispatch failed
func Failed(detail string) Script {
	dispatchErr := &chain.DispatchError{Detail: detail}
	return Script{Updates: []chain.Update{
		{Status: chain.Status{Kind: chain.StatusInBlock, BlockHash: "0x01"}, DispatchError: dispatchErr},
		{Status: chain.Status{Kind: chain.StatusFinalized, BlockHash: "0x01"}, DispatchError: dispatchErr},
	}}
}

// OnSubmit replaces the submission script
func (f *Fake) OnSubmit(fn func(Submission) Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
}

// Submissions returns every Submit call so far
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// Unwatched counts released submission streams
func (f *Fake) Unwatched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unwatched
}

// Submit implements chain.Client
func (f *Fake) Submit(ctx context.Context, call chain.Call, signer *chain.Account, nonce uint64) (chain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := Submission{Call: call, Address: signer.Address(), Nonce: nonce}
	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	script := f.onSubmit(sub)
	f.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}

	s := &subscription{
		fake:    f,
		updates: make(chan chain.Update, len(script.Updates)),
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
	}
	for _, u := range script.Updates {
		s.updates <- u
	}
	if script.StreamErr != nil {
		s.errCh <- script.StreamErr
	}
	if script.Hold {
		go func() {
			<-s.done
			close(s.updates)
		}()
	} else {
		close(s.updates)
	}
	return s, nil
}

type subscription struct {
	fake    *Fake
	updates chan chain.Update
	errCh   chan error
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Updates() <-chan chain.Update { return s.updates }
func (s *subscription) Err() <-chan error           { return s.errCh }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.fake.mu.Lock()
		s.fake.unwatched++
		s.fake.mu.Unlock()
	})
}

// FailSubscriptions makes SubscribeEvents return err
func (f *Fake) FailSubscriptions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// SubscribeEvents implements chain.Client
func (f *Fake) SubscribeEvents(ctx context.Context, handler func([]events.Record)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := f.nextHandler
	f.nextHandler++
	f.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.handlers, id)
			f.unsubscribed++
		})
	}, nil
}

// Emit delivers batch to every live event subscriber
func (f *Fake) Emit(batch ...events.Record) {
	f.mu.Lock()
	handlers := make([]func([]events.Record), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(batch)
	}
}

// EventSubscribers is the number of live event subscriptions
func (f *Fake) EventSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// EventUnsubscribes counts released event subscriptions
func (f *Fake) EventUnsubscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

// SetHealth sets what Health reports
func (f *Fake) SetHealth(h chain.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

// Health implements chain.Client
func (f *Fake) Health(ctx context.Context) (chain.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, nil
}

// WaitForSync implements chain.Client
func (f *Fake) WaitForSync(ctx context.Context) error {
	return ctx.Err()
}

// SetNonce sets the next nonce reported for address
func (f *Fake) SetNonce(address string, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[address] = nonce
}

// FailNonces makes NextNonce return err
func (f *Fake) FailNonces(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceErr = err
}

// NonceCalls counts NextNonce queries
func (f *Fake) NonceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceCalls
}

// NextNonce implements chain.Client
func (f *Fake) NextNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.nonces[address], nil
}

// SetFree sets the free balance of an account id
func (f *Fake) SetFree(accountID []byte, free *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[hex.EncodeToString(accountID)] = chain.AccountInfo{
		Free:     free.Clone(),
		Reserved: new(uint256.Int),
		Frozen:   new(uint256.Int),
	}
}

// Account implements chain.Client
func (f *Fake) Account(ctx context.Context, accountID []byte) (chain.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.accounts[hex.EncodeToString(accountID)]
	if !ok {
		return chain.AccountInfo{Free: new(uint256.Int), Reserved: new(uint256.Int), Frozen: new(uint256.Int)}, nil
	}
	return info, nil
}

// SetBlocks sets what LatestBlocks reports
func (f *Fake) SetBlocks(b chain.Blocks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = b
}

// LatestBlocks implements chain.Client
func (f *Fake) LatestBlocks(ctx context.Context) (chain.Blocks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks, nil
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close implements chain.Client
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
