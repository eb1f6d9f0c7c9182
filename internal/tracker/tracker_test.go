package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zkVerify/zkVerify-qa/internal/attestation"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/chain/chaintest"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/events"
)

// stream is a hand-driven chain.Subscription
type stream struct {
	updates chan chain.Update
	errs    chan error
	unsubs  atomic.Int32
}

func newStream(updates ...chain.Update) *stream {
	s := &stream{
		updates: make(chan chain.Update, 16),
		errs:    make(chan error, 1),
	}
	for _, u := range updates {
		s.updates <- u
	}
	return s
}

func (s *stream) Updates() <-chan chain.Update { return s.updates }
func (s *stream) Err() <-chan error           { return s.errs }
func (s *stream) Unsubscribe()                { s.unsubs.Add(1) }

var (
	leaf    = "0x" + strings.Repeat("1e", 32)
	rootHex = "0x" + strings.Repeat("0a", 32)
)

func digest(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func inBlock(evs ...events.Record) chain.Update {
	return chain.Update{Status: chain.Status{Kind: chain.StatusInBlock, BlockHash: "0xb1"}, Events: evs}
}

func finalized(dispatchErr *chain.DispatchError, evs ...events.Record) chain.Update {
	return chain.Update{Status: chain.Status{Kind: chain.StatusFinalized, BlockHash: "0xb1"}, Events: evs, DispatchError: dispatchErr}
}

func newElement(id uint64) events.Record {
	return events.Record{Pallet: events.PalletPoe, Name: events.EventNewElement, Fields: []any{digest(0x1e), id}}
}

func newAttestation(id uint64, root any) events.Record {
	return events.Record{Pallet: events.PalletPoe, Name: events.EventNewAttestation, Fields: []any{id, root}}
}

type harness struct {
	fake    *chaintest.Fake
	tracker *Tracker
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fake := chaintest.NewFake()
	waiter := attestation.NewWaiter(fake, logger, attestation.WithProgressInterval(10*time.Millisecond))
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = 10 * time.Millisecond
	}
	return &harness{fake: fake, tracker: New(waiter, logger, nil, opts)}
}

type outcome struct {
	result Result
	err    error
}

func (h *harness) track(ctx context.Context, req Request, sub chain.Subscription) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		result, err := h.tracker.Track(ctx, req, sub)
		out <- outcome{result, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("tracker did not resolve")
		return outcome{}
	}
}

func TestTrackSucceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sub := newStream(inBlock(newElement(5)), finalized(nil, newElement(5)))
	done := h.track(context.Background(), Request{Kind: "fflonk", Nonce: 3}, sub)

	require.Eventually(t, func() bool { return h.fake.EventSubscribers() == 1 }, 2*time.Second, time.Millisecond)
	h.fake.Emit(newAttestation(4, digest(0x04)))
	h.fake.Emit(newAttestation(5, digest(0x0a)))

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, OutcomeSucceeded, o.result.Outcome)
	require.NotNil(t, o.result.AttestationID)
	assert.Equal(t, uint64(5), *o.result.AttestationID)
	assert.Equal(t, leaf, o.result.LeafDigest)
	assert.Equal(t, rootHex, o.result.Root)
	assert.Equal(t, uint64(3), o.result.Nonce)
	assert.Equal(t, "0xb1", o.result.BlockHash)

	assert.Equal(t, int32(1), sub.unsubs.Load())
	assert.Equal(t, 1, h.fake.EventUnsubscribes())

	raw, err := json.Marshal(o.result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"result":"succeeded","attestationId":5`)
}

func TestTrackAttestationBeforeFinalization(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{EarlyAttestation: true})
	sub := newStream(inBlock(newElement(9)))
	done := h.track(context.Background(), Request{Kind: "risc0"}, sub)

	require.Eventually(t, func() bool { return h.fake.EventSubscribers() == 1 }, 2*time.Second, time.Millisecond)
	h.fake.Emit(newAttestation(9, digest(0x0a)))
	sub.updates <- finalized(nil)

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, uint64(9), *o.result.AttestationID)
	assert.Equal(t, 1, h.fake.EventUnsubscribes())
}

func TestTrackFinalizationMatrix(t *testing.T) {
	t.Parallel()

	dispatchErr := &chain.DispatchError{Detail: "[Module 0x2a00]"}

	tests := []struct {
		name        string
		req         Request
		updates     []chain.Update
		wantOutcome Outcome
		wantID      bool
		wantTag     Tag
		wantErr     error
	}{
		{
			name:        "dispatch error expected",
			req:         Request{Kind: "groth16", ExpectsFailure: true},
			updates:     []chain.Update{inBlock(), finalized(dispatchErr)},
			wantOutcome: OutcomeFailedAsExpected,
		},
		{
			name:    "dispatch error not expected",
			req:     Request{Kind: "groth16"},
			updates: []chain.Update{inBlock(), finalized(dispatchErr)},
			wantTag: TagUnexpectedDispatch,
			wantErr: ErrUnexpectedDispatch,
		},
		{
			name:    "expected failure but accepted",
			req:     Request{Kind: "groth16", ExpectsFailure: true},
			updates: []chain.Update{inBlock(newElement(1)), finalized(nil)},
			wantTag: TagExpectedFailureButSucceeded,
			wantErr: ErrExpectedFailureButSucceeded,
		},
		{
			name:    "no verification event",
			req:     Request{Kind: "ultraplonk"},
			updates: []chain.Update{inBlock(), finalized(nil)},
			wantTag: TagMissingAttestationID,
			wantErr: ErrMissingAttestationID,
		},
		{
			name: "malformed verification event",
			req:  Request{Kind: "ultraplonk"},
			updates: []chain.Update{
				inBlock(events.Record{Pallet: events.PalletPoe, Name: events.EventNewElement, Fields: []any{"short", uint64(1)}}),
				finalized(nil),
			},
			wantTag: TagInvalidAttestationData,
			wantErr: ErrInvalidAttestationData,
		},
		{
			name:        "attestation skipped",
			req:         Request{Kind: "proofofsql", SkipAttestation: true},
			updates:     []chain.Update{inBlock(newElement(12)), finalized(nil)},
			wantOutcome: OutcomeSucceeded,
			wantID:      true,
		},
		{
			name:        "event only on finalized",
			req:         Request{Kind: "fflonk", SkipAttestation: true},
			updates:     []chain.Update{finalized(nil, newElement(12))},
			wantOutcome: OutcomeSucceeded,
			wantID:      true,
		},
		{
			name:        "no correlation needed",
			req:         Request{Kind: "transfer", NoCorrelation: true},
			updates:     []chain.Update{inBlock(), finalized(nil)},
			wantOutcome: OutcomeSucceeded,
		},
		{
			name:    "pool rejection",
			req:     Request{Kind: "fflonk"},
			updates: []chain.Update{{Status: chain.Status{Kind: chain.StatusInvalid}}},
			wantTag: TagRejected,
			wantErr: ErrRejected,
		},
		{
			name:    "finality timeout",
			req:     Request{Kind: "fflonk"},
			updates: []chain.Update{inBlock(newElement(1)), {Status: chain.Status{Kind: chain.StatusFinalityTimeout, BlockHash: "0xb1"}}},
			wantTag: TagTimedOut,
			wantErr: ErrSubmissionTimeout,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Options{})
			sub := newStream(tt.updates...)
			o := wait(t, h.track(context.Background(), tt.req, sub))

			assert.Equal(t, int32(1), sub.unsubs.Load())
			assert.Zero(t, h.fake.EventSubscribers())

			if tt.wantTag != "" {
				var failure *Failure
				require.True(t, errors.As(o.err, &failure), "got %v", o.err)
				assert.Equal(t, tt.wantTag, failure.Tag)
				assert.Equal(t, tt.req.Kind, failure.Kind)
				assert.ErrorIs(t, o.err, tt.wantErr)
				return
			}

			require.NoError(t, o.err)
			assert.Equal(t, tt.wantOutcome, o.result.Outcome)
			if tt.wantID {
				require.NotNil(t, o.result.AttestationID)
				assert.Equal(t, uint64(12), *o.result.AttestationID)
			} else {
				assert.Nil(t, o.result.AttestationID)
			}
		})
	}
}

func TestTrackTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Timeout: 50 * time.Millisecond, EarlyAttestation: true})
	sub := newStream(inBlock(newElement(2)))

	o := wait(t, h.track(context.Background(), Request{Kind: "fflonk", Nonce: 8}, sub))
	assert.Equal(t, TagTimedOut, TagOf(o.err))
	assert.ErrorIs(t, o.err, ErrSubmissionTimeout)
	assert.ErrorIs(t, o.err, common.ErrTimeout)
	assert.True(t, common.IsRetryable(o.err))

	assert.Equal(t, int32(1), sub.unsubs.Load())
	assert.Zero(t, h.fake.EventSubscribers())
	assert.Equal(t, 1, h.fake.EventUnsubscribes())
}

func TestTrackAttestationTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{AttestationTimeout: 50 * time.Millisecond})
	sub := newStream(inBlock(newElement(2)), finalized(nil))

	o := wait(t, h.track(context.Background(), Request{Kind: "fflonk"}, sub))
	assert.Equal(t, TagAttestationTimeout, TagOf(o.err))
	assert.ErrorIs(t, o.err, attestation.ErrTimeout)
	assert.Equal(t, 1, h.fake.EventUnsubscribes())
}

func TestTrackInvalidAttestationRoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sub := newStream(inBlock(newElement(6)), finalized(nil))
	done := h.track(context.Background(), Request{Kind: "fflonk"}, sub)

	require.Eventually(t, func() bool { return h.fake.EventSubscribers() == 1 }, 2*time.Second, time.Millisecond)
	h.fake.Emit(newAttestation(6, "0x1234"))

	o := wait(t, done)
	assert.Equal(t, TagInvalidAttestationData, TagOf(o.err))
	assert.ErrorIs(t, o.err, ErrInvalidAttestationData)
}

func TestTrackAttestationSubscriptionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.fake.FailSubscriptions(errors.New("boom"))
	sub := newStream(inBlock(newElement(6)), finalized(nil))

	o := wait(t, h.track(context.Background(), Request{Kind: "fflonk"}, sub))
	assert.Equal(t, TagTransport, TagOf(o.err))
	assert.ErrorIs(t, o.err, attestation.ErrSubscription)
}

func TestTrackTransportError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sub := newStream(inBlock())
	sub.errs <- common.ErrConnectionLost

	o := wait(t, h.track(context.Background(), Request{Kind: "fflonk"}, sub))
	assert.Equal(t, TagTransport, TagOf(o.err))
	assert.ErrorIs(t, o.err, common.ErrConnectionLost)
}

func TestTrackStreamClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sub := newStream(inBlock())
	close(sub.updates)

	o := wait(t, h.track(context.Background(), Request{Kind: "fflonk"}, sub))
	assert.ErrorIs(t, o.err, ErrStreamClosed)
}

func TestTrackCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sub := newStream()
	done := h.track(ctx, Request{Kind: "fflonk"}, sub)
	cancel()

	o := wait(t, done)
	assert.Equal(t, TagCanceled, TagOf(o.err))
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.Equal(t, int32(1), sub.unsubs.Load())
}

func retracted() chain.Update {
	return chain.Update{Status: chain.Status{Kind: chain.StatusRetracted, BlockHash: "0xb1"}}
}

func TestTrackRetractedBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sub := newStream(
		inBlock(newElement(1)),
		retracted(),
		inBlock(newElement(2)),
		finalized(nil, newElement(2)),
	)

	o := wait(t, h.track(context.Background(), Request{Kind: "fflonk", SkipAttestation: true}, sub))
	require.NoError(t, o.err)
	require.NotNil(t, o.result.AttestationID)
	assert.Equal(t, uint64(2), *o.result.AttestationID)
}

func TestTrackRetractedBlockWatchesNewAttestation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{EarlyAttestation: true})
	sub := newStream(
		inBlock(newElement(1)),
		retracted(),
		inBlock(newElement(2)),
		finalized(nil, newElement(2)),
	)
	done := h.track(context.Background(), Request{Kind: "fflonk"}, sub)

	require.Eventually(t, func() bool {
		return h.fake.EventUnsubscribes() == 1 && h.fake.EventSubscribers() == 1
	}, 2*time.Second, time.Millisecond)
	h.fake.Emit(newAttestation(1, digest(0x0a)))
	h.fake.Emit(newAttestation(2, digest(0x0a)))

	o := wait(t, done)
	require.NoError(t, o.err)
	require.NotNil(t, o.result.AttestationID)
	assert.Equal(t, uint64(2), *o.result.AttestationID)
	assert.Equal(t, rootHex, o.result.Root)
	assert.Equal(t, 2, h.fake.EventUnsubscribes())
}

func TestTrackRetractedBlockStopsProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{EarlyAttestation: true})
	sub := newStream(inBlock(newElement(1)), retracted())
	r := &run{
		tracker:  h.tracker,
		req:      Request{Kind: "fflonk"},
		tx:       &Transaction{Kind: "fflonk", State: StatePending, SubmittedAt: time.Now()},
		logger:   zaptest.NewLogger(t),
		timedOut: make(chan struct{}),
	}
	r.timers = common.NewTimerScope(time.Minute, func() {})
	defer r.timers.Clear()

	_, done, _ := r.apply(context.Background(), <-sub.updates)
	require.False(t, done)
	require.NotNil(t, r.tx.Correlation)
	require.NotNil(t, r.watch)
	_, progress := r.timers.Active()
	require.True(t, progress)

	_, done, _ = r.apply(context.Background(), <-sub.updates)
	require.False(t, done)
	assert.Equal(t, StatePending, r.tx.State)
	assert.Nil(t, r.tx.Correlation)
	assert.Nil(t, r.watch)
	_, progress = r.timers.Active()
	assert.False(t, progress)
	assert.Equal(t, 1, h.fake.EventUnsubscribes())
}

func TestTrackOnFakeChain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	alice, err := chain.GenerateAccount()
	require.NoError(t, err)

	h.fake.OnSubmit(func(chaintest.Submission) chaintest.Script {
		return chaintest.Failed("[Module 0x2a00]")
	})
	sub, err := h.fake.Submit(context.Background(), chain.Call{Pallet: "SettlementGroth16Pallet", Name: "submit_proof"}, alice, 0)
	require.NoError(t, err)

	o := wait(t, h.track(context.Background(), Request{Kind: "groth16", ExpectsFailure: true}, sub))
	require.NoError(t, o.err)
	assert.Equal(t, OutcomeFailedAsExpected, o.result.Outcome)
	assert.Equal(t, 1, h.fake.Unwatched())
}

func TestFailureRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  Tag
		want bool
	}{
		{TagTimedOut, true},
		{TagTransport, true},
		{TagAttestationTimeout, true},
		{TagUnexpectedDispatch, false},
		{TagExpectedFailureButSucceeded, false},
		{TagMissingAttestationID, false},
	}
	for _, tt := range tests {
		f := &Failure{Tag: tt.tag, Kind: "fflonk", Err: errors.New("x")}
		assert.Equal(t, tt.want, f.Retryable(), tt.tag)
		assert.Equal(t, tt.want, common.IsRetryable(f), tt.tag)
	}
	assert.Equal(t, Tag(""), TagOf(errors.New("plain")))
}
