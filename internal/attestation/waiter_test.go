package attestation

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zkVerify/zkVerify-qa/internal/chain/chaintest"
	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/events"
)

func root(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func published(id any, r any) events.Record {
	return events.Record{Pallet: events.PalletPoe, Name: events.EventNewAttestation, Fields: []any{id, r}}
}

func newWaiter(t *testing.T, fake *chaintest.Fake) *Waiter {
	return NewWaiter(fake, zaptest.NewLogger(t), WithProgressInterval(10*time.Millisecond))
}

func TestWaitCorrelatesByID(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	watch, err := w.Start(context.Background(), 7, time.Minute)
	require.NoError(t, err)

	fake.Emit(published(uint64(5), root(0x05)))
	fake.Emit(
		events.Record{Pallet: events.PalletPoe, Name: events.EventNewElement, Fields: []any{root(0x07), uint64(7)}},
		published(big.NewInt(7), root(0x07)),
		published(uint64(9), root(0x09)),
	)
	fake.Emit(published(uint64(7), root(0xff)))

	got, err := watch.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, "0x"+strings.Repeat("07", 32), got.Root)

	assert.Equal(t, 1, fake.EventUnsubscribes())
	assert.Zero(t, fake.EventSubscribers())
}

func TestWaitMatchesStringifiedID(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	watch, err := w.Start(context.Background(), 1234, time.Minute)
	require.NoError(t, err)

	fake.Emit(published("1,234", "0x"+strings.Repeat("ab", 32)))

	got, err := watch.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), got.ID)
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	start := time.Now()
	_, err := w.Wait(context.Background(), 3, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A late event must not reopen anything
	fake.Emit(published(uint64(3), root(0x03)))
	assert.Equal(t, 1, fake.EventUnsubscribes())
}

func TestWaitSubscriptionFailure(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	fake.FailSubscriptions(errors.New("websocket closed"))
	w := newWaiter(t, fake)

	_, err := w.Start(context.Background(), 1, time.Minute)
	assert.ErrorIs(t, err, ErrSubscription)
	assert.ErrorContains(t, err, "websocket closed")
	assert.Zero(t, fake.EventUnsubscribes())
}

func TestWaitInvalidPayload(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	watch, err := w.Start(context.Background(), 2, time.Minute)
	require.NoError(t, err)

	fake.Emit(published(uint64(2), "not-a-root"))

	_, err = watch.Result(context.Background())
	assert.ErrorIs(t, err, events.ErrDecode)
	assert.Equal(t, 1, fake.EventUnsubscribes())
}

func TestWatchCancel(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	watch, err := w.Start(context.Background(), 11, time.Minute)
	require.NoError(t, err)

	watch.Cancel()
	watch.Cancel()

	_, err = watch.Result(context.Background())
	assert.ErrorIs(t, err, common.ErrCanceled)
	assert.Equal(t, 1, fake.EventUnsubscribes())
}

func TestResultHonoursContext(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Wait(ctx, 4, time.Minute)
	assert.ErrorIs(t, err, common.ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fake.EventUnsubscribes())
}

func TestEventBeforeResultIsKept(t *testing.T) {
	t.Parallel()

	fake := chaintest.NewFake()
	w := newWaiter(t, fake)

	watch, err := w.Start(context.Background(), 8, time.Minute)
	require.NoError(t, err)
	fake.Emit(published(uint64(8), root(0x08)))

	select {
	case <-watch.Done():
	case <-time.After(time.Second):
		t.Fatal("watch not completed")
	}

	got, err := watch.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), got.ID)
}
