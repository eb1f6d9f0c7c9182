package chain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zkVerify/zkVerify-qa/internal/events"
	"github.com/zkVerify/zkVerify-qa/internal/rpc"
	"github.com/zkVerify/zkVerify-qa/internal/rpc/rpctest"
)

const (
	testExtrinsic = "0xdeadbeef"
	testBlock     = "0xb10c"
	testEventsKey = "0x26aa394eea5630e07c48ae0c9558cef780d41e5e16056765bc8461851072c9d7"
)

// connectTest builds a Substrate against a fake node without loading metadata.
// decode maps raw storage values to records.
func connectTest(t *testing.T, node *rpctest.Node, decode map[string][]events.Record) *Substrate {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	logger := zaptest.NewLogger(t)
	client, err := rpc.Dial(ctx, node.URL(), logger, rpc.Options{})
	require.NoError(t, err)

	s := newSubstrate(client, logger, Options{SyncPollInterval: 10 * time.Millisecond})
	s.eventsKey = testEventsKey
	s.decode = func(raw string) ([]events.Record, error) {
		return decode[raw], nil
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func applyExtrinsic(index uint32) events.Phase {
	return events.Phase{ApplyExtrinsic: true, Extrinsic: index}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Status
		wantErr bool
	}{
		{raw: `"ready"`, want: Status{Kind: StatusReady}},
		{raw: `"future"`, want: Status{Kind: StatusFuture}},
		{raw: `"dropped"`, want: Status{Kind: StatusDropped}},
		{raw: `{"broadcast":["12D3KooW"]}`, want: Status{Kind: StatusBroadcast}},
		{raw: `{"inBlock":"0xaa"}`, want: Status{Kind: StatusInBlock, BlockHash: "0xaa"}},
		{raw: `{"finalized":"0xbb"}`, want: Status{Kind: StatusFinalized, BlockHash: "0xbb"}},
		{raw: `{"usurped":"0xcc"}`, want: Status{Kind: StatusUsurped, BlockHash: "0xcc"}},
		{raw: `"pending"`, wantErr: true},
		{raw: `{"inBlock":"0x1","finalized":"0x2"}`, wantErr: true},
		{raw: `42`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := parseStatus(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "inBlock", StatusInBlock.String())
	assert.True(t, StatusFinalized.Terminal())
	assert.True(t, StatusInvalid.Terminal())
	assert.False(t, StatusInBlock.Terminal())
	assert.False(t, StatusRetracted.Terminal())
}

func TestQueries(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.HandleResult("system_health", map[string]any{"peers": 4, "isSyncing": false, "shouldHavePeers": true})
	node.Handle("system_accountNextIndex", func(_ *rpctest.Conn, params []json.RawMessage) (any, error) {
		var address string
		if err := json.Unmarshal(params[0], &address); err != nil {
			return nil, err
		}
		if address == "5Alice" {
			return 17, nil
		}
		return 0, nil
	})
	node.HandleResult("chain_getFinalizedHead", "0xf1")
	node.Handle("chain_getHeader", func(_ *rpctest.Conn, params []json.RawMessage) (any, error) {
		if len(params) == 0 {
			return map[string]any{"number": "0x1f"}, nil
		}
		return map[string]any{"number": "0x1c"}, nil
	})
	node.HandleResult("chain_getBlockHash", "0xbe57")

	s := connectTest(t, node, nil)
	ctx := context.Background()

	health, err := s.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Health{Peers: 4, ShouldHavePeers: true}, health)

	nonce, err := s.NextNonce(ctx, "5Alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), nonce)

	blocks, err := s.LatestBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, Blocks{
		Best:      BlockRef{Number: 31, Hash: "0xbe57"},
		Finalized: BlockRef{Number: 28, Hash: "0xf1"},
	}, blocks)
}

func TestWaitForSync(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.Handle("system_health", func(*rpctest.Conn, []json.RawMessage) (any, error) {
		return map[string]any{"peers": 1, "isSyncing": node.Calls("system_health") < 3}, nil
	})

	s := connectTest(t, node, nil)
	require.NoError(t, s.WaitForSync(context.Background()))
	assert.Equal(t, int64(3), node.Calls("system_health"))
}

func TestWaitForSyncCanceled(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()
	node.HandleResult("system_health", map[string]any{"peers": 0, "isSyncing": true})

	s := connectTest(t, node, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.WaitForSync(ctx), context.DeadlineExceeded)
}

// scriptSubmission makes the node answer a watched submission with statuses
func scriptSubmission(node *rpctest.Node, statuses ...any) {
	node.Handle("author_submitAndWatchExtrinsic", func(conn *rpctest.Conn, _ []json.RawMessage) (any, error) {
		id := node.NewSubscriptionID()
		conn.AfterReply(func() {
			for _, status := range statuses {
				conn.Notify("author_extrinsicUpdate", id, status)
			}
		})
		return id, nil
	})
	node.HandleResult("author_unwatchExtrinsic", true)
	node.HandleResult("chain_getBlock", map[string]any{
		"block": map[string]any{"extrinsics": []string{"0x0102", testExtrinsic}},
	})
	node.HandleResult("state_getStorage", "0xevents")
}

func startWatch(t *testing.T, s *Substrate) Subscription {
	t.Helper()
	sub, err := s.rpc.Subscribe(context.Background(), "author_submitAndWatchExtrinsic", "author_unwatchExtrinsic", testExtrinsic)
	require.NoError(t, err)
	return s.watch(sub, testExtrinsic)
}

func collect(t *testing.T, sub Subscription) []Update {
	t.Helper()

	var updates []Update
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				return updates
			}
			updates = append(updates, u)
		case <-timeout:
			t.Fatal("updates channel not closed")
		}
	}
}

func TestWatchSuccess(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()
	scriptSubmission(node, "ready", map[string]any{"inBlock": testBlock}, map[string]any{"finalized": testBlock})

	element := events.Record{Pallet: events.PalletPoe, Name: events.EventNewElement, Phase: applyExtrinsic(1)}
	s := connectTest(t, node, map[string][]events.Record{
		"0xevents": {
			{Pallet: events.PalletSystem, Name: events.EventExtrinsicOK, Phase: applyExtrinsic(0)},
			element,
			{Pallet: events.PalletSystem, Name: events.EventExtrinsicOK, Phase: applyExtrinsic(1)},
		},
	})

	updates := collect(t, startWatch(t, s))
	require.Len(t, updates, 3)

	assert.Equal(t, StatusReady, updates[0].Status.Kind)
	assert.Empty(t, updates[0].Events)

	assert.Equal(t, Status{Kind: StatusInBlock, BlockHash: testBlock}, updates[1].Status)
	require.Len(t, updates[1].Events, 2)
	assert.Equal(t, element, updates[1].Events[0])
	assert.Nil(t, updates[1].DispatchError)

	assert.Equal(t, StatusFinalized, updates[2].Status.Kind)
	assert.Nil(t, updates[2].DispatchError)

	assert.Eventually(t, func() bool {
		return node.Calls("author_unwatchExtrinsic") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchDispatchError(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()
	scriptSubmission(node, map[string]any{"inBlock": testBlock}, map[string]any{"finalized": testBlock})

	s := connectTest(t, node, map[string][]events.Record{
		"0xevents": {
			{
				Pallet: events.PalletSystem,
				Name:   events.EventExtrinsicFailed,
				Phase:  applyExtrinsic(1),
				Fields: []any{[]any{"Module", []byte{0x2a, 0x01}}},
			},
		},
	})

	updates := collect(t, startWatch(t, s))
	require.Len(t, updates, 2)
	require.NotNil(t, updates[1].DispatchError)
	assert.Equal(t, "[Module 0x2a01]", updates[1].DispatchError.Detail)
}

func TestWatchMissingExtrinsic(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()
	scriptSubmission(node, map[string]any{"inBlock": testBlock})
	node.HandleResult("chain_getBlock", map[string]any{"block": map[string]any{"extrinsics": []string{"0x0102"}}})

	s := connectTest(t, node, nil)
	sub := startWatch(t, s)

	assert.Empty(t, collect(t, sub))
	select {
	case err := <-sub.Err():
		assert.ErrorContains(t, err, "extrinsic not found")
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}
}

func TestWatchUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()
	scriptSubmission(node, "ready")

	s := connectTest(t, node, nil)
	sub := startWatch(t, s)

	sub.Unsubscribe()
	sub.Unsubscribe()
	collect(t, sub)

	assert.Eventually(t, func() bool {
		return node.Calls("author_unwatchExtrinsic") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeEvents(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.Handle("state_subscribeStorage", func(conn *rpctest.Conn, _ []json.RawMessage) (any, error) {
		id := node.NewSubscriptionID()
		conn.AfterReply(func() {
			conn.Notify("state_storage", id, map[string]any{
				"block":   "0x01",
				"changes": [][]any{{testEventsKey, "0xfirst"}},
			})
			conn.Notify("state_storage", id, map[string]any{
				"block":   "0x02",
				"changes": [][]any{{testEventsKey, nil}},
			})
			conn.Notify("state_storage", id, map[string]any{
				"block":   "0x03",
				"changes": [][]any{{testEventsKey, "0xsecond"}},
			})
		})
		return id, nil
	})
	node.HandleResult("state_unsubscribeStorage", true)

	first := events.Record{Pallet: events.PalletPoe, Name: events.EventNewAttestation, Fields: []any{uint64(1)}}
	second := events.Record{Pallet: events.PalletPoe, Name: events.EventNewAttestation, Fields: []any{uint64(2)}}
	s := connectTest(t, node, map[string][]events.Record{
		"0xfirst":  {first},
		"0xsecond": {second},
	})

	batches := make(chan []events.Record, 4)
	unsubscribe, err := s.SubscribeEvents(context.Background(), func(batch []events.Record) {
		batches <- batch
	})
	require.NoError(t, err)

	for _, want := range []events.Record{first, second} {
		select {
		case batch := <-batches:
			assert.Equal(t, []events.Record{want}, batch)
		case <-time.After(2 * time.Second):
			t.Fatal("batch not delivered")
		}
	}

	unsubscribe()
	unsubscribe()
	assert.Eventually(t, func() bool {
		return node.Calls("state_unsubscribeStorage") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	block := make(chan struct{})
	defer close(block)
	node.Handle("state_getMetadata", func(*rpctest.Conn, []json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})

	_, err := Connect(context.Background(), node.URL(), zaptest.NewLogger(t), Options{ConnectTimeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrConnectionTimeout)
}
