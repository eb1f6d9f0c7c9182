package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/rpc/rpctest"
)

func dial(t *testing.T, node *rpctest.Node, opts Options) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, node.URL(), zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCall(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.HandleResult("system_health", map[string]any{"peers": 3, "isSyncing": false})
	node.Handle("echo", func(_ *rpctest.Conn, params []json.RawMessage) (any, error) {
		return params, nil
	})
	node.Handle("fail", func(*rpctest.Conn, []json.RawMessage) (any, error) {
		return nil, &rpctest.Error{Code: 1010, Message: "Invalid Transaction"}
	})

	c := dial(t, node, Options{})
	ctx := context.Background()

	t.Run("result decoded", func(t *testing.T) {
		var health struct {
			Peers     int  `json:"peers"`
			IsSyncing bool `json:"isSyncing"`
		}
		require.NoError(t, c.Call(ctx, &health, "system_health"))
		assert.Equal(t, 3, health.Peers)
		assert.False(t, health.IsSyncing)
	})

	t.Run("params forwarded", func(t *testing.T) {
		var got []any
		require.NoError(t, c.Call(ctx, &got, "echo", "0xabc", 7))
		assert.Equal(t, []any{"0xabc", float64(7)}, got)
	})

	t.Run("rpc error", func(t *testing.T) {
		err := c.Call(ctx, nil, "fail")
		var rpcErr *Error
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, 1010, rpcErr.Code)
		assert.Equal(t, "Invalid Transaction", rpcErr.Message)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := c.Call(ctx, nil, "nope")
		var rpcErr *Error
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, -32601, rpcErr.Code)
	})
}

func TestCallHonoursContext(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	block := make(chan struct{})
	defer close(block)
	node.Handle("slow", func(*rpctest.Conn, []json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})

	c := dial(t, node, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, nil, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeDeliversFirstNotification(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.Handle("chain_subscribeNewHeads", func(conn *rpctest.Conn, _ []json.RawMessage) (any, error) {
		id := node.NewSubscriptionID()
		conn.AfterReply(func() {
			conn.Notify("chain_newHead", id, map[string]any{"number": "0x1"})
			conn.Notify("chain_newHead", id, map[string]any{"number": "0x2"})
		})
		return id, nil
	})
	node.HandleResult("chain_unsubscribeNewHeads", true)

	c := dial(t, node, Options{})
	sub, err := c.Subscribe(context.Background(), "chain_subscribeNewHeads", "chain_unsubscribeNewHeads")
	require.NoError(t, err)

	for _, want := range []string{"0x1", "0x2"} {
		select {
		case raw := <-sub.Notifications():
			var head struct {
				Number string `json:"number"`
			}
			require.NoError(t, json.Unmarshal(raw, &head))
			assert.Equal(t, want, head.Number)
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.Notifications()
	assert.False(t, open)
	assert.Eventually(t, func() bool {
		return node.Calls("chain_unsubscribeNewHeads") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriptionOverflow(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.Handle("flood_subscribe", func(conn *rpctest.Conn, _ []json.RawMessage) (any, error) {
		id := node.NewSubscriptionID()
		conn.AfterReply(func() {
			for i := 0; i < 10; i++ {
				conn.Notify("flood", id, i)
			}
		})
		return id, nil
	})

	c := dial(t, node, Options{SubscriptionBuffer: 2})
	sub, err := c.Subscribe(context.Background(), "flood_subscribe", "")
	require.NoError(t, err)

	select {
	case err := <-sub.Err():
		assert.ErrorIs(t, err, ErrSubscriptionOverflow)
	case <-time.After(2 * time.Second):
		t.Fatal("overflow not reported")
	}
}

func TestConnectionLossFailsSubscriptions(t *testing.T) {
	t.Parallel()

	node := rpctest.NewNode(zaptest.NewLogger(t))
	defer node.Close()

	node.Handle("state_subscribeStorage", func(*rpctest.Conn, []json.RawMessage) (any, error) {
		return node.NewSubscriptionID(), nil
	})

	c := dial(t, node, Options{})
	sub, err := c.Subscribe(context.Background(), "state_subscribeStorage", "state_unsubscribeStorage")
	require.NoError(t, err)

	node.DropConnections()

	select {
	case err := <-sub.Err():
		assert.ErrorIs(t, err, common.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}

	<-c.Done()
	err = c.Call(context.Background(), nil, "system_health")
	assert.ErrorIs(t, err, common.ErrConnectionLost)

	// Unsubscribe after the connection is gone is a no-op
	assert.NotPanics(t, sub.Unsubscribe)
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1", zaptest.NewLogger(t), Options{})
	assert.ErrorIs(t, err, common.ErrConnectionFailed)
}
