package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// fakeCaller answers latestAttestationId() from a scripted sequence
type fakeCaller struct {
	mu    sync.Mutex
	ids   []uint64
	err   error
	calls int
}

func (f *fakeCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeCaller) CallContract(ctx context.Context, call geth.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.ids) {
		i = len(f.ids) - 1
	}
	f.calls++
	return common.LeftPadBytes(new(big.Int).SetUint64(f.ids[i]).Bytes(), 32), nil
}

func (f *fakeCaller) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLatestAttestationID(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{ids: []uint64{42}}
	c, err := NewAttestationContract(testAddress, caller, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), c.Address())

	id, err := c.LatestAttestationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
}

func TestInvalidAddress(t *testing.T) {
	t.Parallel()

	_, err := NewAttestationContract("0x1234", &fakeCaller{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestPollLatestAttestationID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ids      []uint64
		expected uint64
		want     bool
		minCalls int
	}{
		{name: "already published", ids: []uint64{7}, expected: 7, want: true, minCalls: 1},
		{name: "published later", ids: []uint64{5, 6, 7}, expected: 7, want: true, minCalls: 3},
		{name: "never published", ids: []uint64{5}, expected: 7, want: false, minCalls: 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			caller := &fakeCaller{ids: tt.ids}
			c, err := NewAttestationContract(testAddress, caller, zaptest.NewLogger(t))
			require.NoError(t, err)

			found, err := c.PollLatestAttestationID(context.Background(), tt.expected, 100*time.Millisecond, 10*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, found)
			assert.GreaterOrEqual(t, caller.Calls(), tt.minCalls)
		})
	}
}

func TestPollCallError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	c, err := NewAttestationContract(testAddress, &fakeCaller{err: boom}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.PollLatestAttestationID(context.Background(), 1, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, boom)
}

func TestPollCanceled(t *testing.T) {
	t.Parallel()

	c, err := NewAttestationContract(testAddress, &fakeCaller{ids: []uint64{1}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	found, err := c.PollLatestAttestationID(ctx, 2, time.Minute, 5*time.Millisecond)
	assert.False(t, found)
	assert.Error(t, err)
}
