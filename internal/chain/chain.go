// Package chain is the boundary to the zkVerify node: submission with status
// tracking, event subscriptions and the handful of queries the harness needs.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/zkVerify/zkVerify-qa/internal/events"
)

// ErrConnectionTimeout is returned when the node cannot be reached within the connect budget
var ErrConnectionTimeout = errors.New("failed to connect to the websocket url")

// StatusKind is the transaction pool status reported for a watched extrinsic
type StatusKind int

const (
	StatusFuture StatusKind = iota
	StatusReady
	StatusBroadcast
	StatusInBlock
	StatusRetracted
	StatusFinalityTimeout
	StatusFinalized
	StatusUsurped
	StatusDropped
	StatusInvalid
)

var statusNames = map[StatusKind]string{
	StatusFuture:          "future",
	StatusReady:           "ready",
	StatusBroadcast:       "broadcast",
	StatusInBlock:         "inBlock",
	StatusRetracted:       "retracted",
	StatusFinalityTimeout: "finalityTimeout",
	StatusFinalized:       "finalized",
	StatusUsurped:         "usurped",
	StatusDropped:         "dropped",
	StatusInvalid:         "invalid",
}

func (k StatusKind) String() string {
	if name, ok := statusNames[k]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(k))
}

// Terminal reports whether no further updates follow this status
func (k StatusKind) Terminal() bool {
	switch k {
	case StatusFinalized, StatusFinalityTimeout, StatusUsurped, StatusDropped, StatusInvalid:
		return true
	default:
		return false
	}
}

// Status is one transaction status with the block it refers to, if any
type Status struct {
	Kind      StatusKind
	BlockHash string
}

// DispatchError is the decoded System.ExtrinsicFailed payload
type DispatchError struct {
	Detail string
}

func (e *DispatchError) Error() string {
	return "dispatch error: " + e.Detail
}

// Update is delivered for every status change of a submitted extrinsic.
// Events holds only the events emitted by that extrinsic and is set for
// InBlock and Finalized.
type Update struct {
	Status        Status
	Events        []events.Record
	DispatchError *DispatchError
}

// Subscription streams status updates for one submitted extrinsic
type Subscription interface {
	// Updates is closed after a terminal status or Unsubscribe
	Updates() <-chan Update
	// Err reports a transport failure that ended the stream early
	Err() <-chan error
	// Unsubscribe is idempotent
	Unsubscribe()
}

// Call is a runtime call with SCALE-encodable arguments
type Call struct {
	Pallet string
	Name   string
	Args   []any
}

func (c Call) String() string {
	return c.Pallet + "." + c.Name
}

// Health is the node's system_health report
type Health struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

// AccountInfo is the decoded System.Account entry
type AccountInfo struct {
	Nonce    uint64
	Free     *uint256.Int
	Reserved *uint256.Int
	Frozen   *uint256.Int
}

// BlockRef identifies one block
type BlockRef struct {
	Number uint64
	Hash   string
}

// Blocks holds the best and finalized heads
type Blocks struct {
	Best      BlockRef
	Finalized BlockRef
}

// Client is everything the harness consumes from the node
type Client interface {
	Submit(ctx context.Context, call Call, signer *Account, nonce uint64) (Subscription, error)
	SubscribeEvents(ctx context.Context, handler func([]events.Record)) (unsubscribe func(), err error)
	Health(ctx context.Context) (Health, error)
	WaitForSync(ctx context.Context) error
	NextNonce(ctx context.Context, address string) (uint64, error)
	Account(ctx context.Context, accountID []byte) (AccountInfo, error)
	LatestBlocks(ctx context.Context) (Blocks, error)
	Close() error
}
