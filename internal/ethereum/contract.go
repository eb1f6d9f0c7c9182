// Package ethereum reads the zkVerify settlement contract on the secondary chain.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Settlement contract ABI, view functions only
const settlementABI = `[
	{
		"constant": true,
		"inputs": [],
		"name": "latestAttestationId",
		"outputs": [{"name": "", "type": "uint256"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	}
]`

// ErrInvalidAddress is returned for a contract address that is not 20 bytes of hex
var ErrInvalidAddress = errors.New("invalid contract address")

// AttestationContract reads attestation ids published by the settlement contract
type AttestationContract struct {
	logger   *zap.Logger
	address  common.Address
	contract *bind.BoundContract
	closer   func()
}

// Dial connects to an Ethereum JSON-RPC endpoint and binds the contract at address
func Dial(ctx context.Context, rpcURL, address string, logger *zap.Logger) (*AttestationContract, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	c, err := NewAttestationContract(address, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewAttestationContract binds address on any contract caller
func NewAttestationContract(address string, caller bind.ContractCaller, logger *zap.Logger) (*AttestationContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	addr := common.HexToAddress(address)
	return &AttestationContract{
		logger:   logger,
		address:  addr,
		contract: bind.NewBoundContract(addr, parsed, caller, nil, nil),
	}, nil
}

// Address is the bound contract address
func (c *AttestationContract) Address() common.Address {
	return c.address
}

// LatestAttestationID calls latestAttestationId()
func (c *AttestationContract) LatestAttestationID(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestAttestationId"); err != nil {
		return 0, fmt.Errorf("latestAttestationId: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("latestAttestationId: expected 1 output, got %d", len(out))
	}

	id, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("latestAttestationId: unexpected output type %T", out[0])
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("latestAttestationId: %s overflows uint64", id)
	}
	return id.Uint64(), nil
}

// PollLatestAttestationID polls until the contract reports expected or timeout
// elapses. It returns false on timeout and an error only when ctx ends or a
// call fails.
func (c *AttestationContract) PollLatestAttestationID(ctx context.Context, expected uint64, timeout, interval time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		latest, err := c.LatestAttestationID(ctx)
		if err != nil {
			return false, err
		}
		if latest == expected {
			c.logger.Info("Attestation published on Ethereum",
				zap.Uint64("attestation_id", expected),
				zap.String("contract", c.address.Hex()),
				zap.Duration("elapsed", time.Since(start)),
			)
			return true, nil
		}

		c.logger.Info("Polling Ethereum contract for attestation",
			zap.Uint64("attestation_id", expected),
			zap.Uint64("latest", latest),
			zap.Duration("elapsed", time.Since(start)),
		)

		select {
		case <-ticker.C:
		case <-deadline.C:
			c.logger.Warn("Timed out polling Ethereum contract",
				zap.Uint64("attestation_id", expected),
				zap.Duration("timeout", timeout),
			)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Close releases the underlying client if Dial created it
func (c *AttestationContract) Close() {
	if c.closer != nil {
		c.closer()
	}
}
