package chain

import (
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/holiman/uint256"
)

// TransferCall builds Balances.transfer_allow_death to a 32 byte account id
func TransferCall(dest []byte, amount *uint256.Int) (Call, error) {
	if amount == nil {
		return Call{}, fmt.Errorf("transfer amount is required")
	}

	addr, err := types.NewMultiAddressFromAccountID(dest)
	if err != nil {
		return Call{}, fmt.Errorf("invalid transfer destination: %w", err)
	}

	return Call{
		Pallet: "Balances",
		Name:   "transfer_allow_death",
		Args:   []any{addr, types.NewUCompact(amount.ToBig())},
	}, nil
}
