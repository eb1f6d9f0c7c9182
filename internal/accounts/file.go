package accounts

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
)

// Funded is one entry of a funded accounts file. The secret field keeps the
// name used by the existing files.
type Funded struct {
	Secret  string `json:"mnemonic"`
	Address string `json:"address"`
}

// ReadFunded loads a funded accounts file and derives every account
func ReadFunded(path string) ([]*chain.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read funded accounts: %w", err)
	}

	var entries []Funded
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse funded accounts %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmpty, path)
	}

	out := make([]*chain.Account, 0, len(entries))
	for i, entry := range entries {
		acc, err := chain.NewAccount(entry.Secret)
		if err != nil {
			return nil, fmt.Errorf("funded account %d: %w", i, err)
		}
		if entry.Address != "" && entry.Address != acc.Address() {
			return nil, fmt.Errorf("funded account %d: address %s does not match secret (%s)", i, entry.Address, acc.Address())
		}
		out = append(out, acc)
	}
	return out, nil
}

// WriteFunded writes accounts in the funded accounts format
func WriteFunded(path string, accounts []*chain.Account) error {
	entries := make([]Funded, len(accounts))
	for i, acc := range accounts {
		entries[i] = Funded{Secret: acc.Secret(), Address: acc.Address()}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write funded accounts: %w", err)
	}
	return nil
}
