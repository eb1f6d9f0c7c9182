package chain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
)

// SS58Prefix is the generic substrate address format used by zkVerify
const SS58Prefix uint16 = 42

// Account is an sr25519 signing identity
type Account struct {
	secret string
	pair   signature.KeyringPair
}

// NewAccount derives an account from a mnemonic, a 0x hex seed or a //Dev URI
func NewAccount(secret string) (*Account, error) {
	pair, err := signature.KeyringPairFromSecret(secret, SS58Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create account from secret: %w", err)
	}
	return &Account{secret: secret, pair: pair}, nil
}

// GenerateAccount creates an account from a fresh random seed
func GenerateAccount() (*Account, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return NewAccount("0x" + hex.EncodeToString(seed))
}

// Address is the SS58 address
func (a *Account) Address() string {
	return a.pair.Address
}

// PublicKey is the 32 byte account id
func (a *Account) PublicKey() []byte {
	return a.pair.PublicKey
}

// Secret returns what the account was derived from
func (a *Account) Secret() string {
	return a.secret
}

// Pair returns the keyring pair used for signing
func (a *Account) Pair() signature.KeyringPair {
	return a.pair
}

func (a *Account) String() string {
	return a.pair.Address
}
