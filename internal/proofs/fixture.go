package proofs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// ErrFixture is returned when a fixture is missing or malformed
var ErrFixture = errors.New("invalid proof fixture")

const ultraplonkVkFile = "ultraplonk_vk.bin"

// Fixture is the {proof, publicSignals, vk} triple stored per kind
type Fixture struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals json.RawMessage `json:"publicSignals"`
	Vk            json.RawMessage `json:"vk"`

	// VkBytes is set when the key comes from a binary file
	VkBytes []byte `json:"-"`
}

// FixturePath is <dir>/<kind>[_<curve>].json
func FixturePath(dir string, kind Kind, curve string) string {
	name := string(kind)
	if curve != "" {
		name += "_" + curve
	}
	return filepath.Join(dir, name+".json")
}

// LoadFixture reads the fixture for kind. A groth16 fixture without a curve
// suffix is used when the curve specific one does not exist.
func LoadFixture(dir string, kind Kind, curve string) (Fixture, error) {
	path := FixturePath(dir, kind, curve)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && curve != "" {
		path = FixturePath(dir, kind, "")
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return Fixture{}, fmt.Errorf("%w: %w", ErrFixture, err)
	}

	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("%w: %s: %w", ErrFixture, path, err)
	}
	if len(f.Proof) == 0 {
		return Fixture{}, fmt.Errorf("%w: %s has no proof", ErrFixture, path)
	}

	if kind == KindUltraplonk {
		vk, err := os.ReadFile(filepath.Join(dir, ultraplonkVkFile))
		switch {
		case err == nil:
			f.VkBytes = vk
		case !errors.Is(err, os.ErrNotExist) || len(f.Vk) == 0:
			return Fixture{}, fmt.Errorf("%w: %w", ErrFixture, err)
		}
	}
	return f, nil
}

// WithProof replaces the proof. A literal that is not valid JSON is taken as a
// hex string.
func (f Fixture) WithProof(literal string) Fixture {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return f
	}
	if json.Valid([]byte(literal)) {
		f.Proof = json.RawMessage(literal)
		return f
	}
	quoted, _ := json.Marshal(literal)
	f.Proof = quoted
	return f
}

// hexField decodes a JSON string holding 0x hex
func hexField(name string, raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %s must be a hex string", ErrFixture, name)
	}
	b, err := codec.HexDecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFixture, name, err)
	}
	return b, nil
}

// hexList decodes a JSON array of hex strings, or a single hex string
func hexList(name string, raw json.RawMessage) ([][]byte, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		one, err := hexField(name, raw)
		if err != nil {
			return nil, err
		}
		return [][]byte{one}, nil
	}

	out := make([][]byte, 0, len(list))
	for i, s := range list {
		b, err := codec.HexDecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %w", ErrFixture, name, i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
