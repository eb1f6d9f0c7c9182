// Package events holds the decoded form of chain events and the typed records
// the harness correlates on.
package events

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// Pallet and event names emitted by the proof-of-existence pallet
const (
	PalletPoe           = "Poe"
	EventNewElement     = "NewElement"
	EventNewAttestation = "NewAttestation"

	PalletSystem         = "System"
	EventExtrinsicFailed = "ExtrinsicFailed"
	EventExtrinsicOK     = "ExtrinsicSuccess"
)

// ErrDecode is returned when an event payload does not have the expected shape
var ErrDecode = errors.New("event decode failed")

// DigestPattern matches a 0x-prefixed 32 byte hex digest
var DigestPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// Phase tells where in a block an event was emitted
type Phase struct {
	ApplyExtrinsic bool
	Extrinsic      uint32
}

// Record is one chain event with normalized field values.
// Field values are uint64, *big.Int, []byte, string, bool or []any.
type Record struct {
	Pallet string
	Name   string
	Phase  Phase
	Fields []any
}

// Is reports whether the record matches pallet and name exactly
func (r Record) Is(pallet, name string) bool {
	return r.Pallet == pallet && r.Name == name
}

func (r Record) String() string {
	return r.Pallet + "." + r.Name
}

// Extract calls fn with the fields of every record matching pallet and name, in batch order
func Extract(batch []Record, pallet, name string, fn func(fields []any)) {
	for _, record := range batch {
		if record.Is(pallet, name) {
			fn(record.Fields)
		}
	}
}

// ForExtrinsic returns the records emitted while applying the extrinsic at index
func ForExtrinsic(batch []Record, index uint32) []Record {
	var out []Record
	for _, record := range batch {
		if record.Phase.ApplyExtrinsic && record.Phase.Extrinsic == index {
			out = append(out, record)
		}
	}
	return out
}

// NewElement is emitted when a proof is accepted into the next attestation
type NewElement struct {
	LeafDigest    string
	AttestationID uint64
}

// NewAttestation is emitted when an attestation is published
type NewAttestation struct {
	ID   uint64
	Root string
}

// DecodeNewElement decodes the [leafDigest, attestationId] payload
func DecodeNewElement(fields []any) (NewElement, error) {
	if len(fields) < 2 {
		return NewElement{}, fmt.Errorf("%w: %s has %d fields", ErrDecode, EventNewElement, len(fields))
	}

	digest, err := Digest(fields[0])
	if err != nil {
		return NewElement{}, fmt.Errorf("%w: %s leaf: %v", ErrDecode, EventNewElement, err)
	}

	id, err := Uint(fields[1])
	if err != nil {
		return NewElement{}, fmt.Errorf("%w: %s attestation id: %v", ErrDecode, EventNewElement, err)
	}

	return NewElement{LeafDigest: digest, AttestationID: id}, nil
}

// DecodeNewAttestation decodes the [attestationId, root, ...] payload
func DecodeNewAttestation(fields []any) (NewAttestation, error) {
	if len(fields) < 2 {
		return NewAttestation{}, fmt.Errorf("%w: %s has %d fields", ErrDecode, EventNewAttestation, len(fields))
	}

	id, err := Uint(fields[0])
	if err != nil {
		return NewAttestation{}, fmt.Errorf("%w: %s id: %v", ErrDecode, EventNewAttestation, err)
	}

	root, err := Digest(fields[1])
	if err != nil {
		return NewAttestation{}, fmt.Errorf("%w: %s root: %v", ErrDecode, EventNewAttestation, err)
	}

	return NewAttestation{ID: id, Root: root}, nil
}

// Uint converts a normalized numeric field to uint64
func Uint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case *big.Int:
		if n == nil || n.Sign() < 0 || !n.IsUint64() {
			return 0, fmt.Errorf("value %v out of range", n)
		}
		return n.Uint64(), nil
	case string:
		return strconv.ParseUint(strings.ReplaceAll(n, ",", ""), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// Digest renders a 32 byte field as 0x-prefixed hex
func Digest(v any) (string, error) {
	var s string
	switch d := v.(type) {
	case []byte:
		s = "0x" + hex.EncodeToString(d)
	case string:
		s = d
	case []any:
		b := make([]byte, 0, len(d))
		for _, elem := range d {
			u, err := Uint(elem)
			if err != nil || u > 0xff {
				return "", fmt.Errorf("element %v is not a byte", elem)
			}
			b = append(b, byte(u))
		}
		s = "0x" + hex.EncodeToString(b)
	default:
		return "", fmt.Errorf("unsupported digest type %T", v)
	}

	if !DigestPattern.MatchString(s) {
		return "", fmt.Errorf("%q is not a 32 byte hex digest", s)
	}
	return s, nil
}
