// Package proofs turns proof fixtures into zkVerify submit_proof calls, one
// entry per supported proof system.
package proofs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a supported proof system
type Kind string

const (
	KindFflonk     Kind = "fflonk"
	KindGroth16    Kind = "groth16"
	KindRisc0      Kind = "risc0"
	KindUltraplonk Kind = "ultraplonk"
	KindProofOfSQL Kind = "proofofsql"
)

// ErrUnknownKind is returned for a proof type outside the supported set
var ErrUnknownKind = errors.New("unknown proof type")

// Kinds lists every supported kind in submission order
func Kinds() []Kind {
	return []Kind{KindFflonk, KindGroth16, KindRisc0, KindUltraplonk, KindProofOfSQL}
}

// ParseKind accepts the lower-case kind name
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ParseKinds parses a comma separated list; empty means all kinds
func ParseKinds(s string) ([]Kind, error) {
	if strings.TrimSpace(s) == "" {
		return Kinds(), nil
	}

	var kinds []Kind
	seen := make(map[Kind]bool)
	for _, part := range strings.Split(s, ",") {
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

func (k Kind) String() string {
	return string(k)
}

// Risc0 proof format versions
const (
	Risc0V1_0 = "V1_0"
	Risc0V1_1 = "V1_1"
	Risc0V1_2 = "V1_2"
)

// Risc0Versions lists the supported risc0 versions, default first
func Risc0Versions() []string {
	return []string{Risc0V1_0, Risc0V1_1, Risc0V1_2}
}

// Groth16 curve names as used by snarkjs fixtures
const (
	CurveBN128    = "bn128"
	CurveBN254    = "bn254"
	CurveBLS12381 = "bls12381"
)

// Groth16Curves lists the supported groth16 curves
func Groth16Curves() []string {
	return []string{CurveBN128, CurveBN254, CurveBLS12381}
}

// Variant is one kind with its curve or version choice
type Variant struct {
	Kind    Kind
	Curve   string
	Version string
}

func (v Variant) String() string {
	switch {
	case v.Curve != "":
		return string(v.Kind) + ":" + v.Curve
	case v.Version != "":
		return string(v.Kind) + ":" + v.Version
	default:
		return string(v.Kind)
	}
}

// Variants enumerates every kind, curve and version combination a full test run covers
func Variants() []Variant {
	var out []Variant
	for _, k := range Kinds() {
		switch k {
		case KindGroth16:
			for _, c := range Groth16Curves() {
				out = append(out, Variant{Kind: k, Curve: c})
			}
		case KindRisc0:
			for _, v := range Risc0Versions() {
				out = append(out, Variant{Kind: k, Version: v})
			}
		default:
			out = append(out, Variant{Kind: k})
		}
	}
	return out
}
