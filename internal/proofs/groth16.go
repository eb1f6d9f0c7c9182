package proofs

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	blsfp "github.com/consensys/gnark-crypto/ecc/bls12-381/fp"
	blsfr "github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	bnfp "github.com/consensys/gnark-crypto/ecc/bn254/fp"
	bnfr "github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// snarkjsProof is the proof.json written by snarkjs groth16 prove
type snarkjsProof struct {
	PiA []string   `json:"pi_a"`
	PiB [][]string `json:"pi_b"`
	PiC []string   `json:"pi_c"`
}

// snarkjsVk is the verification_key.json written by snarkjs
type snarkjsVk struct {
	Alpha1 []string   `json:"vk_alpha_1"`
	Beta2  [][]string `json:"vk_beta_2"`
	Gamma2 [][]string `json:"vk_gamma_2"`
	Delta2 [][]string `json:"vk_delta_2"`
	IC     [][]string `json:"IC"`
}

// curve describes the field sizes and subgroup checks of one pairing curve
type curve struct {
	name      string
	variant   types.U8
	size      int
	base      *big.Int
	scalar    *big.Int
	onCurveG1 func(x, y *big.Int) bool
	onCurveG2 func(x0, x1, y0, y1 *big.Int) bool
}

var bn254Curve = curve{
	name:    "Bn254",
	variant: 0,
	size:    bnfp.Bytes,
	base:    bnfp.Modulus(),
	scalar:  bnfr.Modulus(),
	onCurveG1: func(x, y *big.Int) bool {
		var p bn254.G1Affine
		p.X.SetBigInt(x)
		p.Y.SetBigInt(y)
		return p.IsOnCurve() && p.IsInSubGroup()
	},
	onCurveG2: func(x0, x1, y0, y1 *big.Int) bool {
		var p bn254.G2Affine
		p.X.A0.SetBigInt(x0)
		p.X.A1.SetBigInt(x1)
		p.Y.A0.SetBigInt(y0)
		p.Y.A1.SetBigInt(y1)
		return p.IsOnCurve() && p.IsInSubGroup()
	},
}

var bls12381Curve = curve{
	name:    "Bls12_381",
	variant: 1,
	size:    blsfp.Bytes,
	base:    blsfp.Modulus(),
	scalar:  blsfr.Modulus(),
	onCurveG1: func(x, y *big.Int) bool {
		var p bls12381.G1Affine
		p.X.SetBigInt(x)
		p.Y.SetBigInt(y)
		return p.IsOnCurve() && p.IsInSubGroup()
	},
	onCurveG2: func(x0, x1, y0, y1 *big.Int) bool {
		var p bls12381.G2Affine
		p.X.A0.SetBigInt(x0)
		p.X.A1.SetBigInt(x1)
		p.Y.A0.SetBigInt(y0)
		p.Y.A1.SetBigInt(y1)
		return p.IsOnCurve() && p.IsInSubGroup()
	},
}

func curveByName(name string) (curve, error) {
	switch strings.ToLower(name) {
	case "", CurveBN128, CurveBN254:
		return bn254Curve, nil
	case CurveBLS12381, "bls12-381", "bls12_381":
		return bls12381Curve, nil
	default:
		return curve{}, fmt.Errorf("%w: unsupported groth16 curve %q", ErrFixture, name)
	}
}

// toLittleEndian writes v as a size byte little-endian integer
func toLittleEndian(v *big.Int, size int) []byte {
	out := make([]byte, size)
	be := v.Bytes()
	for i := 0; i < len(be) && i < size; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

func parseField(s string, modulus *big.Int) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrFixture, s)
	}
	if v.Sign() < 0 || v.Cmp(modulus) >= 0 {
		return nil, fmt.Errorf("%w: %s is outside the field", ErrFixture, s)
	}
	return v, nil
}

// g1 formats an affine G1 point as x || y, little-endian
func (c curve) g1(point []string) (types.Bytes, error) {
	if len(point) < 2 {
		return nil, fmt.Errorf("%w: G1 point needs 2 coordinates, got %d", ErrFixture, len(point))
	}
	x, err := parseField(point[0], c.base)
	if err != nil {
		return nil, err
	}
	y, err := parseField(point[1], c.base)
	if err != nil {
		return nil, err
	}
	if !c.onCurveG1(x, y) {
		return nil, fmt.Errorf("%w: G1 point (%s, %s) is not on %s", ErrFixture, point[0], point[1], c.name)
	}

	out := append(toLittleEndian(x, c.size), toLittleEndian(y, c.size)...)
	return types.NewBytes(out), nil
}

// g2 formats an affine G2 point as x0 || x1 || y0 || y1, little-endian
func (c curve) g2(point [][]string) (types.Bytes, error) {
	if len(point) < 2 || len(point[0]) < 2 || len(point[1]) < 2 {
		return nil, fmt.Errorf("%w: malformed G2 point", ErrFixture)
	}

	coords := make([]*big.Int, 0, 4)
	for _, s := range []string{point[0][0], point[0][1], point[1][0], point[1][1]} {
		v, err := parseField(s, c.base)
		if err != nil {
			return nil, err
		}
		coords = append(coords, v)
	}
	if !c.onCurveG2(coords[0], coords[1], coords[2], coords[3]) {
		return nil, fmt.Errorf("%w: G2 point is not on %s", ErrFixture, c.name)
	}

	out := make([]byte, 0, 4*c.size)
	for _, v := range coords {
		out = append(out, toLittleEndian(v, c.size)...)
	}
	return types.NewBytes(out), nil
}

func (c curve) scalarBytes(s string) (types.Bytes, error) {
	v, err := parseField(s, c.scalar)
	if err != nil {
		return nil, err
	}
	return types.NewBytes(toLittleEndian(v, 32)), nil
}

// Groth16Vk is the on-chain groth16 verification key
type Groth16Vk struct {
	Curve      types.U8
	AlphaG1    types.Bytes
	BetaG2     types.Bytes
	GammaG2    types.Bytes
	DeltaG2    types.Bytes
	GammaAbcG1 []types.Bytes
}

// Groth16Proof is the on-chain groth16 proof
type Groth16Proof struct {
	Curve types.U8
	A     types.Bytes
	B     types.Bytes
	C     types.Bytes
}

func convertGroth16(f Fixture, curveName string) (Groth16Vk, Groth16Proof, []types.Bytes, error) {
	c, err := curveByName(curveName)
	if err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, err
	}

	var sp snarkjsProof
	if err := json.Unmarshal(f.Proof, &sp); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("%w: groth16 proof: %w", ErrFixture, err)
	}
	var sv snarkjsVk
	if err := json.Unmarshal(f.Vk, &sv); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("%w: groth16 vk: %w", ErrFixture, err)
	}
	var signals []string
	if err := json.Unmarshal(f.PublicSignals, &signals); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("%w: groth16 public signals: %w", ErrFixture, err)
	}

	proof := Groth16Proof{Curve: c.variant}
	if proof.A, err = c.g1(sp.PiA); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("pi_a: %w", err)
	}
	if proof.B, err = c.g2(sp.PiB); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("pi_b: %w", err)
	}
	if proof.C, err = c.g1(sp.PiC); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("pi_c: %w", err)
	}

	vk := Groth16Vk{Curve: c.variant}
	if vk.AlphaG1, err = c.g1(sv.Alpha1); err != nil {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("vk_alpha_1: %w", err)
	}
	g2s := []struct {
		name string
		src  [][]string
		dst  *types.Bytes
	}{
		{"vk_beta_2", sv.Beta2, &vk.BetaG2},
		{"vk_gamma_2", sv.Gamma2, &vk.GammaG2},
		{"vk_delta_2", sv.Delta2, &vk.DeltaG2},
	}
	for _, g := range g2s {
		if *g.dst, err = c.g2(g.src); err != nil {
			return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("%s: %w", g.name, err)
		}
	}
	for i, p := range sv.IC {
		g, err := c.g1(p)
		if err != nil {
			return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("IC[%d]: %w", i, err)
		}
		vk.GammaAbcG1 = append(vk.GammaAbcG1, g)
	}
	if len(vk.GammaAbcG1) != len(signals)+1 {
		return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("%w: vk expects %d public inputs, got %d", ErrFixture, len(vk.GammaAbcG1)-1, len(signals))
	}

	pubs := make([]types.Bytes, 0, len(signals))
	for i, s := range signals {
		b, err := c.scalarBytes(s)
		if err != nil {
			return Groth16Vk{}, Groth16Proof{}, nil, fmt.Errorf("publicSignals[%d]: %w", i, err)
		}
		pubs = append(pubs, b)
	}
	return vk, proof, pubs, nil
}
