package proofs

import (
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
)

// Input is everything a builder needs to produce call parameters
type Input struct {
	Fixture Fixture
	Curve   string
	Version string
	// Invalid tampers with the public inputs so verification fails on chain
	Invalid bool
}

// Params are the three SCALE encodable submit_proof arguments
type Params struct {
	Vk    any
	Proof any
	Pubs  any
}

// Entry describes how one kind is submitted
type Entry struct {
	Kind   Kind
	Pallet string
	Call   string
	// TrailingNone is the number of None placeholders appended after pubs
	TrailingNone int
	Build        func(Input) (Params, error)
}

// Registry maps every kind to its entry. It is built once and read only after.
type Registry struct {
	entries map[Kind]Entry
}

// NewRegistry returns the table of supported proof kinds
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[Kind]Entry)}
	for _, e := range []Entry{
		{Kind: KindFflonk, Pallet: "SettlementFFlonkPallet", Call: "submit_proof", TrailingNone: 1, Build: buildFflonk},
		{Kind: KindGroth16, Pallet: "SettlementGroth16Pallet", Call: "submit_proof", Build: buildGroth16},
		{Kind: KindRisc0, Pallet: "SettlementRisc0Pallet", Call: "submit_proof", Build: buildRisc0},
		{Kind: KindUltraplonk, Pallet: "SettlementUltraplonkPallet", Call: "submit_proof", Build: buildUltraplonk},
		{Kind: KindProofOfSQL, Pallet: "SettlementProofOfSqlPallet", Call: "submit_proof", Build: buildProofOfSQL},
	} {
		r.entries[e.Kind] = e
	}
	return r
}

// Entry returns the entry for kind
func (r *Registry) Entry(kind Kind) (Entry, error) {
	e, ok := r.entries[kind]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}

// Call builds the submit_proof call [Vk(vk), proof, pubs, None...]
func (r *Registry) Call(kind Kind, in Input) (chain.Call, error) {
	e, err := r.Entry(kind)
	if err != nil {
		return chain.Call{}, err
	}

	p, err := e.Build(in)
	if err != nil {
		return chain.Call{}, fmt.Errorf("%s: %w", kind, err)
	}

	args := []any{VkOrHash{Vk: p.Vk}, p.Proof, p.Pubs}
	for i := 0; i < e.TrailingNone; i++ {
		args = append(args, types.NewOptionU32Empty())
	}
	return chain.Call{Pallet: e.Pallet, Name: e.Call, Args: args}, nil
}

// VkOrHash is the enum wrapping a verification key or a registered key hash
type VkOrHash struct {
	Hash *types.H256
	Vk   any
}

func (v VkOrHash) Encode(encoder scale.Encoder) error {
	if v.Hash != nil {
		if err := encoder.PushByte(0); err != nil {
			return err
		}
		return encoder.Encode(*v.Hash)
	}
	if err := encoder.PushByte(1); err != nil {
		return err
	}
	return encoder.Encode(v.Vk)
}

// Risc0Proof is the versioned risc0 receipt
type Risc0Proof struct {
	Version int
	Receipt types.Bytes
}

func (p Risc0Proof) Encode(encoder scale.Encoder) error {
	if err := encoder.PushByte(byte(p.Version)); err != nil {
		return err
	}
	return encoder.Encode(p.Receipt)
}

// tamper flips the lowest bit of the first byte
func tamper(b []byte) []byte {
	out := append([]byte(nil), b...)
	if len(out) > 0 {
		out[0] ^= 1
	}
	return out
}

func fixed32(name string, b []byte) (types.H256, error) {
	if len(b) != 32 {
		return types.H256{}, fmt.Errorf("%w: %s must be 32 bytes, got %d", ErrFixture, name, len(b))
	}
	return types.NewH256(b), nil
}

func buildFflonk(in Input) (Params, error) {
	vk, err := hexField("vk", in.Fixture.Vk)
	if err != nil {
		return Params{}, err
	}
	proof, err := hexField("proof", in.Fixture.Proof)
	if err != nil {
		return Params{}, err
	}
	pubs, err := hexField("publicSignals", in.Fixture.PublicSignals)
	if err != nil {
		return Params{}, err
	}
	if in.Invalid {
		pubs = tamper(pubs)
	}
	pub, err := fixed32("publicSignals", pubs)
	if err != nil {
		return Params{}, err
	}
	return Params{Vk: types.NewData(vk), Proof: types.NewData(proof), Pubs: pub}, nil
}

func buildGroth16(in Input) (Params, error) {
	vk, proof, pubs, err := convertGroth16(in.Fixture, in.Curve)
	if err != nil {
		return Params{}, err
	}
	if in.Invalid && len(pubs) > 0 {
		pubs[0] = types.NewBytes(tamper(pubs[0]))
	}
	return Params{Vk: vk, Proof: proof, Pubs: pubs}, nil
}

func buildRisc0(in Input) (Params, error) {
	version := in.Version
	if version == "" {
		version = Risc0V1_0
	}
	index := -1
	for i, v := range Risc0Versions() {
		if v == version {
			index = i
		}
	}
	if index < 0 {
		return Params{}, fmt.Errorf("%w: unsupported risc0 version %q", ErrFixture, version)
	}

	imageID, err := hexField("vk", in.Fixture.Vk)
	if err != nil {
		return Params{}, err
	}
	vk, err := fixed32("vk", imageID)
	if err != nil {
		return Params{}, err
	}
	receipt, err := hexField("proof", in.Fixture.Proof)
	if err != nil {
		return Params{}, err
	}
	journal, err := hexField("publicSignals", in.Fixture.PublicSignals)
	if err != nil {
		return Params{}, err
	}
	if in.Invalid {
		journal = tamper(journal)
	}
	return Params{
		Vk:    vk,
		Proof: Risc0Proof{Version: index, Receipt: types.NewBytes(receipt)},
		Pubs:  types.NewBytes(journal),
	}, nil
}

func buildUltraplonk(in Input) (Params, error) {
	vk := in.Fixture.VkBytes
	if len(vk) == 0 {
		var err error
		if vk, err = hexField("vk", in.Fixture.Vk); err != nil {
			return Params{}, err
		}
	}
	proof, err := hexField("proof", in.Fixture.Proof)
	if err != nil {
		return Params{}, err
	}
	inputs, err := hexList("publicSignals", in.Fixture.PublicSignals)
	if err != nil {
		return Params{}, err
	}

	pubs := make([]types.H256, 0, len(inputs))
	for i, b := range inputs {
		if in.Invalid && i == 0 {
			b = tamper(b)
		}
		h, err := fixed32(fmt.Sprintf("publicSignals[%d]", i), b)
		if err != nil {
			return Params{}, err
		}
		pubs = append(pubs, h)
	}
	return Params{Vk: types.NewData(vk), Proof: types.NewBytes(proof), Pubs: pubs}, nil
}

func buildProofOfSQL(in Input) (Params, error) {
	vk, err := hexField("vk", in.Fixture.Vk)
	if err != nil {
		return Params{}, err
	}
	proof, err := hexField("proof", in.Fixture.Proof)
	if err != nil {
		return Params{}, err
	}
	pubs, err := hexField("publicSignals", in.Fixture.PublicSignals)
	if err != nil {
		return Params{}, err
	}
	if in.Invalid {
		pubs = tamper(pubs)
	}
	return Params{Vk: types.NewBytes(vk), Proof: types.NewBytes(proof), Pubs: types.NewBytes(pubs)}, nil
}
