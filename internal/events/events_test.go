package events

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaf = "0x1111111111111111111111111111111111111111111111111111111111111111"

func TestExtract(t *testing.T) {
	t.Parallel()

	batch := []Record{
		{Pallet: PalletSystem, Name: EventExtrinsicOK},
		{Pallet: PalletPoe, Name: EventNewElement, Fields: []any{leaf, uint64(1)}},
		{Pallet: "poe", Name: EventNewElement, Fields: []any{leaf, uint64(99)}},
		{Pallet: PalletPoe, Name: EventNewAttestation, Fields: []any{uint64(1), leaf}},
		{Pallet: PalletPoe, Name: EventNewElement, Fields: []any{leaf, uint64(2)}},
	}

	tests := []struct {
		name  string
		batch []Record
		want  []uint64
	}{
		{name: "nil batch", batch: nil},
		{name: "no match", batch: batch[:1]},
		{name: "matches in order", batch: batch, want: []uint64{1, 2}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got []uint64
			Extract(tt.batch, PalletPoe, EventNewElement, func(fields []any) {
				got = append(got, fields[1].(uint64))
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestForExtrinsic(t *testing.T) {
	t.Parallel()

	batch := []Record{
		{Name: "a", Phase: Phase{ApplyExtrinsic: true, Extrinsic: 0}},
		{Name: "b", Phase: Phase{ApplyExtrinsic: true, Extrinsic: 1}},
		{Name: "c", Phase: Phase{}},
		{Name: "d", Phase: Phase{ApplyExtrinsic: true, Extrinsic: 1}},
	}

	got := ForExtrinsic(batch, 1)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, "d", got[1].Name)
}

func TestDecodeNewElement(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0x11}, 32)

	tests := []struct {
		name    string
		fields  []any
		want    NewElement
		wantErr bool
	}{
		{name: "string digest", fields: []any{leaf, uint64(42)}, want: NewElement{LeafDigest: leaf, AttestationID: 42}},
		{name: "byte digest big id", fields: []any{raw, big.NewInt(7)}, want: NewElement{LeafDigest: leaf, AttestationID: 7}},
		{name: "numeric string id", fields: []any{leaf, "1,024"}, want: NewElement{LeafDigest: leaf, AttestationID: 1024}},
		{name: "too few fields", fields: []any{leaf}, wantErr: true},
		{name: "short digest", fields: []any{"0x1234", uint64(1)}, wantErr: true},
		{name: "negative id", fields: []any{leaf, big.NewInt(-1)}, wantErr: true},
		{name: "unsupported id", fields: []any{leaf, true}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeNewElement(tt.fields)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeNewAttestation(t *testing.T) {
	t.Parallel()

	byteList := make([]any, 32)
	for i := range byteList {
		byteList[i] = uint64(0x11)
	}

	got, err := DecodeNewAttestation([]any{uint64(9), byteList})
	require.NoError(t, err)
	assert.Equal(t, NewAttestation{ID: 9, Root: leaf}, got)

	_, err = DecodeNewAttestation([]any{uint64(9), "not a digest"})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodeNewAttestation(nil)
	assert.ErrorIs(t, err, ErrDecode)
}
