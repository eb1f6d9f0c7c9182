package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/zkVerify/zkVerify-qa/internal/events"
)

// toRecords converts parsed runtime events into records with normalized fields
func toRecords(parsed []*parser.Event) []events.Record {
	records := make([]events.Record, 0, len(parsed))
	for _, ev := range parsed {
		if ev == nil {
			continue
		}

		pallet, name, _ := strings.Cut(ev.Name, ".")
		record := events.Record{
			Pallet: pallet,
			Name:   name,
			Fields: make([]any, 0, len(ev.Fields)),
		}
		if ev.Phase != nil && ev.Phase.IsApplyExtrinsic {
			record.Phase = events.Phase{ApplyExtrinsic: true, Extrinsic: ev.Phase.AsApplyExtrinsic}
		}
		for _, field := range ev.Fields {
			if field == nil {
				record.Fields = append(record.Fields, nil)
				continue
			}
			record.Fields = append(record.Fields, normalize(field.Value))
		}
		records = append(records, record)
	}
	return records
}

// normalize maps decoder output onto uint64, *big.Int, []byte, string, bool or []any
func normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case string:
		return val
	case types.Bool:
		return bool(val)
	case types.Text:
		return string(val)
	case types.U8:
		return uint64(val)
	case types.U16:
		return uint64(val)
	case types.U32:
		return uint64(val)
	case types.U64:
		return uint64(val)
	case uint8:
		return uint64(val)
	case uint16:
		return uint64(val)
	case uint32:
		return uint64(val)
	case uint64:
		return val
	case types.I8:
		return big.NewInt(int64(val))
	case types.I16:
		return big.NewInt(int64(val))
	case types.I32:
		return big.NewInt(int64(val))
	case types.I64:
		return big.NewInt(int64(val))
	case types.U128:
		return bigOrZero(val.Int)
	case types.U256:
		return bigOrZero(val.Int)
	case types.UCompact:
		b := big.Int(val)
		return new(big.Int).Set(&b)
	case *big.Int:
		return bigOrZero(val)
	case []byte:
		return val
	case types.Bytes:
		return []byte(val)
	case types.Hash:
		return val[:]
	case types.H256:
		return val[:]
	case types.AccountID:
		return val.ToBytes()
	case registry.DecodedFields:
		// Newtype wrappers such as AccountId32([u8; 32]) collapse to their inner value
		if len(val) == 1 && val[0] != nil {
			return normalize(val[0].Value)
		}
		out := make([]any, 0, len(val))
		for _, f := range val {
			if f == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, normalize(f.Value))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		if b, ok := asBytes(out); ok {
			return b
		}
		return out
	case map[string]any:
		// Variants decode as {name: payload}; keep the name so it stays readable
		out := make([]any, 0, len(val)*2)
		for k, elem := range val {
			out = append(out, k, normalize(elem))
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

// asBytes folds a non-empty list of small integers, as produced for [u8; N], into []byte
func asBytes(list []any) ([]byte, bool) {
	if len(list) == 0 {
		return nil, false
	}
	b := make([]byte, len(list))
	for i, elem := range list {
		n, ok := elem.(uint64)
		if !ok || n > 0xff {
			return nil, false
		}
		b[i] = byte(n)
	}
	return b, true
}

// describe renders a normalized value for logs and dispatch errors
func describe(v any) string {
	switch val := v.(type) {
	case []byte:
		return codec.HexEncodeToString(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = describe(elem)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprint(val)
	}
}
