package funding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits of the native token
const Decimals = 18

// ErrAmount is returned for amounts that are not valid token quantities
var ErrAmount = errors.New("invalid amount")

var unit = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

// Tokens converts whole tokens to base units
func Tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), unit)
}

// ParseAmount accepts base units ("1000000000000000000") or a token amount
// with a ZKV suffix ("0.1 ZKV", "10zkv")
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if !strings.HasSuffix(lower, "zkv") {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrAmount, s, err)
		}
		return v, nil
	}

	tokens := strings.TrimSpace(s[:len(s)-3])
	whole, frac, _ := strings.Cut(tokens, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrAmount, s, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	v, err := uint256.FromDecimal(whole + frac)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrAmount, s, err)
	}
	return v, nil
}

// FormatAmount renders base units as tokens with four decimals and digit grouping
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0.0000 ZKV"
	}
	whole, rem := new(uint256.Int).DivMod(v, unit, new(uint256.Int))
	frac := rem.Div(rem, new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals-4)))
	return fmt.Sprintf("%s.%04d ZKV", humanize.BigComma(whole.ToBig()), frac.Uint64())
}
