// Package amount converts between human decimal amounts and integer base units.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedDecimal = errors.New("malformed decimal")
	ErrExcessPrecision  = errors.New("amount has more fractional digits than the asset supports")
	ErrMalformedInteger = errors.New("malformed base-unit integer")
)

var decimalPattern = regexp.MustCompile(`^\d*\.?\d+$`)

// IsWellFormed reports whether v is an unsigned decimal such as "12", "0.5" or ".5".
func IsWellFormed(v string) bool {
	return decimalPattern.MatchString(v)
}

// Parse returns the exact decimal value of v.
func Parse(v string) (decimal.Decimal, error) {
	if !IsWellFormed(v) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedDecimal, v)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedDecimal, v)
	}
	return d, nil
}

// ToBaseUnits multiplies v by 10^decimals. Values that would need a
// fractional base unit are rejected rather than rounded.
func ToBaseUnits(v string, decimals uint8) (*big.Int, error) {
	d, err := Parse(v)
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %q at %d decimals", ErrExcessPrecision, v, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits divides x by 10^decimals and formats the exact result
// without exponent notation or trailing zeros.
func FromBaseUnits(x *big.Int, decimals uint8) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -int32(decimals)).String()
}

// ToDecimal is FromBaseUnits without the formatting step.
func ToDecimal(x *big.Int, decimals uint8) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -int32(decimals))
}

// MinRepresentable returns 10^-decimals, the smallest nonzero amount of an asset.
func MinRepresentable(decimals uint8) string {
	return MinRepresentableDecimal(decimals).String()
}

func MinRepresentableDecimal(decimals uint8) decimal.Decimal {
	return decimal.New(1, -int32(decimals))
}

// Normalize returns the canonical form of v ("007.50" -> "7.5", ".5" -> "0.5").
func Normalize(v string) (string, error) {
	d, err := Parse(v)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// ParseBaseUnits parses a base-10 integer string as produced by node RPCs.
func ParseBaseUnits(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedInteger, s)
	}
	return x, nil
}
