// Package asset provides shared amount parsing, formatting, and unit
// conversion for the two asset classes the escrow vault accepts.
//
// NATIVE uses 9 decimal places, TOKEN uses 6. On-ledger amounts are big.Int
// values in the smallest unit; everything user-facing is a decimal string.
package asset

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Class identifies an asset class supported by the escrow vault.
type Class string

const (
	Native Class = "NATIVE"
	Token  Class = "TOKEN"
)

const (
	NativeDecimals = 9
	TokenDecimals  = 6
)

// Decimals returns the on-ledger decimal count for the class.
func (c Class) Decimals() int32 {
	if c == Native {
		return NativeDecimals
	}
	return TokenDecimals
}

// Valid reports whether c is a known asset class.
func (c Class) Valid() bool {
	return c == Native || c == Token
}

// ParseClass converts a string to a Class.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case Native:
		return Native, nil
	case Token:
		return Token, nil
	}
	return "", fmt.Errorf("unknown asset class %q", s)
}

// ToMinimal converts a human-readable decimal amount to its smallest-unit
// representation. The conversion always floors: transferring must never
// move more than the caller asked for, so excess fractional digits are
// truncated, not rounded.
func ToMinimal(amount decimal.Decimal, class Class) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	scaled := amount.Shift(class.Decimals()).Truncate(0)
	return scaled.BigInt(), nil
}

// ToMinimalString is ToMinimal for string inputs.
func ToMinimalString(amount string, class Class) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return ToMinimal(d, class)
}

// FromMinimal converts a smallest-unit amount back to a human-readable
// decimal with the class's full precision (e.g. "1.500000000" for NATIVE).
func FromMinimal(units *big.Int, class Class) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -class.Decimals())
}

// Deviation returns |measured - quoted| / quoted as a ratio. A zero quote
// yields zero deviation so callers don't divide by zero on free items.
func Deviation(measured, quoted decimal.Decimal) decimal.Decimal {
	if quoted.IsZero() {
		return decimal.Zero
	}
	return measured.Sub(quoted).Abs().Div(quoted)
}
