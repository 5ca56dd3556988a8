package amm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a decimal amount string cannot be
// represented exactly in 18-decimal fixed point.
var ErrInvalidAmount = errors.New("amm: invalid amount")

// ParseAmount converts a decimal string such as "12.5" into base units. More
// than 18 fractional digits and negative values are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, trimmed)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, trimmed)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, trimmed, Decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units as a decimal string without trailing zeros.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}

// ToDecimal converts base units into a decimal value.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// FromDecimal converts a decimal value into base units, truncating digits
// beyond 18 decimals.
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Truncate(0).BigInt()
}
