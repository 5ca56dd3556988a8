package payments

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PaymentCents converts a USD amount charged to a card into cents, rounding
// up so the bridge never undercharges.
func PaymentCents(usd decimal.Decimal) (int64, error) {
	return toCents(usd, usd.Mul(hundred).Ceil())
}

// PayoutCents converts a USD amount paid to a card into cents, rounding down
// so the bridge never overpays.
func PayoutCents(usd decimal.Decimal) (int64, error) {
	return toCents(usd, usd.Mul(hundred).Floor())
}

func toCents(usd, cents decimal.Decimal) (int64, error) {
	if !cents.IsPositive() {
		return 0, fmt.Errorf("payments: amount %s rounds to no cents", usd.String())
	}
	if !cents.IsInteger() || cents.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, fmt.Errorf("payments: amount %s out of range", usd.String())
	}
	return cents.IntPart(), nil
}
