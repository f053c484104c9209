package domain

import (
	"github.com/shopspring/decimal"
)

// Money is an exact amount in the smallest currency unit (cents).
// All balance arithmetic is integer arithmetic; decimals are only used for
// fee computation, never for stored balances.
type Money int64

// feeRate is the flat 2% platform fee applied to every movement.
var feeRate = decimal.NewFromFloat(0.02)

// NewMoney creates a Money value from cents.
func NewMoney(cents int64) Money {
	return Money(cents)
}

// Fee returns round_half_up(m * 0.02). decimal.Round rounds half away from
// zero, which is half up for the positive amounts accepted at every entry
// point.
func (m Money) Fee() Money {
	fee := decimal.NewFromInt(int64(m)).Mul(feeRate).Round(0)
	return Money(fee.IntPart())
}

// Positive reports whether the amount is strictly greater than zero.
func (m Money) Positive() bool {
	return m > 0
}

// String renders the amount in major units, e.g. 10250 -> "102.50".
func (m Money) String() string {
	return decimal.NewFromInt(int64(m)).Div(decimal.NewFromInt(100)).StringFixed(2)
}
