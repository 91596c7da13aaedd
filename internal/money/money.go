package money

import (
	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places of the store currency.
const MinorUnits = 2

var hundred = decimal.NewFromInt(100)

// Amount is a currency value in minor units (cents).
type Amount int64

// Zero is the zero amount
const Zero Amount = 0

// FromDecimal converts a major-unit decimal (e.g. 12.345) to minor units,
// rounding half-up.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Shift(MinorUnits).Round(0).IntPart())
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -MinorUnits)
}

// String formats the amount with exactly MinorUnits decimals.
func (a Amount) String() string {
	return a.Decimal().StringFixed(MinorUnits)
}

// Mul multiplies by an integer quantity.
func (a Amount) Mul(qty int) Amount {
	return a * Amount(qty)
}

// SubFloor subtracts b from a, never going below zero.
func (a Amount) SubFloor(b Amount) Amount {
	if b >= a {
		return 0
	}
	return a - b
}

// Percent returns pct percent of a, rounded half-up to the minor unit.
// Rounding happens once, on the final product.
func (a Amount) Percent(pct decimal.Decimal) Amount {
	if a <= 0 || !pct.IsPositive() {
		return 0
	}
	v := decimal.NewFromInt(int64(a)).Mul(pct).Div(hundred)
	return Amount(v.Round(0).IntPart())
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Sum adds amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}
