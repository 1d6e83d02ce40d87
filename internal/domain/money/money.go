// Package money holds the decimal helpers shared by every monetary
// computation: two-place rounding, percentages and zero clamping.
package money

import (
	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for stored amounts.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Round rounds to Places decimal places, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns pct percent of amount, rounded.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// ShareOf reports part as a percentage of whole. A zero whole yields zero.
func ShareOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole)
}

// FloorAtZero clamps negative values to zero.
func FloorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Line returns unitPrice × quantity.
func Line(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}
