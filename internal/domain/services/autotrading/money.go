package autotrading

import "github.com/shopspring/decimal"

// scale is the number of decimal places kept for quantities, prices and ratios
const scale = 4

var hundred = decimal.NewFromInt(100)

// percentChange returns (to - from) / from as a percentage. The ratio is
// rounded half-up to four places before scaling; a zero base yields zero.
func percentChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).DivRound(from, scale).Mul(hundred)
}

// quantityFor returns how many units capital buys at price, half-up to four places
func quantityFor(capital, price decimal.Decimal) decimal.Decimal {
	return capital.DivRound(price, scale)
}

// weightedAverage blends an existing basis with a new fill
func weightedAverage(avg, held, price, qty decimal.Decimal) decimal.Decimal {
	if held.IsZero() || avg.IsZero() {
		return price
	}
	total := held.Add(qty)
	return avg.Mul(held).Add(price.Mul(qty)).DivRound(total, scale)
}

// valueOf marks a quantity to market
func valueOf(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Round(scale)
}
