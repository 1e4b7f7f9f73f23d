// Package money holds the fixed-point helpers shared by invoicing and the
// gateway fee math. Amounts are decimal.Decimal values kept at two decimal
// places; gateway payloads use integer minor units.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places of every stored amount.
const Scale = 2

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	ErrInvalidFeeRate = errors.New("fee rate must be in [0, 1)")
)

// Zero is 0.00.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// Round rounds to two decimals, half away from zero (half-up for the
// non-negative amounts handled here).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a decimal string such as "12.50" and rounds it to two places.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return Round(d), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Sum adds the given amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// ToMinorUnits converts an amount to integer cents after rounding.
func ToMinorUnits(d decimal.Decimal) int64 {
	return Round(d).Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts integer cents to an amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -Scale)
}

// LateFee computes the surcharge for an invoice that is monthsLate months
// overdue. A non-zero fixed fee takes precedence over the percentage.
func LateFee(base, percent, fixed decimal.Decimal, monthsLate int) decimal.Decimal {
	if monthsLate <= 0 {
		return decimal.Zero
	}
	months := decimal.NewFromInt(int64(monthsLate))
	switch {
	case fixed.IsPositive():
		return Round(fixed.Mul(months))
	case percent.IsPositive():
		return Round(base.Mul(percent).Div(hundred).Mul(months))
	default:
		return decimal.Zero
	}
}

// GrossUp returns the amount to charge the payer so that, after the gateway
// keeps rate*gross + fixed, exactly net remains.
func GrossUp(net, rate, fixed decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsNegative() || !rate.LessThan(one) {
		return decimal.Zero, ErrInvalidFeeRate
	}
	return Round(net.Add(fixed).Div(one.Sub(rate))), nil
}
