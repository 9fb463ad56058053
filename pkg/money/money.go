// Package money holds the fixed-precision helpers every ledger computation goes through.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places kept for amounts and percentage rates.
const Places = 2

var (
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	ErrInvalidRate   = errors.New("rate must be non-negative with at most two decimal places")

	// Hundred converts percentages to fractions.
	Hundred = decimal.NewFromInt(100)
	// Cent is the smallest representable currency unit.
	Cent = decimal.New(1, -Places)
)

// Round rounds half away from zero to two decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// ValidateAmount rejects zero, negative and sub-cent amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(Round(amount)) {
		return ErrInvalidAmount
	}
	return nil
}

// ValidateRate rejects negative percentage rates and rates with more than two places.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return ErrInvalidRate
	}
	if !rate.Equal(Round(rate)) {
		return ErrInvalidRate
	}
	return nil
}

// Percent returns pct percent of amount, rounded to cents.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(Hundred))
}

// Sum adds up the given amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
