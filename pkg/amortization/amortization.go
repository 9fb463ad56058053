// Package amortization computes equal monthly instalment schedules.
package amortization

import (
	"errors"
	"fmt"
	"time"

	"github.com/mcclellann/creditline/pkg/money"
	"github.com/shopspring/decimal"
)

// DueIntervalDays is the fixed step between two consecutive due dates.
const DueIntervalDays = 30

// compoundPlaces bounds the precision of (1+r)^n while it is being built up.
const compoundPlaces = 24

var (
	ErrInvalidTerm = errors.New("term must be at least one month")

	monthsInYear = decimal.NewFromInt(12)
)

// Entry is one instalment of a computed schedule.
type Entry struct {
	SequenceNumber int             `json:"sequence_number"`
	DueDate        time.Time       `json:"due_date"`
	Amount         decimal.Decimal `json:"amount"`
}

// Schedule is the result of ComputeSchedule.
type Schedule struct {
	MonthlyInstallment decimal.Decimal `json:"monthly_installment"`
	Total              decimal.Decimal `json:"total"`
	Entries            []Entry         `json:"entries"`
}

// MonthlyRate converts an annual percentage rate into a monthly fraction.
func MonthlyRate(annualRatePct decimal.Decimal) decimal.Decimal {
	return annualRatePct.Div(monthsInYear).Div(money.Hundred)
}

// MonthlyInstallment returns the unrounded level payment amortizing principal over
// termMonths at the given annual percentage rate.
func MonthlyInstallment(principal, annualRatePct decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if err := validate(principal, annualRatePct, termMonths); err != nil {
		return decimal.Zero, err
	}

	n := decimal.NewFromInt(int64(termMonths))
	r := MonthlyRate(annualRatePct)
	if r.IsZero() {
		return principal.Div(n), nil
	}

	// P * r * (1+r)^n / ((1+r)^n - 1)
	factor := compound(decimal.NewFromInt(1).Add(r), termMonths)
	return principal.Mul(r).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1))), nil
}

// ComputeSchedule lays out termMonths instalments starting DueIntervalDays after start.
//
// Every instalment but the last is the monthly installment rounded to cents; the
// last one absorbs whatever rounding residue is left so that the schedule sums to
// the rounded total owed (principal plus interest).
//
// The sum therefore matches the exact total, not MonthlyInstallment × termMonths.
// The two differ by at most half a cent per instalment: 1000.00 at 0% over 7
// months is six instalments of 142.86 and a last one of 142.84, summing to 1000.00
// against 142.86 × 7 = 1000.02.
func ComputeSchedule(principal, annualRatePct decimal.Decimal, termMonths int, start time.Time) (*Schedule, error) {
	exact, err := MonthlyInstallment(principal, annualRatePct, termMonths)
	if err != nil {
		return nil, err
	}

	n := decimal.NewFromInt(int64(termMonths))
	monthly := money.Round(exact)
	total := money.Round(exact.Mul(n))
	if MonthlyRate(annualRatePct).IsZero() {
		total = principal
	}
	last := total.Sub(monthly.Mul(n.Sub(decimal.NewFromInt(1))))
	if !monthly.IsPositive() || !last.IsPositive() {
		return nil, fmt.Errorf("%w: %s cannot be spread over %d instalments", money.ErrInvalidAmount, principal, termMonths)
	}

	entries := make([]Entry, 0, termMonths)
	allocated := decimal.Zero
	for k := 1; k <= termMonths; k++ {
		amount := monthly
		if k == termMonths {
			amount = total.Sub(allocated)
		}
		allocated = allocated.Add(amount)

		entries = append(entries, Entry{
			SequenceNumber: k,
			DueDate:        start.AddDate(0, 0, k*DueIntervalDays),
			Amount:         amount,
		})
	}

	return &Schedule{
		MonthlyInstallment: monthly,
		Total:              total,
		Entries:            entries,
	}, nil
}

func validate(principal, annualRatePct decimal.Decimal, termMonths int) error {
	if termMonths < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidTerm, termMonths)
	}
	if err := money.ValidateRate(annualRatePct); err != nil {
		return err
	}
	return money.ValidateAmount(principal)
}

func compound(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		result = result.Mul(base).Round(compoundPlaces)
	}
	return result
}
