package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/money"
	"github.com/shopspring/decimal"
)

type PlanStatus string

const (
	PlanStatusActive  PlanStatus = "active"
	PlanStatusSettled PlanStatus = "settled"
)

// DefaultPenaltyRate is the percentage charged on an overdue instalment.
var DefaultPenaltyRate = decimal.NewFromInt(2)

// RepaymentPlan amortizes one instalment purchase.
type RepaymentPlan struct {
	ID                 uuid.UUID       `json:"id"`
	AccountID          uuid.UUID       `json:"account_id"`
	PurchaseID         uuid.UUID       `json:"purchase_id"`
	Principal          decimal.Decimal `json:"principal"`
	AnnualInterestRate decimal.Decimal `json:"annual_interest_rate"` // Percentage, e.g. 10.00
	TermMonths         int             `json:"term_months"`
	MonthlyInstallment decimal.Decimal `json:"monthly_installment"`
	PenaltyRate        decimal.Decimal `json:"penalty_rate"`      // Percentage of the overdue amount
	OutstandingTotal   decimal.Decimal `json:"outstanding_total"` // Schedule plus penalties minus allocations
	StartDate          time.Time       `json:"start_date"`
	Status             PlanStatus      `json:"status"`
	Installments       []Installment   `json:"installments"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Installment is one scheduled repayment. Partial allocations accumulate in PaidAmount.
type Installment struct {
	SequenceNumber int             `json:"sequence_number"`
	DueDate        time.Time       `json:"due_date"`
	Amount         decimal.Decimal `json:"amount"`
	Penalty        decimal.Decimal `json:"penalty"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Paid           bool            `json:"paid"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	PenalizedAt    *time.Time      `json:"penalized_at,omitempty"` // Guards against charging the same period twice
}

// Due is what the instalment asks for, penalties included.
func (i *Installment) Due() decimal.Decimal {
	return i.Amount.Add(i.Penalty)
}

// Remaining is what is still owed on the instalment.
func (i *Installment) Remaining() decimal.Decimal {
	return i.Due().Sub(i.PaidAmount)
}

// IsOverdue reports whether the instalment is still unpaid and its due day ended
// before the UTC day of asOf. The whole due day is left to pay.
func (i *Installment) IsOverdue(asOf time.Time) bool {
	return !i.Paid && day(i.DueDate).Before(day(asOf))
}

func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// PeriodKey identifies one overdue period of one plan.
func PeriodKey(planID uuid.UUID, sequence int) string {
	return fmt.Sprintf("%s:%d", planID, sequence)
}

// CalculatePenalty returns the penalty owed on overdueAmount. It has no side effects.
func (p *RepaymentPlan) CalculatePenalty(overdueAmount decimal.Decimal) decimal.Decimal {
	return money.Percent(overdueAmount, p.PenaltyRate)
}

// ApplyPenalty adds amount to the outstanding total. Calling it twice charges twice.
func (p *RepaymentPlan) ApplyPenalty(amount decimal.Decimal) {
	p.OutstandingTotal = p.OutstandingTotal.Add(amount)
}

// Remaining sums what is still owed across the schedule.
func (p *RepaymentPlan) Remaining() decimal.Decimal {
	total := decimal.Zero
	for i := range p.Installments {
		total = total.Add(p.Installments[i].Remaining())
	}
	return total
}

// PenalizableInstallments returns the overdue instalments that have not been charged yet.
func (p *RepaymentPlan) PenalizableInstallments(asOf time.Time) []*Installment {
	var out []*Installment
	for i := range p.Installments {
		inst := &p.Installments[i]
		if inst.IsOverdue(asOf) && inst.PenalizedAt == nil {
			out = append(out, inst)
		}
	}
	return out
}

// NextDue returns the earliest unpaid instalment, or nil once the plan is settled.
func (p *RepaymentPlan) NextDue() *Installment {
	for i := range p.Installments {
		if !p.Installments[i].Paid {
			return &p.Installments[i]
		}
	}
	return nil
}

// Allocate applies amount to the earliest unpaid instalments in sequence order.
// An instalment is only marked paid once its full due amount is covered; any
// shortfall stays on PaidAmount for the next allocation. The plan is left
// untouched when amount exceeds what remains on the schedule.
func (p *RepaymentPlan) Allocate(amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if p.Status == PlanStatusSettled {
		return decimal.Zero, ErrPlanSettled
	}
	remaining := p.Remaining()
	if amount.GreaterThan(remaining) {
		return decimal.Zero, fmt.Errorf("%w: paying %s, %s left on plan %s", ErrOverpayment, amount.StringFixed(2), remaining.StringFixed(2), p.ID)
	}

	left := amount
	for i := range p.Installments {
		if !left.IsPositive() {
			break
		}
		inst := &p.Installments[i]
		if inst.Paid {
			continue
		}
		take := decimal.Min(left, inst.Remaining())
		inst.PaidAmount = inst.PaidAmount.Add(take)
		left = left.Sub(take)
		if !inst.Remaining().IsPositive() {
			paidAt := at
			inst.Paid = true
			inst.PaidAt = &paidAt
		}
	}

	p.OutstandingTotal = p.OutstandingTotal.Sub(amount)
	if p.NextDue() == nil {
		p.Status = PlanStatusSettled
		p.OutstandingTotal = decimal.Zero
	}
	return amount, nil
}
