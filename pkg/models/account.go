package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/money"
	"github.com/shopspring/decimal"
)

// Account is a user's credit line. AvailableCredit never leaves [0, CreditLimit].
type Account struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email,omitempty"`
	CreditScore     int             `json:"credit_score"`
	CreditLimit     decimal.Decimal `json:"credit_limit"`
	AvailableCredit decimal.Decimal `json:"available_credit"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Debit reserves amount from the available credit.
func (a *Account) Debit(amount decimal.Decimal) error {
	if err := money.ValidateAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(a.AvailableCredit) {
		return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientCredit, amount.StringFixed(2), a.AvailableCredit.StringFixed(2))
	}
	a.AvailableCredit = a.AvailableCredit.Sub(amount)
	return nil
}

// Credit releases amount back to the available credit, capped at the credit limit.
// The part of amount that did not fit under the limit is returned as excess.
func (a *Account) Credit(amount decimal.Decimal) (excess decimal.Decimal, err error) {
	if err := money.ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	next := a.AvailableCredit.Add(amount)
	if next.GreaterThan(a.CreditLimit) {
		excess = next.Sub(a.CreditLimit)
		next = a.CreditLimit
	}
	a.AvailableCredit = next
	return excess, nil
}

// Utilized is the part of the limit currently committed.
func (a *Account) Utilized() decimal.Decimal {
	return a.CreditLimit.Sub(a.AvailableCredit)
}
