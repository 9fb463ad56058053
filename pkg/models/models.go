package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Purchase struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	IsInstalment bool            `json:"is_instalment"`
	PlanID       *uuid.UUID      `json:"plan_id,omitempty"` // Set once, when a plan is opened
	CreatedAt    time.Time       `json:"created_at"`
}

type Payment struct {
	ID              uuid.UUID       `json:"id"`
	AccountID       uuid.UUID       `json:"account_id"`
	PlanID          *uuid.UUID      `json:"plan_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"` // Portion applied to plan instalments
	ExcessAmount    decimal.Decimal `json:"excess_amount"`    // Portion that did not fit under the credit limit
	CreatedAt       time.Time       `json:"created_at"`
}

type Penalty struct {
	ID                  uuid.UUID       `json:"id"`
	AccountID           uuid.UUID       `json:"account_id"`
	PlanID              uuid.UUID       `json:"plan_id"`
	InstallmentSequence int             `json:"installment_sequence"`
	PeriodKey           string          `json:"period_key"` // Unique per plan and overdue instalment
	Amount              decimal.Decimal `json:"amount"`
	CreatedAt           time.Time       `json:"created_at"`
}

type TransactionType string

const (
	TransactionTypePurchase      TransactionType = "purchase"
	TransactionTypePayment       TransactionType = "payment"
	TransactionTypePenalty       TransactionType = "penalty"
	TransactionTypeCreditBalance TransactionType = "credit_balance"
)

// Transaction is an append-only journal entry for every balance-affecting event.
type Transaction struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	PlanID    *uuid.UUID      `json:"plan_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}
