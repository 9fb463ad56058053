package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/models"
)

var ErrNotFound = errors.New("not found")

// Storage defines the persistence operations of the credit ledger. Every entity
// is keyed by its id; a plan's instalments are saved and loaded with the plan.
type Storage interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateAccount(ctx context.Context, account *models.Account) error

	CreatePurchase(ctx context.Context, purchase *models.Purchase) error
	GetPurchase(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
	UpdatePurchase(ctx context.Context, purchase *models.Purchase) error

	CreatePlan(ctx context.Context, plan *models.RepaymentPlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error)
	UpdatePlan(ctx context.Context, plan *models.RepaymentPlan) error
	GetPlansForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.RepaymentPlan, error)
	GetAllActivePlans(ctx context.Context) ([]*models.RepaymentPlan, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Payment, error)

	CreatePenalty(ctx context.Context, penalty *models.Penalty) error
	GetPenaltiesForPlan(ctx context.Context, planID uuid.UUID) ([]*models.Penalty, error)

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransactionsForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error)

	// WithinTx runs fn against a Storage whose writes are committed only if fn
	// returns nil. Nested calls join the outer transaction.
	WithinTx(ctx context.Context, fn func(Storage) error) error

	Close() error
}
