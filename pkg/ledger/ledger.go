package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/amortization"
	"github.com/mcclellann/creditline/pkg/models"
	"github.com/mcclellann/creditline/pkg/money"
	"github.com/mcclellann/creditline/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Policy holds the product parameters applied when a request leaves them out.
type Policy struct {
	PenaltyRate       decimal.Decimal
	DefaultTermMonths int
	DefaultAnnualRate decimal.Decimal
	// AutoOpenPlan opens a plan in the same operation as an instalment purchase.
	AutoOpenPlan bool
}

// DefaultPolicy charges 2% on overdue instalments and spreads instalment
// purchases over 12 months at 10% a year.
func DefaultPolicy() Policy {
	return Policy{
		PenaltyRate:       models.DefaultPenaltyRate,
		DefaultTermMonths: 12,
		DefaultAnnualRate: decimal.NewFromInt(10),
		AutoOpenPlan:      true,
	}
}

// Ledger handles the business logic for credit accounts, repayment plans,
// payments and penalties.
type Ledger struct {
	storage store.Storage
	log     logrus.FieldLogger
	now     func() time.Time
	policy  Policy
	locks   *accountLocks
}

type Option func(*Ledger)

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock replaces time.Now, mostly for tests and back-dated sweeps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		log:     logrus.StandardLogger(),
		now:     time.Now,
		policy:  DefaultPolicy(),
		locks:   newAccountLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type RegisterAccountInput struct {
	Name        string
	Email       string
	CreditScore int
	CreditLimit decimal.Decimal
}

// RegisterAccount opens a credit line with its full limit available.
func (l *Ledger) RegisterAccount(ctx context.Context, in RegisterAccountInput) (*models.Account, error) {
	if err := money.ValidateAmount(in.CreditLimit); err != nil {
		return nil, fmt.Errorf("invalid credit limit: %w", err)
	}

	now := l.now()
	account := &models.Account{
		ID:              uuid.New(),
		Name:            in.Name,
		Email:           in.Email,
		CreditScore:     in.CreditScore,
		CreditLimit:     in.CreditLimit,
		AvailableCredit: in.CreditLimit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.storage.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"account_id":   account.ID,
		"credit_limit": account.CreditLimit.StringFixed(2),
	}).Info("Registered credit account")
	return account, nil
}

type PurchaseInput struct {
	AccountID    uuid.UUID
	Amount       decimal.Decimal
	IsInstalment bool
	// TermMonths and AnnualRate override the policy defaults for the plan opened
	// alongside an instalment purchase.
	TermMonths int
	AnnualRate *decimal.Decimal
}

type PurchaseResult struct {
	Purchase *models.Purchase      `json:"purchase"`
	Plan     *models.RepaymentPlan `json:"plan,omitempty"`
}

// RecordPurchase debits the account. Nothing is recorded when the account cannot
// cover the amount.
func (l *Ledger) RecordPurchase(ctx context.Context, in PurchaseInput) (*PurchaseResult, error) {
	if err := money.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}

	unlock := l.locks.lock(in.AccountID)
	defer unlock()

	var result PurchaseResult
	err := l.storage.WithinTx(ctx, func(tx store.Storage) error {
		account, err := tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if err := account.Debit(in.Amount); err != nil {
			return err
		}

		now := l.now()
		account.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		purchase := &models.Purchase{
			ID:           uuid.New(),
			AccountID:    account.ID,
			Amount:       in.Amount,
			IsInstalment: in.IsInstalment,
			CreatedAt:    now,
		}
		if err := tx.CreatePurchase(ctx, purchase); err != nil {
			return err
		}
		if err := l.journal(ctx, tx, account.ID, nil, in.Amount, models.TransactionTypePurchase); err != nil {
			return err
		}
		result.Purchase = purchase

		if purchase.IsInstalment && (l.policy.AutoOpenPlan || in.TermMonths > 0) {
			term, rate := l.terms(in.TermMonths, in.AnnualRate)
			plan, err := l.openPlan(ctx, tx, purchase, term, rate)
			if err != nil {
				return err
			}
			result.Plan = plan
		}
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("account_id", in.AccountID).Warn("Purchase rejected")
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"account_id":  in.AccountID,
		"purchase_id": result.Purchase.ID,
		"amount":      in.Amount.StringFixed(2),
		"instalment":  in.IsInstalment,
	}).Info("Recorded purchase")
	return &result, nil
}

type OpenPlanInput struct {
	PurchaseID uuid.UUID
	// Zero or nil fall back to the policy defaults.
	TermMonths int
	AnnualRate *decimal.Decimal
}

func (l *Ledger) terms(termMonths int, annualRate *decimal.Decimal) (int, decimal.Decimal) {
	if termMonths == 0 {
		termMonths = l.policy.DefaultTermMonths
	}
	rate := l.policy.DefaultAnnualRate
	if annualRate != nil {
		rate = *annualRate
	}
	return termMonths, rate
}

// OpenPlan lays out the repayment schedule for an instalment purchase. A purchase
// gets at most one plan.
func (l *Ledger) OpenPlan(ctx context.Context, in OpenPlanInput) (*models.RepaymentPlan, error) {
	purchase, err := l.storage.GetPurchase(ctx, in.PurchaseID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(purchase.AccountID)
	defer unlock()

	var plan *models.RepaymentPlan
	err = l.storage.WithinTx(ctx, func(tx store.Storage) error {
		// Re-read under the lock; another request may have linked it meanwhile.
		purchase, err := tx.GetPurchase(ctx, in.PurchaseID)
		if err != nil {
			return err
		}
		term, rate := l.terms(in.TermMonths, in.AnnualRate)
		plan, err = l.openPlan(ctx, tx, purchase, term, rate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (l *Ledger) openPlan(ctx context.Context, tx store.Storage, purchase *models.Purchase, termMonths int, annualRate decimal.Decimal) (*models.RepaymentPlan, error) {
	if !purchase.IsInstalment {
		return nil, models.ErrNotInstalment
	}
	if purchase.PlanID != nil {
		return nil, fmt.Errorf("%w: plan %s", models.ErrPlanAlreadyExists, purchase.PlanID)
	}

	now := l.now()
	start := now.UTC().Truncate(24 * time.Hour)
	schedule, err := amortization.ComputeSchedule(purchase.Amount, annualRate, termMonths, start)
	if err != nil {
		return nil, err
	}

	plan := &models.RepaymentPlan{
		ID:                 uuid.New(),
		AccountID:          purchase.AccountID,
		PurchaseID:         purchase.ID,
		Principal:          purchase.Amount,
		AnnualInterestRate: annualRate,
		TermMonths:         termMonths,
		MonthlyInstallment: schedule.MonthlyInstallment,
		PenaltyRate:        l.policy.PenaltyRate,
		StartDate:          start,
		Status:             models.PlanStatusActive,
		Installments:       make([]models.Installment, 0, len(schedule.Entries)),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	total := decimal.Zero
	for _, e := range schedule.Entries {
		plan.Installments = append(plan.Installments, models.Installment{
			SequenceNumber: e.SequenceNumber,
			DueDate:        e.DueDate,
			Amount:         e.Amount,
		})
		total = total.Add(e.Amount)
	}
	plan.OutstandingTotal = total

	if err := tx.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to store repayment plan: %w", err)
	}
	purchase.PlanID = &plan.ID
	if err := tx.UpdatePurchase(ctx, purchase); err != nil {
		return nil, fmt.Errorf("failed to link purchase to plan: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"plan_id":             plan.ID,
		"purchase_id":         purchase.ID,
		"term_months":         termMonths,
		"monthly_installment": plan.MonthlyInstallment.StringFixed(2),
		"outstanding_total":   plan.OutstandingTotal.StringFixed(2),
	}).Info("Opened repayment plan")
	return plan, nil
}

type PaymentInput struct {
	AccountID uuid.UUID
	Amount    decimal.Decimal
	PlanID    *uuid.UUID
}

type PaymentResult struct {
	Payment *models.Payment       `json:"payment"`
	Account *models.Account       `json:"account"`
	Plan    *models.RepaymentPlan `json:"plan,omitempty"`
}

// RecordPayment restores available credit and, when a plan is named, settles the
// plan's earliest unpaid instalments. A payment larger than what remains on the
// plan is rejected with models.ErrOverpayment and changes nothing.
func (l *Ledger) RecordPayment(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	if err := money.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}

	unlock := l.locks.lock(in.AccountID)
	defer unlock()

	var result PaymentResult
	err := l.storage.WithinTx(ctx, func(tx store.Storage) error {
		account, err := tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}

		now := l.now()
		payment := &models.Payment{
			ID:              uuid.New(),
			AccountID:       account.ID,
			PlanID:          in.PlanID,
			Amount:          in.Amount,
			AllocatedAmount: decimal.Zero,
			CreatedAt:       now,
		}

		if in.PlanID != nil {
			plan, err := tx.GetPlan(ctx, *in.PlanID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && plan.AccountID != account.ID) {
				return fmt.Errorf("%w: %s", ErrUnknownPlan, in.PlanID)
			}
			if err != nil {
				return err
			}

			allocated, err := plan.Allocate(in.Amount, now)
			if err != nil {
				return err
			}
			plan.UpdatedAt = now
			if err := tx.UpdatePlan(ctx, plan); err != nil {
				return err
			}
			payment.AllocatedAmount = allocated
			result.Plan = plan
		}

		excess, err := account.Credit(in.Amount)
		if err != nil {
			return err
		}
		account.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		payment.ExcessAmount = excess

		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if err := l.journal(ctx, tx, account.ID, in.PlanID, in.Amount, models.TransactionTypePayment); err != nil {
			return err
		}
		if excess.IsPositive() {
			if err := l.journal(ctx, tx, account.ID, in.PlanID, excess, models.TransactionTypeCreditBalance); err != nil {
				return err
			}
		}

		result.Payment = payment
		result.Account = account
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("account_id", in.AccountID).Warn("Payment rejected")
		return nil, err
	}

	entry := l.log.WithFields(logrus.Fields{
		"account_id":       in.AccountID,
		"payment_id":       result.Payment.ID,
		"amount":           in.Amount.StringFixed(2),
		"allocated":        result.Payment.AllocatedAmount.StringFixed(2),
		"available_credit": result.Account.AvailableCredit.StringFixed(2),
	})
	if result.Payment.ExcessAmount.IsPositive() {
		entry.WithField("excess", result.Payment.ExcessAmount.StringFixed(2)).Warn("Payment exceeded credit limit; excess held as credit balance")
	} else {
		entry.Info("Recorded payment")
	}
	return &result, nil
}

func (l *Ledger) journal(ctx context.Context, tx store.Storage, accountID uuid.UUID, planID *uuid.UUID, amount decimal.Decimal, typ models.TransactionType) error {
	transaction := &models.Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		PlanID:    planID,
		Amount:    amount,
		Type:      typ,
		Timestamp: l.now(),
	}
	if err := tx.CreateTransaction(ctx, transaction); err != nil {
		return fmt.Errorf("failed to store %s transaction: %w", typ, err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return l.storage.GetAccount(ctx, id)
}

// GetPlan retrieves a plan and its schedule.
func (l *Ledger) GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	return l.storage.GetPlan(ctx, id)
}

// ListPlans retrieves every plan opened on an account.
func (l *Ledger) ListPlans(ctx context.Context, accountID uuid.UUID) ([]*models.RepaymentPlan, error) {
	if _, err := l.storage.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.storage.GetPlansForAccount(ctx, accountID)
}

// EMIBalance sums what is still owed across an account's active plans.
func (l *Ledger) EMIBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	plans, err := l.ListPlans(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range plans {
		if p.Status == models.PlanStatusActive {
			total = total.Add(p.OutstandingTotal)
		}
	}
	return total, nil
}

// ListTransactions retrieves an account's journal.
func (l *Ledger) ListTransactions(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	if _, err := l.storage.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.storage.GetTransactionsForAccount(ctx, accountID)
}

// ListPayments retrieves an account's payments.
func (l *Ledger) ListPayments(ctx context.Context, accountID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.storage.GetPaymentsForAccount(ctx, accountID)
}

// ListPenalties retrieves the penalties charged against a plan.
func (l *Ledger) ListPenalties(ctx context.Context, planID uuid.UUID) ([]*models.Penalty, error) {
	if _, err := l.storage.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return l.storage.GetPenaltiesForPlan(ctx, planID)
}
