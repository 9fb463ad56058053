package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// querier is the subset of *sql.DB and *sql.Tx the store runs statements through.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists the ledger in SQLite or PostgreSQL. Decimal fields are kept as
// TEXT so no precision is lost in either engine.
type SQLStore struct {
	db      *sql.DB
	q       querier
	tx      *sql.Tx
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLStore{db: db, q: db, dialect: d}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist.
func (s *SQLStore) initSchema() error {
	// go-sqlite3 only hands back time.Time for TIMESTAMP/DATETIME columns.
	ts := "TIMESTAMP"
	if s.dialect == dialectPostgres {
		ts = "TIMESTAMPTZ"
	}

	schema := strings.ReplaceAll(`
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		credit_score INTEGER NOT NULL DEFAULT 0,
		credit_limit TEXT NOT NULL,
		available_credit TEXT NOT NULL,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	);
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		is_instalment BOOLEAN NOT NULL DEFAULT FALSE,
		plan_id TEXT,
		created_at {ts} NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repayment_plans (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		purchase_id TEXT NOT NULL UNIQUE REFERENCES purchases(id),
		principal TEXT NOT NULL,
		annual_interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		monthly_installment TEXT NOT NULL,
		penalty_rate TEXT NOT NULL,
		outstanding_total TEXT NOT NULL,
		start_date {ts} NOT NULL,
		status TEXT NOT NULL,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		plan_id TEXT NOT NULL REFERENCES repayment_plans(id),
		sequence_number INTEGER NOT NULL,
		due_date {ts} NOT NULL,
		amount TEXT NOT NULL,
		penalty TEXT NOT NULL DEFAULT '0',
		paid_amount TEXT NOT NULL DEFAULT '0',
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		paid_at {ts},
		penalized_at {ts},
		PRIMARY KEY (plan_id, sequence_number)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		plan_id TEXT REFERENCES repayment_plans(id),
		amount TEXT NOT NULL,
		allocated_amount TEXT NOT NULL,
		excess_amount TEXT NOT NULL,
		created_at {ts} NOT NULL
	);
	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		plan_id TEXT NOT NULL REFERENCES repayment_plans(id),
		installment_sequence INTEGER NOT NULL,
		period_key TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		created_at {ts} NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		plan_id TEXT,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		occurred_at {ts} NOT NULL
	);
	`, "{ts}", ts)

	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate makes a single-row read inside a PostgreSQL transaction hold the row
// lock until commit, so ledger instances sharing one database never act on the
// same account or plan at once. SQLite already serializes on its one connection.
func (s *SQLStore) forUpdate(query string) string {
	if s.tx == nil || s.dialect != dialectPostgres {
		return query
	}
	return query + " FOR UPDATE"
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// WithinTx runs fn inside a database transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(Storage) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLStore{db: s.db, q: tx, tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func expectOneRow(result sql.Result, entity string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %w", entity, ErrNotFound)
	}
	return nil
}

func nullID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func idPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// CreateAccount inserts a new account.
func (s *SQLStore) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := s.exec(ctx,
		`INSERT INTO accounts (id, name, email, credit_score, credit_limit, available_credit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Name, a.Email, a.CreditScore, a.CreditLimit, a.AvailableCredit, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (s *SQLStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := s.queryRow(ctx,
		s.forUpdate(`SELECT id, name, email, credit_score, credit_limit, available_credit, created_at, updated_at FROM accounts WHERE id = ?`),
		id.String(),
	).Scan(&a.ID, &a.Name, &a.Email, &a.CreditScore, &a.CreditLimit, &a.AvailableCredit, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// UpdateAccount saves the mutable account fields.
func (s *SQLStore) UpdateAccount(ctx context.Context, a *models.Account) error {
	result, err := s.exec(ctx,
		`UPDATE accounts SET name = ?, email = ?, credit_score = ?, available_credit = ?, updated_at = ? WHERE id = ?`,
		a.Name, a.Email, a.CreditScore, a.AvailableCredit, a.UpdatedAt, a.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return expectOneRow(result, "account")
}

// CreatePurchase inserts a new purchase.
func (s *SQLStore) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	_, err := s.exec(ctx,
		`INSERT INTO purchases (id, account_id, amount, is_instalment, plan_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AccountID.String(), p.Amount, p.IsInstalment, nullID(p.PlanID), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// GetPurchase retrieves a purchase by its ID.
func (s *SQLStore) GetPurchase(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	var p models.Purchase
	var planID uuid.NullUUID
	err := s.queryRow(ctx,
		s.forUpdate(`SELECT id, account_id, amount, is_instalment, plan_id, created_at FROM purchases WHERE id = ?`),
		id.String(),
	).Scan(&p.ID, &p.AccountID, &p.Amount, &p.IsInstalment, &planID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("purchase %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	p.PlanID = idPtr(planID)
	return &p, nil
}

// UpdatePurchase links a purchase to its plan. The link is only ever written once.
func (s *SQLStore) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	result, err := s.exec(ctx,
		`UPDATE purchases SET plan_id = ? WHERE id = ? AND plan_id IS NULL`,
		nullID(p.PlanID), p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	return expectOneRow(result, "unlinked purchase")
}

// CreatePlan inserts a plan together with its instalments.
func (s *SQLStore) CreatePlan(ctx context.Context, p *models.RepaymentPlan) error {
	return s.WithinTx(ctx, func(st Storage) error {
		tx := st.(*SQLStore)
		_, err := tx.exec(ctx,
			`INSERT INTO repayment_plans (id, account_id, purchase_id, principal, annual_interest_rate, term_months, monthly_installment, penalty_rate, outstanding_total, start_date, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.AccountID.String(), p.PurchaseID.String(), p.Principal, p.AnnualInterestRate, p.TermMonths,
			p.MonthlyInstallment, p.PenaltyRate, p.OutstandingTotal, p.StartDate, p.Status, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create repayment plan: %w", err)
		}

		for _, inst := range p.Installments {
			_, err := tx.exec(ctx,
				`INSERT INTO installments (plan_id, sequence_number, due_date, amount, penalty, paid_amount, paid, paid_at, penalized_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID.String(), inst.SequenceNumber, inst.DueDate, inst.Amount, inst.Penalty, inst.PaidAmount, inst.Paid, inst.PaidAt, inst.PenalizedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to create installment %d: %w", inst.SequenceNumber, err)
			}
		}
		return nil
	})
}

const planColumns = `id, account_id, purchase_id, principal, annual_interest_rate, term_months, monthly_installment, penalty_rate, outstanding_total, start_date, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*models.RepaymentPlan, error) {
	var p models.RepaymentPlan
	err := row.Scan(&p.ID, &p.AccountID, &p.PurchaseID, &p.Principal, &p.AnnualInterestRate, &p.TermMonths,
		&p.MonthlyInstallment, &p.PenaltyRate, &p.OutstandingTotal, &p.StartDate, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlan retrieves a plan with its schedule.
func (s *SQLStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	p, err := scanPlan(s.queryRow(ctx, s.forUpdate(`SELECT `+planColumns+` FROM repayment_plans WHERE id = ?`), id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("repayment plan %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get repayment plan: %w", err)
	}
	if err := s.loadInstallments(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) loadInstallments(ctx context.Context, p *models.RepaymentPlan) error {
	rows, err := s.query(ctx,
		`SELECT sequence_number, due_date, amount, penalty, paid_amount, paid, paid_at, penalized_at
		FROM installments WHERE plan_id = ? ORDER BY sequence_number ASC`,
		p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to get installments for plan %s: %w", p.ID, err)
	}
	defer rows.Close()

	p.Installments = p.Installments[:0]
	for rows.Next() {
		var inst models.Installment
		var paidAt, penalizedAt sql.NullTime
		if err := rows.Scan(&inst.SequenceNumber, &inst.DueDate, &inst.Amount, &inst.Penalty, &inst.PaidAmount, &inst.Paid, &paidAt, &penalizedAt); err != nil {
			return fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.PaidAt = timePtr(paidAt)
		inst.PenalizedAt = timePtr(penalizedAt)
		p.Installments = append(p.Installments, inst)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return nil
}

// UpdatePlan saves the plan's running totals and every instalment's state.
func (s *SQLStore) UpdatePlan(ctx context.Context, p *models.RepaymentPlan) error {
	return s.WithinTx(ctx, func(st Storage) error {
		tx := st.(*SQLStore)
		result, err := tx.exec(ctx,
			`UPDATE repayment_plans SET penalty_rate = ?, outstanding_total = ?, status = ?, updated_at = ? WHERE id = ?`,
			p.PenaltyRate, p.OutstandingTotal, p.Status, p.UpdatedAt, p.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update repayment plan: %w", err)
		}
		if err := expectOneRow(result, "repayment plan"); err != nil {
			return err
		}

		for _, inst := range p.Installments {
			_, err := tx.exec(ctx,
				`UPDATE installments SET penalty = ?, paid_amount = ?, paid = ?, paid_at = ?, penalized_at = ?
				WHERE plan_id = ? AND sequence_number = ?`,
				inst.Penalty, inst.PaidAmount, inst.Paid, inst.PaidAt, inst.PenalizedAt, p.ID.String(), inst.SequenceNumber,
			)
			if err != nil {
				return fmt.Errorf("failed to update installment %d: %w", inst.SequenceNumber, err)
			}
		}
		return nil
	})
}

// GetPlansForAccount retrieves every plan an account owns, oldest first.
func (s *SQLStore) GetPlansForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.RepaymentPlan, error) {
	return s.queryPlans(ctx, `SELECT `+planColumns+` FROM repayment_plans WHERE account_id = ? ORDER BY created_at ASC`, accountID.String())
}

// GetAllActivePlans retrieves every plan that still has unpaid instalments.
func (s *SQLStore) GetAllActivePlans(ctx context.Context) ([]*models.RepaymentPlan, error) {
	return s.queryPlans(ctx, `SELECT `+planColumns+` FROM repayment_plans WHERE status = ? ORDER BY created_at ASC`, string(models.PlanStatusActive))
}

func (s *SQLStore) queryPlans(ctx context.Context, query string, args ...any) ([]*models.RepaymentPlan, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayment plans: %w", err)
	}

	plans := []*models.RepaymentPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan repayment plan row: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	// Instalments are loaded once the cursor is released; a transaction can only
	// serve one result set at a time.
	rows.Close()

	for _, p := range plans {
		if err := s.loadInstallments(ctx, p); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// CreatePayment inserts a payment record.
func (s *SQLStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.exec(ctx,
		`INSERT INTO payments (id, account_id, plan_id, amount, allocated_amount, excess_amount, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AccountID.String(), nullID(p.PlanID), p.Amount, p.AllocatedAmount, p.ExcessAmount, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPaymentsForAccount retrieves an account's payments in the order they were made.
func (s *SQLStore) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.query(ctx,
		`SELECT id, account_id, plan_id, amount, allocated_amount, excess_amount, created_at FROM payments WHERE account_id = ? ORDER BY created_at ASC`,
		accountID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for account %s: %w", accountID, err)
	}
	defer rows.Close()

	payments := []*models.Payment{}
	for rows.Next() {
		var p models.Payment
		var planID uuid.NullUUID
		if err := rows.Scan(&p.ID, &p.AccountID, &planID, &p.Amount, &p.AllocatedAmount, &p.ExcessAmount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.PlanID = idPtr(planID)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// CreatePenalty inserts a penalty. The unique period key rejects a second charge
// for the same overdue period.
func (s *SQLStore) CreatePenalty(ctx context.Context, p *models.Penalty) error {
	_, err := s.exec(ctx,
		`INSERT INTO penalties (id, account_id, plan_id, installment_sequence, period_key, amount, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AccountID.String(), p.PlanID.String(), p.InstallmentSequence, p.PeriodKey, p.Amount, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create penalty: %w", err)
	}
	return nil
}

// GetPenaltiesForPlan retrieves the penalties charged against a plan.
func (s *SQLStore) GetPenaltiesForPlan(ctx context.Context, planID uuid.UUID) ([]*models.Penalty, error) {
	rows, err := s.query(ctx,
		`SELECT id, account_id, plan_id, installment_sequence, period_key, amount, created_at
		FROM penalties WHERE plan_id = ? ORDER BY installment_sequence ASC`,
		planID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get penalties for plan %s: %w", planID, err)
	}
	defer rows.Close()

	penalties := []*models.Penalty{}
	for rows.Next() {
		var p models.Penalty
		if err := rows.Scan(&p.ID, &p.AccountID, &p.PlanID, &p.InstallmentSequence, &p.PeriodKey, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan penalty row: %w", err)
		}
		penalties = append(penalties, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for penalties: %w", err)
	}
	return penalties, nil
}

// CreateTransaction inserts a journal entry.
func (s *SQLStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := s.exec(ctx,
		`INSERT INTO transactions (id, account_id, plan_id, amount, type, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.AccountID.String(), nullID(t.PlanID), t.Amount, string(t.Type), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForAccount retrieves an account's journal in chronological order.
func (s *SQLStore) GetTransactionsForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.query(ctx,
		`SELECT id, account_id, plan_id, amount, type, occurred_at FROM transactions WHERE account_id = ? ORDER BY occurred_at ASC`,
		accountID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for account %s: %w", accountID, err)
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		var planID uuid.NullUUID
		if err := rows.Scan(&t.ID, &t.AccountID, &planID, &t.Amount, &t.Type, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		t.PlanID = idPtr(planID)
		transactions = append(transactions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for account transactions: %w", err)
	}
	return transactions, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
