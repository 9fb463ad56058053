package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/models"
)

type memState struct {
	accounts     map[uuid.UUID]*models.Account
	purchases    map[uuid.UUID]*models.Purchase
	plans        map[uuid.UUID]*models.RepaymentPlan
	payments     []*models.Payment
	penalties    []*models.Penalty
	transactions []*models.Transaction
}

func newMemState() *memState {
	return &memState{
		accounts:  make(map[uuid.UUID]*models.Account),
		purchases: make(map[uuid.UUID]*models.Purchase),
		plans:     make(map[uuid.UUID]*models.RepaymentPlan),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for k, v := range st.accounts {
		c.accounts[k] = cloneAccount(v)
	}
	for k, v := range st.purchases {
		c.purchases[k] = clonePurchase(v)
	}
	for k, v := range st.plans {
		c.plans[k] = clonePlan(v)
	}
	c.payments = append(c.payments, st.payments...)
	c.penalties = append(c.penalties, st.penalties...)
	c.transactions = append(c.transactions, st.transactions...)
	return c
}

// MemoryStore is an in-process Storage. Entities are copied on the way in and out
// so callers never share state with the store.
type MemoryStore struct {
	mu   *sync.RWMutex
	txMu *sync.Mutex
	st   *memState
	inTx bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:   &sync.RWMutex{},
		txMu: &sync.Mutex{},
		st:   newMemState(),
	}
}

// exclusive orders a call made outside a transaction after any running one.
func (m *MemoryStore) exclusive() func() {
	if m.inTx {
		return func() {}
	}
	m.txMu.Lock()
	return m.txMu.Unlock
}

// WithinTx snapshots the store and restores the snapshot if fn fails. Calls on the
// outer store block until fn returns, so fn must only use the Storage it is given.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Storage) error) error {
	if m.inTx {
		return fn(m)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.st.clone()
	m.mu.RUnlock()

	if err := fn(&MemoryStore{mu: m.mu, txMu: m.txMu, st: m.st, inTx: true}); err != nil {
		m.mu.Lock()
		*m.st = *snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	return &c
}

func clonePurchase(p *models.Purchase) *models.Purchase {
	c := *p
	if p.PlanID != nil {
		id := *p.PlanID
		c.PlanID = &id
	}
	return &c
}

func clonePlan(p *models.RepaymentPlan) *models.RepaymentPlan {
	c := *p
	c.Installments = make([]models.Installment, len(p.Installments))
	copy(c.Installments, p.Installments)
	for i := range c.Installments {
		if t := c.Installments[i].PaidAt; t != nil {
			v := *t
			c.Installments[i].PaidAt = &v
		}
		if t := c.Installments[i].PenalizedAt; t != nil {
			v := *t
			c.Installments[i].PenalizedAt = &v
		}
	}
	return &c
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *models.Account) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.accounts[a.ID]; ok {
		return fmt.Errorf("failed to create account: duplicate id %s", a.ID)
	}
	m.st.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	defer m.exclusive()()
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %w", ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, a *models.Account) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.accounts[a.ID]; !ok {
		return fmt.Errorf("account %w", ErrNotFound)
	}
	m.st.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (m *MemoryStore) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.accounts[p.AccountID]; !ok {
		return fmt.Errorf("failed to create purchase: account %w", ErrNotFound)
	}
	m.st.purchases[p.ID] = clonePurchase(p)
	return nil
}

func (m *MemoryStore) GetPurchase(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	defer m.exclusive()()
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.purchases[id]
	if !ok {
		return nil, fmt.Errorf("purchase %w", ErrNotFound)
	}
	return clonePurchase(p), nil
}

func (m *MemoryStore) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.st.purchases[p.ID]
	if !ok || existing.PlanID != nil {
		return fmt.Errorf("unlinked purchase %w", ErrNotFound)
	}
	m.st.purchases[p.ID] = clonePurchase(p)
	return nil
}

func (m *MemoryStore) CreatePlan(ctx context.Context, p *models.RepaymentPlan) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.plans {
		if existing.PurchaseID == p.PurchaseID {
			return fmt.Errorf("failed to create repayment plan: purchase %s already has plan %s", p.PurchaseID, existing.ID)
		}
	}
	m.st.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	defer m.exclusive()()
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.plans[id]
	if !ok {
		return nil, fmt.Errorf("repayment plan %w", ErrNotFound)
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) UpdatePlan(ctx context.Context, p *models.RepaymentPlan) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.plans[p.ID]; !ok {
		return fmt.Errorf("repayment plan %w", ErrNotFound)
	}
	m.st.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStore) collectPlans(keep func(*models.RepaymentPlan) bool) []*models.RepaymentPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plans := []*models.RepaymentPlan{}
	for _, p := range m.st.plans {
		if keep(p) {
			plans = append(plans, clonePlan(p))
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans
}

func (m *MemoryStore) GetPlansForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.RepaymentPlan, error) {
	defer m.exclusive()()
	return m.collectPlans(func(p *models.RepaymentPlan) bool { return p.AccountID == accountID }), nil
}

func (m *MemoryStore) GetAllActivePlans(ctx context.Context) ([]*models.RepaymentPlan, error) {
	defer m.exclusive()()
	return m.collectPlans(func(p *models.RepaymentPlan) bool { return p.Status == models.PlanStatusActive }), nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.st.payments = append(m.st.payments, &c)
	return nil
}

func (m *MemoryStore) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Payment, error) {
	defer m.exclusive()()
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := []*models.Payment{}
	for _, p := range m.st.payments {
		if p.AccountID == accountID {
			c := *p
			payments = append(payments, &c)
		}
	}
	return payments, nil
}

func (m *MemoryStore) CreatePenalty(ctx context.Context, p *models.Penalty) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.penalties {
		if existing.PeriodKey == p.PeriodKey {
			return fmt.Errorf("failed to create penalty: period %s already charged", p.PeriodKey)
		}
	}
	c := *p
	m.st.penalties = append(m.st.penalties, &c)
	return nil
}

func (m *MemoryStore) GetPenaltiesForPlan(ctx context.Context, planID uuid.UUID) ([]*models.Penalty, error) {
	defer m.exclusive()()
	m.mu.RLock()
	defer m.mu.RUnlock()
	penalties := []*models.Penalty{}
	for _, p := range m.st.penalties {
		if p.PlanID == planID {
			c := *p
			penalties = append(penalties, &c)
		}
	}
	sort.SliceStable(penalties, func(i, j int) bool {
		return penalties[i].InstallmentSequence < penalties[j].InstallmentSequence
	})
	return penalties, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	defer m.exclusive()()
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.st.transactions = append(m.st.transactions, &c)
	return nil
}

func (m *MemoryStore) GetTransactionsForAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	defer m.exclusive()()
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := []*models.Transaction{}
	for _, t := range m.st.transactions {
		if t.AccountID == accountID {
			c := *t
			txs = append(txs, &c)
		}
	}
	return txs, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
