// Package store provides billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluentclass/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.DB with plain maps. WithTx takes a snapshot
// and restores it when fn fails, giving the same all-or-nothing semantics
// as a database transaction. Single writer at a time, like the SQLite
// store.
type Memory struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	budgets      map[billing.BudgetID]billing.Budget
	budgetIndex  map[billing.StudentID]billing.BudgetID
	transactions map[billing.BudgetID][]billing.BalanceTransaction
	lessonTx     map[lessonTxKey]billing.TransactionID
	enrollments  map[billing.EnrollmentID]billing.Enrollment
	lessons      map[billing.LessonID]billing.Lesson
	payments     map[billing.PaymentID]billing.Payment
}

type lessonTxKey struct {
	LessonID billing.LessonID
	Type     billing.TransactionType
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() state {
	return state{
		budgets:      make(map[billing.BudgetID]billing.Budget),
		budgetIndex:  make(map[billing.StudentID]billing.BudgetID),
		transactions: make(map[billing.BudgetID][]billing.BalanceTransaction),
		lessonTx:     make(map[lessonTxKey]billing.TransactionID),
		enrollments:  make(map[billing.EnrollmentID]billing.Enrollment),
		lessons:      make(map[billing.LessonID]billing.Lesson),
		payments:     make(map[billing.PaymentID]billing.Payment),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.budgets {
		c.budgets[k] = v
	}
	for k, v := range s.budgetIndex {
		c.budgetIndex[k] = v
	}
	for k, v := range s.transactions {
		txs := make([]billing.BalanceTransaction, len(v))
		copy(txs, v)
		c.transactions[k] = txs
	}
	for k, v := range s.lessonTx {
		c.lessonTx[k] = v
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.lessons {
		c.lessons[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// WithTx runs fn against the store under the write lock. On error the
// pre-fn snapshot is restored, discarding everything fn wrote.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView exposes the locked state to the unit-of-work closure without
// re-acquiring the mutex.
type txView struct {
	state *state
}

// =============================================================================
// BUDGETS
// =============================================================================

func (m *Memory) BudgetByStudent(ctx context.Context, id billing.StudentID) (*billing.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).BudgetByStudent(ctx, id)
}

func (v *txView) BudgetByStudent(_ context.Context, id billing.StudentID) (*billing.Budget, error) {
	budgetID, ok := v.state.budgetIndex[id]
	if !ok {
		return nil, nil
	}
	b := v.state.budgets[budgetID]
	return &b, nil
}

func (m *Memory) CreateBudget(ctx context.Context, b *billing.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).CreateBudget(ctx, b)
}

func (v *txView) CreateBudget(_ context.Context, b *billing.Budget) error {
	if _, ok := v.state.budgetIndex[b.StudentID]; ok {
		return billing.ErrDuplicateBudget
	}
	v.state.budgets[b.ID] = *b
	v.state.budgetIndex[b.StudentID] = b.ID
	return nil
}

func (m *Memory) UpdateBudgetBalance(ctx context.Context, id billing.BudgetID, balance decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).UpdateBudgetBalance(ctx, id, balance, at)
}

func (v *txView) UpdateBudgetBalance(_ context.Context, id billing.BudgetID, balance decimal.Decimal, at time.Time) error {
	b, ok := v.state.budgets[id]
	if !ok {
		return billing.ErrBudgetNotFound
	}
	b.CurrentBalance = balance
	b.UpdatedAt = at
	v.state.budgets[id] = b
	return nil
}

// =============================================================================
// BALANCE TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(ctx context.Context, tx *billing.BalanceTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).AppendTransaction(ctx, tx)
}

func (v *txView) AppendTransaction(_ context.Context, tx *billing.BalanceTransaction) error {
	if tx.LessonID != "" && chargeLike(tx.Type) {
		k := lessonTxKey{LessonID: tx.LessonID, Type: tx.Type}
		if _, ok := v.state.lessonTx[k]; ok {
			return billing.ErrDuplicateLessonTransaction
		}
		v.state.lessonTx[k] = tx.ID
	}
	v.state.transactions[tx.BudgetID] = append(v.state.transactions[tx.BudgetID], *tx)
	return nil
}

// chargeLike mirrors the partial unique index in the SQLite schema.
func chargeLike(t billing.TransactionType) bool {
	return t == billing.TxLessonCharge || t == billing.TxLessonRefund
}

func (m *Memory) LessonTransaction(ctx context.Context, lessonID billing.LessonID, txType billing.TransactionType) (*billing.BalanceTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).LessonTransaction(ctx, lessonID, txType)
}

func (v *txView) LessonTransaction(_ context.Context, lessonID billing.LessonID, txType billing.TransactionType) (*billing.BalanceTransaction, error) {
	for _, txs := range v.state.transactions {
		for i := range txs {
			if txs[i].LessonID == lessonID && txs[i].Type == txType {
				tx := txs[i]
				return &tx, nil
			}
		}
	}
	return nil, nil
}

func (m *Memory) PaymentTransactions(ctx context.Context, paymentID billing.PaymentID, txType billing.TransactionType) ([]billing.BalanceTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).PaymentTransactions(ctx, paymentID, txType)
}

func (v *txView) PaymentTransactions(_ context.Context, paymentID billing.PaymentID, txType billing.TransactionType) ([]billing.BalanceTransaction, error) {
	var out []billing.BalanceTransaction
	for _, txs := range v.state.transactions {
		for i := range txs {
			if txs[i].PaymentID == paymentID && txs[i].Type == txType {
				out = append(out, txs[i])
			}
		}
	}
	return out, nil
}

func (m *Memory) Transactions(ctx context.Context, budgetID billing.BudgetID) ([]billing.BalanceTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).Transactions(ctx, budgetID)
}

func (v *txView) Transactions(_ context.Context, budgetID billing.BudgetID) ([]billing.BalanceTransaction, error) {
	txs := v.state.transactions[budgetID]
	out := make([]billing.BalanceTransaction, len(txs))
	copy(out, txs)
	return out, nil
}

func (m *Memory) TransactionPage(ctx context.Context, budgetID billing.BudgetID, f billing.HistoryFilter) ([]billing.BalanceTransaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).TransactionPage(ctx, budgetID, f)
}

func (v *txView) TransactionPage(_ context.Context, budgetID billing.BudgetID, f billing.HistoryFilter) ([]billing.BalanceTransaction, int, error) {
	f.Normalize()

	var matched []billing.BalanceTransaction
	for _, tx := range v.state.transactions[budgetID] {
		if f.Type != nil && tx.Type != *f.Type {
			continue
		}
		if f.From != nil && tx.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && tx.CreatedAt.After(*f.To) {
			continue
		}
		matched = append(matched, tx)
	}

	// Newest first; the backing slice is in append order.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	page := make([]billing.BalanceTransaction, end-start)
	copy(page, matched[start:end])
	return page, total, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (m *Memory) Enrollment(ctx context.Context, id billing.EnrollmentID) (*billing.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).Enrollment(ctx, id)
}

func (v *txView) Enrollment(_ context.Context, id billing.EnrollmentID) (*billing.Enrollment, error) {
	e, ok := v.state.enrollments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) CreateEnrollment(ctx context.Context, e *billing.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).CreateEnrollment(ctx, e)
}

func (v *txView) CreateEnrollment(_ context.Context, e *billing.Enrollment) error {
	v.state.enrollments[e.ID] = *e
	return nil
}

func (m *Memory) UpdateEnrollmentHours(ctx context.Context, id billing.EnrollmentID, hoursUsed decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).UpdateEnrollmentHours(ctx, id, hoursUsed, at)
}

func (v *txView) UpdateEnrollmentHours(_ context.Context, id billing.EnrollmentID, hoursUsed decimal.Decimal, at time.Time) error {
	e, ok := v.state.enrollments[id]
	if !ok {
		return billing.ErrEnrollmentNotFound
	}
	e.HoursUsed = hoursUsed
	e.UpdatedAt = at
	v.state.enrollments[id] = e
	return nil
}

// =============================================================================
// LESSONS
// =============================================================================

func (m *Memory) Lesson(ctx context.Context, id billing.LessonID) (*billing.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).Lesson(ctx, id)
}

func (v *txView) Lesson(_ context.Context, id billing.LessonID) (*billing.Lesson, error) {
	l, ok := v.state.lessons[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *Memory) CreateLesson(ctx context.Context, l *billing.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).CreateLesson(ctx, l)
}

func (v *txView) CreateLesson(_ context.Context, l *billing.Lesson) error {
	v.state.lessons[l.ID] = *l
	return nil
}

func (m *Memory) UpdateLessonStatus(ctx context.Context, id billing.LessonID, status billing.LessonStatus, completedAt, cancelledAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).UpdateLessonStatus(ctx, id, status, completedAt, cancelledAt, at)
}

func (v *txView) UpdateLessonStatus(_ context.Context, id billing.LessonID, status billing.LessonStatus, completedAt, cancelledAt *time.Time, at time.Time) error {
	l, ok := v.state.lessons[id]
	if !ok {
		return billing.ErrLessonNotFound
	}
	l.Status = status
	l.CompletedAt = completedAt
	l.CancelledAt = cancelledAt
	l.UpdatedAt = at
	v.state.lessons[id] = l
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) Payment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).Payment(ctx, id)
}

func (v *txView) Payment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	p, ok := v.state.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) OpenPaymentByLesson(ctx context.Context, lessonID billing.LessonID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).OpenPaymentByLesson(ctx, lessonID)
}

func (v *txView) OpenPaymentByLesson(_ context.Context, lessonID billing.LessonID) (*billing.Payment, error) {
	for _, p := range v.state.payments {
		if p.LessonID == lessonID && p.Status.Open() {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) PendingPaymentsDueBefore(ctx context.Context, asOf time.Time) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&txView{state: &m.state}).PendingPaymentsDueBefore(ctx, asOf)
}

func (v *txView) PendingPaymentsDueBefore(_ context.Context, asOf time.Time) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range v.state.payments {
		if p.Status == billing.PaymentPending && p.DueDate.Before(asOf) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (m *Memory) CreatePayment(ctx context.Context, p *billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).CreatePayment(ctx, p)
}

func (v *txView) CreatePayment(_ context.Context, p *billing.Payment) error {
	v.state.payments[p.ID] = *p
	return nil
}

func (m *Memory) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).UpdatePaymentStatus(ctx, id, status, at)
}

func (v *txView) UpdatePaymentStatus(_ context.Context, id billing.PaymentID, status billing.PaymentStatus, at time.Time) error {
	p, ok := v.state.payments[id]
	if !ok {
		return billing.ErrPaymentNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	v.state.payments[id] = p
	return nil
}

func (m *Memory) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{state: &m.state}).DeletePayment(ctx, id)
}

func (v *txView) DeletePayment(_ context.Context, id billing.PaymentID) error {
	delete(v.state.payments, id)
	return nil
}
