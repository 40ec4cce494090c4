/*
store.go - Persistence interfaces and the unit-of-work boundary

PURPOSE:
  Defines the contract between the billing services and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage (store/memory.go, for tests).

UNIT OF WORK:
  Every mutating ledger/coordinator operation reads state, computes new
  values, and writes both the owning row and the appended transaction as
  one atomic unit. DB makes that boundary explicit in the type signature:
  the closure passed to WithTx receives a Store bound to one database
  transaction, and the whole closure commits or rolls back together.

  Two concurrent operations on the same student must serialize: the
  SQLite implementation holds a write lock for the duration of WithTx; a
  PostgreSQL implementation would use SELECT ... FOR UPDATE on the budget
  row instead.

APPEND-ONLY CONTRACT:
  balance transactions have no Update or Delete. Corrections are recorded
  as new entries (refunds, adjustments).

SEE ALSO:
  - ../store/sqlite/sqlite.go: production implementation
  - store/memory.go: in-memory implementation for tests
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - One interface bundle per aggregate
// =============================================================================

// BudgetStore persists budgets and their append-only transaction logs.
type BudgetStore interface {
	// BudgetByStudent returns the student's budget, or nil when absent.
	BudgetByStudent(ctx context.Context, studentID StudentID) (*Budget, error)

	// CreateBudget inserts a new budget. Returns ErrDuplicateBudget when
	// the student already has one (benign first-use race).
	CreateBudget(ctx context.Context, b *Budget) error

	// UpdateBudgetBalance sets the running balance. Only the ledger
	// service calls this, always alongside AppendTransaction.
	UpdateBudgetBalance(ctx context.Context, id BudgetID, balance decimal.Decimal, at time.Time) error

	// AppendTransaction writes one ledger entry. Returns
	// ErrDuplicateLessonTransaction when the unique (lesson_id, tx_type)
	// index rejects a second charge or refund for the same lesson.
	AppendTransaction(ctx context.Context, tx *BalanceTransaction) error

	// LessonTransaction returns the entry of the given type for a lesson,
	// or nil when none exists. Backs the double-charge/refund guards.
	LessonTransaction(ctx context.Context, lessonID LessonID, txType TransactionType) (*BalanceTransaction, error)

	// PaymentTransactions returns every entry of the given type tagged
	// with a payment id, oldest first. A payment can accumulate several
	// deposit/refund pairs over repeated complete/uncomplete cycles, so
	// revert lookups compare counts rather than mere existence.
	PaymentTransactions(ctx context.Context, paymentID PaymentID, txType TransactionType) ([]BalanceTransaction, error)

	// Transactions returns all entries for a budget in creation order.
	Transactions(ctx context.Context, budgetID BudgetID) ([]BalanceTransaction, error)

	// TransactionPage returns one page of entries, newest first, plus the
	// total count matching the filter.
	TransactionPage(ctx context.Context, budgetID BudgetID, f HistoryFilter) ([]BalanceTransaction, int, error)
}

// EnrollmentStore persists enrollments and their hour counters.
type EnrollmentStore interface {
	// Enrollment returns the enrollment, or nil when absent.
	Enrollment(ctx context.Context, id EnrollmentID) (*Enrollment, error)

	CreateEnrollment(ctx context.Context, e *Enrollment) error

	// UpdateEnrollmentHours sets the consumed-hours counter.
	UpdateEnrollmentHours(ctx context.Context, id EnrollmentID, hoursUsed decimal.Decimal, at time.Time) error
}

// LessonStore persists lessons.
type LessonStore interface {
	// Lesson returns the lesson, or nil when absent.
	Lesson(ctx context.Context, id LessonID) (*Lesson, error)

	CreateLesson(ctx context.Context, l *Lesson) error

	// UpdateLessonStatus sets status and the matching lifecycle timestamp.
	UpdateLessonStatus(ctx context.Context, id LessonID, status LessonStatus, completedAt, cancelledAt *time.Time, at time.Time) error
}

// PaymentStore persists per-lesson payment records.
type PaymentStore interface {
	// Payment returns the payment, or nil when absent.
	Payment(ctx context.Context, id PaymentID) (*Payment, error)

	// OpenPaymentByLesson returns the lesson's PENDING or COMPLETED
	// payment, or nil. At most one such payment exists per lesson.
	OpenPaymentByLesson(ctx context.Context, lessonID LessonID) (*Payment, error)

	CreatePayment(ctx context.Context, p *Payment) error

	UpdatePaymentStatus(ctx context.Context, id PaymentID, status PaymentStatus, at time.Time) error

	// PendingPaymentsDueBefore returns PENDING payments whose due date has
	// passed. The overdue sweeper flips these to OVERDUE.
	PendingPaymentsDueBefore(ctx context.Context, asOf time.Time) ([]Payment, error)

	// DeletePayment removes a payment row. Callers must only delete
	// PENDING payments; completed payments are financial records.
	DeletePayment(ctx context.Context, id PaymentID) error
}

// Store bundles all aggregates. Inside WithTx, every method runs against
// the same database transaction.
type Store interface {
	BudgetStore
	EnrollmentStore
	LessonStore
	PaymentStore
}

// DB is a Store that can open unit-of-work transactions. Direct method
// calls on DB run in autocommit mode (reads, test seeding); all service
// mutations go through WithTx.
type DB interface {
	Store

	// WithTx executes fn within one transaction. If fn returns an error
	// the transaction is rolled back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// HISTORY FILTER - Read API paging and filtering
// =============================================================================

// HistoryFilter selects a page of a budget's transaction history.
type HistoryFilter struct {
	Type     *TransactionType
	From     *time.Time
	To       *time.Time
	Page     int // 1-based
	PageSize int
}

// Normalize clamps paging values to sane defaults.
func (f *HistoryFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 50
	}
}

// Offset returns the row offset for the current page.
func (f *HistoryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
