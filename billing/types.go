/*
Package billing provides the core types of the student billing engine.

PURPOSE:
  This package contains the shared value types and persistence contracts
  used by the ledger (balance + transaction log) and the lesson lifecycle
  coordinator. It has no behavior of its own beyond invariant checks; the
  services in ledger/ and lesson/ own all mutations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Budget: a student's running balance record
  - BalanceTransaction: an immutable ledger entry recording a balance change
  - Enrollment: payment mode plus package-hour counters
  - Lesson / Payment: the entities whose lifecycle drives ledger activity
  - LedgerResult: the typed outcome of a mutating ledger operation

DESIGN PRINCIPLES:
  1. Immutability: BalanceTransactions are never modified, only appended
  2. Precision: decimal.Decimal for every balance and hour counter
  3. Type Safety: distinct ID types prevent mixing students and lessons
  4. Attribution: every transaction records who/what caused it

SEE ALSO:
  - money.go: Money value type
  - errors.go: error taxonomy (fatal vs benign no-op)
  - store.go: persistence interfaces and the unit-of-work boundary
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type OrganizationID string
type BudgetID string
type TransactionID string
type EnrollmentID string
type LessonID string
type PaymentID string

// =============================================================================
// TRANSACTION TYPES - Sign convention is implied by the type
// =============================================================================

// TransactionType classifies a ledger entry. Amounts are stored positive;
// the type determines whether the balance moved up or down.
type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"          // Payment completed, balance up
	TxLessonCharge    TransactionType = "lesson_charge"    // Lesson completed, balance down
	TxLessonRefund    TransactionType = "lesson_refund"    // Lesson uncompleted, balance up
	TxCancellationFee TransactionType = "cancellation_fee" // Late cancellation, balance down
	TxAdjustment      TransactionType = "adjustment"       // Manual correction, direction in metadata
	TxRefund          TransactionType = "refund"           // Deposit reverted, balance down
)

// Credit reports whether this type increases the balance.
// TxAdjustment is excluded: its direction lives in metadata.
func (t TransactionType) Credit() bool {
	return t == TxDeposit || t == TxLessonRefund
}

// Debit reports whether this type decreases the balance.
func (t TransactionType) Debit() bool {
	return t == TxLessonCharge || t == TxCancellationFee || t == TxRefund
}

// Metadata keys used on adjustment transactions.
const (
	MetaAdjustmentDirection = "direction" // "credit" or "debit"
)

// =============================================================================
// BUDGET - One per student, created lazily on first use
// =============================================================================

// Budget is a student's running balance. CurrentBalance may go negative:
// debt is allowed by design, in contrast to the hard-capped package hours.
//
// Mutated only through ledger operations; every change is paired with an
// appended BalanceTransaction inside the same unit of work.
type Budget struct {
	ID             BudgetID
	StudentID      StudentID
	OrganizationID OrganizationID
	CurrentBalance decimal.Decimal
	Currency       Currency
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance returns the current balance as Money.
func (b *Budget) Balance() Money {
	return Money{Value: b.CurrentBalance, Currency: b.Currency}
}

// =============================================================================
// BALANCE TRANSACTION - Append-only ledger entry
// =============================================================================

// BalanceTransaction records one balance change. The log forms a chain:
// BalanceAfter of entry n equals BalanceBefore of entry n+1 for the same
// budget, ordered by creation. Amount is always stored positive.
type BalanceTransaction struct {
	ID            TransactionID
	BudgetID      BudgetID
	Type          TransactionType
	Amount        decimal.Decimal // always positive
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Currency      Currency
	LessonID      LessonID  // set for lesson charges/refunds/fees
	PaymentID     PaymentID // set for deposits and their reverts
	CreatedBy     string    // actor for manual adjustments
	Description   string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Consistent verifies the entry's internal invariant:
// BalanceAfter = BalanceBefore ± Amount per the type's sign convention.
func (t *BalanceTransaction) Consistent() bool {
	switch {
	case t.Type.Credit():
		return t.BalanceAfter.Equal(t.BalanceBefore.Add(t.Amount))
	case t.Type.Debit():
		return t.BalanceAfter.Equal(t.BalanceBefore.Sub(t.Amount))
	case t.Type == TxAdjustment:
		if t.Metadata[MetaAdjustmentDirection] == "debit" {
			return t.BalanceAfter.Equal(t.BalanceBefore.Sub(t.Amount))
		}
		return t.BalanceAfter.Equal(t.BalanceBefore.Add(t.Amount))
	}
	return false
}

// =============================================================================
// ENROLLMENT - Payment mode and package-hour counters
// =============================================================================

// PaymentMode determines how completed lessons are billed.
type PaymentMode string

const (
	// ModePackage bills against a pre-purchased pool of hours.
	// HoursUsed may never exceed HoursPurchased: insufficient hours is a
	// hard failure at charge time, not negative inventory.
	ModePackage PaymentMode = "package"

	// ModePerLesson creates one Payment record per completed lesson.
	// Affordability is never checked: the payment is deferred credit.
	ModePerLesson PaymentMode = "per_lesson"
)

// BillingTerms configures when per-lesson payments fall due.
// Exactly one of the fields is normally set; when neither is, payments
// are due immediately.
type BillingTerms struct {
	DueDayOfMonth *int // next occurrence of this day of month
	DueDays       *int // N days from completion
}

// Enrollment links a student to a course and carries the billing state
// the coordinator acts on.
type Enrollment struct {
	ID             EnrollmentID
	StudentID      StudentID
	OrganizationID OrganizationID
	PaymentMode    PaymentMode
	HoursPurchased decimal.Decimal // package mode only
	HoursUsed      decimal.Decimal // package mode only
	PricePerLesson Money           // course fallback price
	Terms          BillingTerms
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HoursRemaining returns the unconsumed portion of the package pool.
func (e *Enrollment) HoursRemaining() decimal.Decimal {
	return e.HoursPurchased.Sub(e.HoursUsed)
}

// =============================================================================
// LESSON
// =============================================================================

type LessonStatus string

const (
	LessonScheduled           LessonStatus = "scheduled"
	LessonConfirmed           LessonStatus = "confirmed"
	LessonCompleted           LessonStatus = "completed"
	LessonCancelled           LessonStatus = "cancelled"
	LessonPendingConfirmation LessonStatus = "pending_confirmation"
	LessonNoShow              LessonStatus = "no_show"
)

// Valid reports whether s is a known lesson status.
func (s LessonStatus) Valid() bool {
	switch s {
	case LessonScheduled, LessonConfirmed, LessonCompleted,
		LessonCancelled, LessonPendingConfirmation, LessonNoShow:
		return true
	}
	return false
}

// Lesson is the unit of teaching whose completion drives billing.
type Lesson struct {
	ID              LessonID
	EnrollmentID    EnrollmentID
	Title           string
	Status          LessonStatus
	DurationMinutes int
	TeacherRate     *Money // overrides the enrollment's PricePerLesson
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Hours converts the lesson duration to decimal hours (90 min -> 1.5).
func (l *Lesson) Hours() decimal.Decimal {
	return decimal.NewFromInt(int64(l.DurationMinutes)).Div(decimal.NewFromInt(60))
}

// =============================================================================
// PAYMENT - Per-lesson billing record
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentOverdue   PaymentStatus = "overdue"
)

// Open reports whether the payment still counts against its lesson.
// At most one open payment may exist per lesson.
func (s PaymentStatus) Open() bool {
	return s == PaymentPending || s == PaymentCompleted
}

// Payment is one billing record for one completed lesson (per-lesson mode).
// A completed payment is a financial record and must never be deleted.
type Payment struct {
	ID        PaymentID
	LessonID  LessonID
	StudentID StudentID
	Status    PaymentStatus
	Amount    Money
	DueDate   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER RESULT - Typed outcome of a mutating operation
// =============================================================================

// ApplyStatus distinguishes "done" from the benign no-op cases that
// callers treat as success without effect.
type ApplyStatus string

const (
	// Applied: the mutation happened; balances and the log were written.
	Applied ApplyStatus = "applied"

	// AlreadyApplied: the same natural key (lesson or payment id) was
	// already processed. State is unchanged.
	AlreadyApplied ApplyStatus = "already_applied"

	// NothingToApply: there is nothing to act on, e.g. refunding a lesson
	// that was never charged. State is unchanged.
	NothingToApply ApplyStatus = "nothing_to_apply"
)

// LedgerResult reports what a mutating ledger operation did.
// Fatal conditions (missing budget, broken invariants) are returned as
// errors instead, so callers pattern-match on Status for the benign cases.
type LedgerResult struct {
	Status          ApplyStatus
	TransactionID   TransactionID
	PreviousBalance Money
	NewBalance      Money
}

// Changed reports whether the operation mutated state.
func (r *LedgerResult) Changed() bool { return r.Status == Applied }
