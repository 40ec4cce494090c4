/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All sentinel and structured errors in one place. The taxonomy follows
  a strict split:

  1. Fatal - reject the whole operation and roll back the transaction
     (missing budget on refund, missing enrollment, insufficient hours)
  2. Benign no-op - NOT errors at all; reported via LedgerResult status
     (already charged, already refunded, nothing to revert)
  3. Best-effort - side-effect failures; logged and swallowed by the
     dispatcher, never returned to callers of core operations

USAGE:
  Callers classify with errors.Is / errors.As:

    var insuff *billing.InsufficientHoursError
    if errors.As(err, &insuff) {
        // report remaining vs required
    }

SEE ALSO:
  - types.go: LedgerResult carries the benign no-op outcomes
  - ledger/service.go, lesson/coordinator.go: producers of these errors
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBudgetNotFound is returned when an operation that requires a
	// pre-existing budget (refund, revert) finds none. A charge or deposit
	// must have created the budget first, so this indicates a broken
	// invariant upstream, not a user error.
	ErrBudgetNotFound = errors.New("budget not found")

	// ErrEnrollmentNotFound is returned when the coordinator cannot load
	// the enrollment a lesson belongs to.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrLessonNotFound is returned when a status transition references an
	// unknown lesson.
	ErrLessonNotFound = errors.New("lesson not found")

	// ErrPaymentNotFound is returned when a payment status flip references
	// an unknown payment.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicateLessonTransaction is surfaced by the store when the
	// unique (lesson_id, tx_type) index rejects a write. This is the
	// database-level backstop behind the check-then-insert guard.
	ErrDuplicateLessonTransaction = errors.New("duplicate lesson transaction")

	// ErrDuplicateBudget is surfaced by the store when two concurrent
	// first-uses race to create the same student's budget. The race is
	// benign: the caller re-reads and proceeds.
	ErrDuplicateBudget = errors.New("budget already exists")

	// ErrInvalidAmount is returned for non-positive deposit/charge amounts
	// and zero adjustments.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCurrencyMismatch is returned when an operation's amount is in a
	// different currency than the target budget.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidTransition is returned for unknown lesson statuses.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientHoursError rejects a package-mode completion that would
// overdraw the hour pool. The lesson status must remain unchanged; callers
// report remaining vs required to the user.
type InsufficientHoursError struct {
	EnrollmentID EnrollmentID
	Remaining    decimal.Decimal
	Required     decimal.Decimal
}

func (e *InsufficientHoursError) Error() string {
	return fmt.Sprintf("insufficient package hours: %s remaining, %s required",
		e.Remaining.String(), e.Required.String())
}

// ChainBreakError reports the first inconsistency found when verifying a
// budget's transaction chain.
type ChainBreakError struct {
	BudgetID      BudgetID
	TransactionID TransactionID
	Expected      decimal.Decimal
	Actual        decimal.Decimal
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("ledger chain break at tx %s: expected balance_before %s, got %s",
		e.TransactionID, e.Expected.String(), e.Actual.String())
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBudgetNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrLessonNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsClientError reports whether the error is due to invalid input or a
// business-rule rejection, as opposed to an internal failure.
func IsClientError(err error) bool {
	var insuff *InsufficientHoursError
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.As(err, &insuff)
}
