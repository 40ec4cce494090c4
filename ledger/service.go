/*
Package ledger implements the balance ledger: the sole writer of student
budget balances and their append-only transaction logs.

PURPOSE:
  Every balance mutation goes through this service and is logged as a
  BalanceTransaction inside the same unit of work. The log forms a chain
  (BalanceAfter of entry n == BalanceBefore of entry n+1) that can be
  verified independently of the running balance.

CRITICAL INVARIANTS:
  1. CONSERVATION: a charge/refund pair for the same lesson nets to zero
  2. AT-MOST-ONCE: a lesson is charged at most once and refunded at most
     once; repeats are reported as AlreadyApplied, never re-applied
  3. ATTRIBUTION: every entry records its natural key (lesson/payment id)
     and, for manual adjustments, the acting user
  4. DEBT ALLOWED: the balance may go negative; money is deferred credit,
     unlike the hard-capped package hours in the coordinator

CONCURRENCY:
  Each operation runs inside db.WithTx. The store serializes writers, so
  two concurrent operations on the same student apply sequentially. The
  check-then-insert guard on lesson charges is additionally backed by a
  unique (lesson_id, tx_type) index: if two racers pass the check, the
  index rejects the second insert and the loser reports AlreadyApplied.

ERROR POLICY:
  "Nothing to do" is not an error. Repeated charges, repeated refunds and
  missing deposits surface as LedgerResult statuses. Errors are reserved
  for fatal conditions: missing budget on refund/revert, invalid amounts,
  currency mismatches, storage failures.

SEE ALSO:
  - history.go: read API (balance summary, paginated history, chain check)
  - ../billing/store.go: the unit-of-work boundary
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fluentclass/billing-engine/billing"
)

// Service is the balance ledger. Construct once at process start and pass
// by reference; it holds no mutable state beyond the database handle.
type Service struct {
	db billing.DB
}

// NewService creates a ledger service on top of a unit-of-work capable store.
func NewService(db billing.DB) *Service {
	return &Service{db: db}
}

// =============================================================================
// BUDGET LIFECYCLE
// =============================================================================

// GetOrCreateBudget returns the student's budget, creating a zero-balance
// one on first use. The create-if-absent race is benign: a concurrent
// first-use loses on the unique student index and re-reads.
func (s *Service) GetOrCreateBudget(ctx context.Context, studentID billing.StudentID, orgID billing.OrganizationID, currency billing.Currency) (*billing.Budget, error) {
	b, err := s.db.BudgetByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}

	now := time.Now().UTC()
	b = &billing.Budget{
		ID:             billing.BudgetID(uuid.NewString()),
		StudentID:      studentID,
		OrganizationID: orgID,
		CurrentBalance: decimal.Zero,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.db.CreateBudget(ctx, b)
	if errors.Is(err, billing.ErrDuplicateBudget) {
		// Lost the first-use race; the other writer's budget is ours too.
		return s.db.BudgetByStudent(ctx, studentID)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ensureBudget is the in-transaction variant of GetOrCreateBudget.
func (s *Service) ensureBudget(ctx context.Context, st billing.Store, studentID billing.StudentID, orgID billing.OrganizationID, currency billing.Currency) (*billing.Budget, error) {
	b, err := st.BudgetByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}

	now := time.Now().UTC()
	b = &billing.Budget{
		ID:             billing.BudgetID(uuid.NewString()),
		StudentID:      studentID,
		OrganizationID: orgID,
		CurrentBalance: decimal.Zero,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateBudget(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// =============================================================================
// DEPOSITS
// =============================================================================

// DepositParams describes a completed payment being credited to a budget.
type DepositParams struct {
	StudentID      billing.StudentID
	OrganizationID billing.OrganizationID
	Amount         billing.Money // must be positive
	PaymentID      billing.PaymentID
	Description    string
}

// AddDeposit increases the balance by the deposit amount and logs a
// deposit entry tagged with the payment id.
//
// Idempotency is the caller's responsibility: check the payment's own
// status before calling. The ledger deliberately does not deduplicate
// deposits by payment id, because a payment legitimately accumulates one
// deposit per complete/uncomplete cycle.
func (s *Service) AddDeposit(ctx context.Context, p DepositParams) (*billing.LedgerResult, error) {
	var res *billing.LedgerResult
	err := s.db.WithTx(ctx, func(st billing.Store) error {
		var err error
		res, err = s.AddDepositIn(ctx, st, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AddDepositIn is the in-transaction variant of AddDeposit, for callers
// that flip payment state and credit the balance as one unit of work.
func (s *Service) AddDepositIn(ctx context.Context, st billing.Store, p DepositParams) (*billing.LedgerResult, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive: %w", billing.ErrInvalidAmount)
	}

	b, err := s.ensureBudget(ctx, st, p.StudentID, p.OrganizationID, p.Amount.Currency)
	if err != nil {
		return nil, err
	}
	if b.Currency != p.Amount.Currency {
		return nil, billing.ErrCurrencyMismatch
	}

	desc := p.Description
	if desc == "" {
		desc = "Payment deposit"
	}
	return s.apply(ctx, st, b, entry{
		txType:      billing.TxDeposit,
		amount:      p.Amount.Value,
		delta:       p.Amount.Value,
		paymentID:   p.PaymentID,
		description: desc,
	})
}

// RevertDeposit undoes the latest un-reverted deposit when its payment
// flips back from completed. Returns NothingToApply when no deposit
// exists for the payment, AlreadyApplied when every deposit has a
// matching revert. A missing budget is fatal: a deposit must have
// created it.
func (s *Service) RevertDeposit(ctx context.Context, studentID billing.StudentID, paymentID billing.PaymentID, description string) (*billing.LedgerResult, error) {
	var res *billing.LedgerResult
	err := s.db.WithTx(ctx, func(st billing.Store) error {
		var err error
		res, err = s.RevertDepositIn(ctx, st, studentID, paymentID, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RevertDepositIn is the in-transaction variant of RevertDeposit.
//
// A payment that cycles completed -> pending -> completed carries one
// deposit per cycle, so "already reverted" is decided by comparing
// deposit and revert counts, not by the existence of any single revert.
func (s *Service) RevertDepositIn(ctx context.Context, st billing.Store, studentID billing.StudentID, paymentID billing.PaymentID, description string) (*billing.LedgerResult, error) {
	b, err := st.BudgetByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("revert deposit for student %s: %w", studentID, billing.ErrBudgetNotFound)
	}

	deposits, err := st.PaymentTransactions(ctx, paymentID, billing.TxDeposit)
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return noOp(billing.NothingToApply, b), nil
	}

	reverts, err := st.PaymentTransactions(ctx, paymentID, billing.TxRefund)
	if err != nil {
		return nil, err
	}
	if len(reverts) >= len(deposits) {
		return noOp(billing.AlreadyApplied, b), nil
	}

	latest := deposits[len(deposits)-1]
	desc := description
	if desc == "" {
		desc = "Deposit reverted"
	}
	return s.apply(ctx, st, b, entry{
		txType:      billing.TxRefund,
		amount:      latest.Amount,
		delta:       latest.Amount.Neg(),
		paymentID:   paymentID,
		description: desc,
	})
}

// =============================================================================
// LESSON CHARGES AND REFUNDS
// =============================================================================

// ChargeForLesson decreases the balance by the lesson price and logs a
// charge tagged with the lesson id. The balance may go negative.
//
// At-most-once: if a charge already exists for this lesson the call is a
// no-op reported as AlreadyApplied. The check-then-insert runs inside one
// transaction and is backed by the unique (lesson_id, tx_type) index.
func (s *Service) ChargeForLesson(ctx context.Context, studentID billing.StudentID, orgID billing.OrganizationID, lessonID billing.LessonID, amount billing.Money, lessonTitle string) (*billing.LedgerResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("lesson charge must be positive: %w", billing.ErrInvalidAmount)
	}

	var res *billing.LedgerResult
	err := s.db.WithTx(ctx, func(st billing.Store) error {
		existing, err := st.LessonTransaction(ctx, lessonID, billing.TxLessonCharge)
		if err != nil {
			return err
		}
		if existing != nil {
			b, err := st.BudgetByStudent(ctx, studentID)
			if err != nil {
				return err
			}
			res = noOp(billing.AlreadyApplied, b)
			return nil
		}

		b, err := s.ensureBudget(ctx, st, studentID, orgID, amount.Currency)
		if err != nil {
			return err
		}
		if b.Currency != amount.Currency {
			return billing.ErrCurrencyMismatch
		}

		res, err = s.apply(ctx, st, b, entry{
			txType:      billing.TxLessonCharge,
			amount:      amount.Value,
			delta:       amount.Value.Neg(),
			lessonID:    lessonID,
			description: chargeDescription("Lesson charge", lessonTitle),
		})
		return err
	})
	if errors.Is(err, billing.ErrDuplicateLessonTransaction) {
		// Lost a concurrent race after passing the check; the winner's
		// charge stands and this call had no effect.
		return s.raceLoserResult(ctx, studentID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RefundLesson reverses a prior lesson charge, crediting back exactly the
// charged amount. Returns NothingToApply when the lesson was never
// charged, AlreadyApplied when it was already refunded. A missing budget
// is fatal.
func (s *Service) RefundLesson(ctx context.Context, studentID billing.StudentID, orgID billing.OrganizationID, lessonID billing.LessonID, lessonTitle string) (*billing.LedgerResult, error) {
	var res *billing.LedgerResult
	err := s.db.WithTx(ctx, func(st billing.Store) error {
		b, err := st.BudgetByStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("refund lesson %s for student %s: %w", lessonID, studentID, billing.ErrBudgetNotFound)
		}

		charge, err := st.LessonTransaction(ctx, lessonID, billing.TxLessonCharge)
		if err != nil {
			return err
		}
		if charge == nil {
			res = noOp(billing.NothingToApply, b)
			return nil
		}

		refund, err := st.LessonTransaction(ctx, lessonID, billing.TxLessonRefund)
		if err != nil {
			return err
		}
		if refund != nil {
			res = noOp(billing.AlreadyApplied, b)
			return nil
		}

		res, err = s.apply(ctx, st, b, entry{
			txType:      billing.TxLessonRefund,
			amount:      charge.Amount,
			delta:       charge.Amount,
			lessonID:    lessonID,
			description: chargeDescription("Lesson refund", lessonTitle),
		})
		return err
	})
	if errors.Is(err, billing.ErrDuplicateLessonTransaction) {
		return s.raceLoserResult(ctx, studentID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// raceLoserResult re-reads the budget after a unique-index rejection so
// the AlreadyApplied no-op carries the same balance fields as the
// check-path no-op.
func (s *Service) raceLoserResult(ctx context.Context, studentID billing.StudentID) (*billing.LedgerResult, error) {
	b, err := s.db.BudgetByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return noOp(billing.AlreadyApplied, b), nil
}

// IsLessonCharged reports whether a non-refunded charge exists for the
// lesson. Callers use it to skip redundant charge attempts.
func (s *Service) IsLessonCharged(ctx context.Context, lessonID billing.LessonID) (bool, error) {
	charge, err := s.db.LessonTransaction(ctx, lessonID, billing.TxLessonCharge)
	if err != nil {
		return false, err
	}
	return charge != nil, nil
}

// =============================================================================
// FEES AND ADJUSTMENTS
// =============================================================================

// ChargeCancellationFee debits a late-cancellation fee against the
// student's budget, tagged with the cancelled lesson.
func (s *Service) ChargeCancellationFee(ctx context.Context, studentID billing.StudentID, orgID billing.OrganizationID, lessonID billing.LessonID, amount billing.Money, description string) (*billing.LedgerResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("cancellation fee must be positive: %w", billing.ErrInvalidAmount)
	}

	var res *billing.LedgerResult
	err := s.db.WithTx(ctx, func(st billing.Store) error {
		b, err := s.ensureBudget(ctx, st, studentID, orgID, amount.Currency)
		if err != nil {
			return err
		}
		if b.Currency != amount.Currency {
			return billing.ErrCurrencyMismatch
		}

		desc := description
		if desc == "" {
			desc = "Cancellation fee"
		}
		res, err = s.apply(ctx, st, b, entry{
			txType:      billing.TxCancellationFee,
			amount:      amount.Value,
			delta:       amount.Value.Neg(),
			lessonID:    lessonID,
			description: desc,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AdjustBalance applies a manual correction. A positive amount credits,
// a negative amount debits; the entry stores the absolute value with the
// direction recorded in metadata, and the acting user in CreatedBy.
func (s *Service) AdjustBalance(ctx context.Context, studentID billing.StudentID, orgID billing.OrganizationID, amount billing.Money, description, createdBy string) (*billing.LedgerResult, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("adjustment amount must be non-zero: %w", billing.ErrInvalidAmount)
	}

	direction := "credit"
	if amount.IsNegative() {
		direction = "debit"
	}

	var res *billing.LedgerResult
	err := s.db.WithTx(ctx, func(st billing.Store) error {
		b, err := s.ensureBudget(ctx, st, studentID, orgID, amount.Currency)
		if err != nil {
			return err
		}
		if b.Currency != amount.Currency {
			return billing.ErrCurrencyMismatch
		}

		res, err = s.apply(ctx, st, b, entry{
			txType:      billing.TxAdjustment,
			amount:      amount.Value.Abs(),
			delta:       amount.Value,
			createdBy:   createdBy,
			description: description,
			metadata:    map[string]string{billing.MetaAdjustmentDirection: direction},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// entry describes one ledger write: the stored (positive) amount and the
// signed effect on the balance.
type entry struct {
	txType      billing.TransactionType
	amount      decimal.Decimal // stored, always positive
	delta       decimal.Decimal // signed balance effect
	lessonID    billing.LessonID
	paymentID   billing.PaymentID
	createdBy   string
	description string
	metadata    map[string]string
}

// apply writes the new balance and the ledger entry as one unit. The
// caller's WithTx closure makes the pair atomic.
func (s *Service) apply(ctx context.Context, st billing.Store, b *billing.Budget, e entry) (*billing.LedgerResult, error) {
	before := b.CurrentBalance
	after := before.Add(e.delta)
	now := time.Now().UTC()

	tx := &billing.BalanceTransaction{
		ID:            billing.TransactionID(uuid.NewString()),
		BudgetID:      b.ID,
		Type:          e.txType,
		Amount:        e.amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Currency:      b.Currency,
		LessonID:      e.lessonID,
		PaymentID:     e.paymentID,
		CreatedBy:     e.createdBy,
		Description:   e.description,
		Metadata:      e.metadata,
		CreatedAt:     now,
	}

	if err := st.UpdateBudgetBalance(ctx, b.ID, after, now); err != nil {
		return nil, err
	}
	if err := st.AppendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	b.CurrentBalance = after
	b.UpdatedAt = now

	return &billing.LedgerResult{
		Status:          billing.Applied,
		TransactionID:   tx.ID,
		PreviousBalance: billing.Money{Value: before, Currency: b.Currency},
		NewBalance:      billing.Money{Value: after, Currency: b.Currency},
	}, nil
}

// noOp builds a result for the benign do-nothing outcomes. Balances are
// filled from the budget when it exists so callers can still display them.
func noOp(status billing.ApplyStatus, b *billing.Budget) *billing.LedgerResult {
	res := &billing.LedgerResult{Status: status}
	if b != nil {
		res.PreviousBalance = b.Balance()
		res.NewBalance = b.Balance()
	}
	return res
}

func chargeDescription(prefix, lessonTitle string) string {
	if lessonTitle == "" {
		return prefix
	}
	return prefix + ": " + lessonTitle
}
