package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentclass/billing-engine/billing"
	"github.com/fluentclass/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedBudget(t *testing.T, s *sqlite.Store, student string) *billing.Budget {
	t.Helper()
	now := time.Now().UTC()
	b := &billing.Budget{
		ID:             billing.BudgetID("bud-" + student),
		StudentID:      billing.StudentID(student),
		OrganizationID: "org-1",
		CurrentBalance: decimal.Zero,
		Currency:       billing.PLN,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateBudget(context.Background(), b))
	return b
}

func chargeTx(id string, budgetID billing.BudgetID, lessonID string, txType billing.TransactionType) *billing.BalanceTransaction {
	return &billing.BalanceTransaction{
		ID:            billing.TransactionID(id),
		BudgetID:      budgetID,
		Type:          txType,
		Amount:        decimal.RequireFromString("60"),
		BalanceBefore: decimal.Zero,
		BalanceAfter:  decimal.RequireFromString("-60"),
		Currency:      billing.PLN,
		LessonID:      billing.LessonID(lessonID),
		CreatedAt:     time.Now().UTC(),
	}
}

// =============================================================================
// BUDGETS
// =============================================================================

func TestBudget_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBudget(t, s, "stu-1")

	b, err := s.BudgetByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, billing.PLN, b.Currency)
	assert.True(t, b.CurrentBalance.IsZero())

	none, err := s.BudgetByStudent(ctx, "stu-none")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBudget_DuplicateStudentRejected(t *testing.T) {
	s := newTestStore(t)
	seedBudget(t, s, "stu-1")

	dup := &billing.Budget{
		ID:             "bud-other",
		StudentID:      "stu-1",
		OrganizationID: "org-1",
		CurrentBalance: decimal.Zero,
		Currency:       billing.PLN,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	err := s.CreateBudget(context.Background(), dup)
	assert.ErrorIs(t, err, billing.ErrDuplicateBudget)
}

func TestUpdateBudgetBalance_UnknownBudget(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateBudgetBalance(context.Background(), "bud-none", decimal.Zero, time.Now().UTC())
	assert.ErrorIs(t, err, billing.ErrBudgetNotFound)
}

// =============================================================================
// TRANSACTIONS - unique index backstop
// =============================================================================

func TestAppendTransaction_DoubleChargeRejectedByIndex(t *testing.T) {
	// The database-level guarantee behind the ledger's check-then-insert:
	// a second charge for the same lesson must fail even if the service
	// check were bypassed.

	s := newTestStore(t)
	ctx := context.Background()
	b := seedBudget(t, s, "stu-1")

	require.NoError(t, s.AppendTransaction(ctx, chargeTx("tx-1", b.ID, "les-1", billing.TxLessonCharge)))

	err := s.AppendTransaction(ctx, chargeTx("tx-2", b.ID, "les-1", billing.TxLessonCharge))
	assert.ErrorIs(t, err, billing.ErrDuplicateLessonTransaction)

	// A refund for the same lesson is a different type and passes.
	require.NoError(t, s.AppendTransaction(ctx, chargeTx("tx-3", b.ID, "les-1", billing.TxLessonRefund)))

	// A charge for a different lesson passes.
	require.NoError(t, s.AppendTransaction(ctx, chargeTx("tx-4", b.ID, "les-2", billing.TxLessonCharge)))
}

func TestAppendTransaction_DepositsNotConstrained(t *testing.T) {
	// Deposits carry no lesson id; several may share a payment id.

	s := newTestStore(t)
	ctx := context.Background()
	b := seedBudget(t, s, "stu-1")

	for _, id := range []string{"tx-1", "tx-2"} {
		tx := &billing.BalanceTransaction{
			ID:            billing.TransactionID(id),
			BudgetID:      b.ID,
			Type:          billing.TxDeposit,
			Amount:        decimal.RequireFromString("50"),
			BalanceBefore: decimal.Zero,
			BalanceAfter:  decimal.RequireFromString("50"),
			Currency:      billing.PLN,
			PaymentID:     "pay-1",
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, s.AppendTransaction(ctx, tx))
	}
}

func TestTransaction_MetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBudget(t, s, "stu-1")

	tx := chargeTx("tx-1", b.ID, "", billing.TxAdjustment)
	tx.CreatedBy = "admin@school"
	tx.Description = "manual correction"
	tx.Metadata = map[string]string{billing.MetaAdjustmentDirection: "debit"}
	require.NoError(t, s.AppendTransaction(ctx, tx))

	txs, err := s.Transactions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "admin@school", txs[0].CreatedBy)
	assert.Equal(t, "debit", txs[0].Metadata[billing.MetaAdjustmentDirection])
}

func TestTransactionPage_FiltersAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBudget(t, s, "stu-1")

	require.NoError(t, s.AppendTransaction(ctx, chargeTx("tx-1", b.ID, "les-1", billing.TxLessonCharge)))
	require.NoError(t, s.AppendTransaction(ctx, chargeTx("tx-2", b.ID, "les-2", billing.TxLessonCharge)))
	require.NoError(t, s.AppendTransaction(ctx, chargeTx("tx-3", b.ID, "les-1", billing.TxLessonRefund)))

	page, total, err := s.TransactionPage(ctx, b.ID, billing.HistoryFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, billing.TransactionID("tx-3"), page[0].ID, "newest first")

	refund := billing.TxLessonRefund
	page, total, err = s.TransactionPage(ctx, b.ID, billing.HistoryFilter{Type: &refund})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, billing.TransactionID("tx-3"), page[0].ID)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A closure that writes a budget and then fails
	// THEN: Nothing it wrote survives

	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st billing.Store) error {
		b := &billing.Budget{
			ID:             "bud-1",
			StudentID:      "stu-1",
			OrganizationID: "org-1",
			CurrentBalance: decimal.Zero,
			Currency:       billing.PLN,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := st.CreateBudget(ctx, b); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.BudgetByStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Nil(t, b, "rolled-back budget must not exist")
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(st billing.Store) error {
		return st.CreateBudget(ctx, &billing.Budget{
			ID:             "bud-1",
			StudentID:      "stu-1",
			OrganizationID: "org-1",
			CurrentBalance: decimal.RequireFromString("10"),
			Currency:       billing.PLN,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	b, err := s.BudgetByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.CurrentBalance.Equal(decimal.RequireFromString("10")))
}

// =============================================================================
// ENROLLMENTS, LESSONS, PAYMENTS
// =============================================================================

func TestEnrollment_RoundTripWithTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	day := 10
	e := &billing.Enrollment{
		ID:             "enr-1",
		StudentID:      "stu-1",
		OrganizationID: "org-1",
		PaymentMode:    billing.ModePerLesson,
		HoursPurchased: decimal.Zero,
		HoursUsed:      decimal.Zero,
		PricePerLesson: billing.NewMoney("60.00", billing.PLN),
		Terms:          billing.BillingTerms{DueDayOfMonth: &day},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateEnrollment(ctx, e))

	got, err := s.Enrollment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, billing.ModePerLesson, got.PaymentMode)
	require.NotNil(t, got.Terms.DueDayOfMonth)
	assert.Equal(t, 10, *got.Terms.DueDayOfMonth)
	assert.Nil(t, got.Terms.DueDays)
	assert.Equal(t, "60.00 PLN", got.PricePerLesson.String())
}

func TestLesson_RoundTripWithTeacherRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rate := billing.NewMoney("85.00", billing.PLN)
	l := &billing.Lesson{
		ID:              "les-1",
		EnrollmentID:    "enr-1",
		Title:           "English B2",
		Status:          billing.LessonScheduled,
		DurationMinutes: 90,
		TeacherRate:     &rate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateLesson(ctx, l))

	got, err := s.Lesson(ctx, "les-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.TeacherRate)
	assert.Equal(t, "85.00 PLN", got.TeacherRate.String())
	assert.Nil(t, got.CompletedAt)

	completed := now.Add(time.Hour)
	require.NoError(t, s.UpdateLessonStatus(ctx, "les-1", billing.LessonCompleted, &completed, nil, completed))

	got, err = s.Lesson(ctx, "les-1")
	require.NoError(t, err)
	assert.Equal(t, billing.LessonCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestOpenPaymentByLesson(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &billing.Payment{
		ID:        "pay-1",
		LessonID:  "les-1",
		StudentID: "stu-1",
		Status:    billing.PaymentPending,
		Amount:    billing.NewMoney("60.00", billing.PLN),
		DueDate:   now.AddDate(0, 0, 7),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreatePayment(ctx, p))

	open, err := s.OpenPaymentByLesson(ctx, "les-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, billing.PaymentID("pay-1"), open.ID)

	// Cancelled payments are not "open".
	require.NoError(t, s.UpdatePaymentStatus(ctx, "pay-1", billing.PaymentCancelled, now))
	open, err = s.OpenPaymentByLesson(ctx, "les-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestPendingPaymentsDueBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, due time.Time, status billing.PaymentStatus) {
		require.NoError(t, s.CreatePayment(ctx, &billing.Payment{
			ID:        billing.PaymentID(id),
			LessonID:  billing.LessonID("les-" + id),
			StudentID: "stu-1",
			Status:    status,
			Amount:    billing.NewMoney("60.00", billing.PLN),
			DueDate:   due,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}
	mk("overdue", now.AddDate(0, 0, -3), billing.PaymentPending)
	mk("future", now.AddDate(0, 0, 3), billing.PaymentPending)
	mk("paid", now.AddDate(0, 0, -3), billing.PaymentCompleted)

	due, err := s.PendingPaymentsDueBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, billing.PaymentID("overdue"), due[0].ID)
}

func TestDeletePayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreatePayment(ctx, &billing.Payment{
		ID:        "pay-1",
		LessonID:  "les-1",
		StudentID: "stu-1",
		Status:    billing.PaymentPending,
		Amount:    billing.NewMoney("60.00", billing.PLN),
		DueDate:   now,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, s.DeletePayment(ctx, "pay-1"))

	p, err := s.Payment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Nil(t, p)
}
