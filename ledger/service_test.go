package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentclass/billing-engine/billing"
	memstore "github.com/fluentclass/billing-engine/billing/store"
	"github.com/fluentclass/billing-engine/ledger"
	"github.com/fluentclass/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return ledger.NewService(store), store
}

func pln(s string) billing.Money {
	return billing.NewMoney(s, billing.PLN)
}

func deposit(t *testing.T, svc *ledger.Service, student, amount string) {
	t.Helper()
	res, err := svc.AddDeposit(context.Background(), ledger.DepositParams{
		StudentID:      billing.StudentID(student),
		OrganizationID: "org-1",
		Amount:         pln(amount),
	})
	require.NoError(t, err)
	require.Equal(t, billing.Applied, res.Status)
}

// =============================================================================
// BUDGET LIFECYCLE
// =============================================================================

func TestGetOrCreateBudget_FirstUse(t *testing.T) {
	// GIVEN: A student with no budget
	// WHEN: GetOrCreateBudget is called twice
	// THEN: One zero-balance budget is created and reused

	svc, _ := newTestLedger(t)
	ctx := context.Background()

	b1, err := svc.GetOrCreateBudget(ctx, "stu-1", "org-1", billing.PLN)
	require.NoError(t, err)
	assert.True(t, b1.CurrentBalance.IsZero())
	assert.Equal(t, billing.PLN, b1.Currency)

	b2, err := svc.GetOrCreateBudget(ctx, "stu-1", "org-1", billing.PLN)
	require.NoError(t, err)
	assert.Equal(t, b1.ID, b2.ID, "second call must return the same budget")
}

// =============================================================================
// DEPOSITS
// =============================================================================

func TestAddDeposit_IncreasesBalance(t *testing.T) {
	svc, _ := newTestLedger(t)

	res, err := svc.AddDeposit(context.Background(), ledger.DepositParams{
		StudentID:      "stu-1",
		OrganizationID: "org-1",
		Amount:         pln("150.00"),
		PaymentID:      "pay-1",
		Description:    "Bank transfer",
	})
	require.NoError(t, err)

	assert.Equal(t, billing.Applied, res.Status)
	assert.NotEmpty(t, res.TransactionID)
	assert.True(t, res.PreviousBalance.Value.IsZero())
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("150.00")))
}

func TestAddDeposit_RejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestLedger(t)

	for _, amount := range []string{"0", "-25.00"} {
		_, err := svc.AddDeposit(context.Background(), ledger.DepositParams{
			StudentID:      "stu-1",
			OrganizationID: "org-1",
			Amount:         pln(amount),
		})
		assert.ErrorIs(t, err, billing.ErrInvalidAmount, "amount %s", amount)
	}
}

func TestRevertDeposit_RoundTrip(t *testing.T) {
	// GIVEN: A deposit tagged with a payment id
	// WHEN: The deposit is reverted
	// THEN: The balance returns to its prior value and a refund entry is
	//       logged against the same payment id

	svc, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := svc.AddDeposit(ctx, ledger.DepositParams{
		StudentID:      "stu-1",
		OrganizationID: "org-1",
		Amount:         pln("200.00"),
		PaymentID:      "pay-1",
	})
	require.NoError(t, err)
	require.Equal(t, billing.Applied, res.Status)

	rev, err := svc.RevertDeposit(ctx, "stu-1", "pay-1", "")
	require.NoError(t, err)
	assert.Equal(t, billing.Applied, rev.Status)
	assert.True(t, rev.NewBalance.Value.IsZero(), "revert must restore the prior balance")
}

func TestRevertDeposit_SecondRevertIsNoOp(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.AddDeposit(ctx, ledger.DepositParams{
		StudentID:      "stu-1",
		OrganizationID: "org-1",
		Amount:         pln("200.00"),
		PaymentID:      "pay-1",
	})
	require.NoError(t, err)

	_, err = svc.RevertDeposit(ctx, "stu-1", "pay-1", "")
	require.NoError(t, err)

	rev, err := svc.RevertDeposit(ctx, "stu-1", "pay-1", "")
	require.NoError(t, err)
	assert.Equal(t, billing.AlreadyApplied, rev.Status)
	assert.True(t, rev.NewBalance.Value.IsZero(), "balance must not move again")
}

func TestRevertDeposit_RepeatedCycle(t *testing.T) {
	// GIVEN: A payment that was deposited, reverted, then deposited again
	//        with a different amount
	// WHEN: The deposit is reverted a second time
	// THEN: The revert applies and undoes the latest deposit, not the
	//       first one; only a third revert is a no-op

	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.AddDeposit(ctx, ledger.DepositParams{
		StudentID: "stu-1", OrganizationID: "org-1",
		Amount: pln("200.00"), PaymentID: "pay-1",
	})
	require.NoError(t, err)
	_, err = svc.RevertDeposit(ctx, "stu-1", "pay-1", "")
	require.NoError(t, err)

	res, err := svc.AddDeposit(ctx, ledger.DepositParams{
		StudentID: "stu-1", OrganizationID: "org-1",
		Amount: pln("150.00"), PaymentID: "pay-1",
	})
	require.NoError(t, err)
	require.Equal(t, billing.Applied, res.Status)

	rev, err := svc.RevertDeposit(ctx, "stu-1", "pay-1", "")
	require.NoError(t, err)
	assert.Equal(t, billing.Applied, rev.Status, "a fresh deposit must be revertible")
	assert.True(t, rev.PreviousBalance.Value.Equal(decimal.RequireFromString("150.00")))
	assert.True(t, rev.NewBalance.Value.IsZero())

	again, err := svc.RevertDeposit(ctx, "stu-1", "pay-1", "")
	require.NoError(t, err)
	assert.Equal(t, billing.AlreadyApplied, again.Status)
}

func TestRevertDeposit_UnknownPayment_NothingToApply(t *testing.T) {
	svc, _ := newTestLedger(t)
	deposit(t, svc, "stu-1", "50.00")

	rev, err := svc.RevertDeposit(context.Background(), "stu-1", "pay-unknown", "")
	require.NoError(t, err)
	assert.Equal(t, billing.NothingToApply, rev.Status)
}

func TestRevertDeposit_MissingBudget_Fatal(t *testing.T) {
	svc, _ := newTestLedger(t)

	_, err := svc.RevertDeposit(context.Background(), "stu-none", "pay-1", "")
	assert.ErrorIs(t, err, billing.ErrBudgetNotFound)
}

// =============================================================================
// LESSON CHARGES - at-most-once semantics
// =============================================================================

func TestChargeForLesson_DebitsBalance(t *testing.T) {
	svc, _ := newTestLedger(t)
	deposit(t, svc, "stu-1", "100.00")

	res, err := svc.ChargeForLesson(context.Background(), "stu-1", "org-1", "les-1", pln("60.00"), "English B2")
	require.NoError(t, err)

	assert.Equal(t, billing.Applied, res.Status)
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("40.00")))
}

func TestChargeForLesson_SecondChargeIsNoOp(t *testing.T) {
	// GIVEN: A lesson already charged
	// WHEN: The same lesson is charged again
	// THEN: AlreadyApplied, and the balance does not move

	svc, _ := newTestLedger(t)
	ctx := context.Background()
	deposit(t, svc, "stu-1", "100.00")

	first, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("60.00"), "")
	require.NoError(t, err)
	require.Equal(t, billing.Applied, first.Status)

	second, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("60.00"), "")
	require.NoError(t, err)
	assert.Equal(t, billing.AlreadyApplied, second.Status)
	assert.True(t, second.NewBalance.Value.Equal(decimal.RequireFromString("40.00")))
}

// dupIndexDB simulates losing the unique-index race: the in-transaction
// existence check passes but the charge insert is rejected as a
// duplicate, as happens when a concurrent writer commits first.
type dupIndexDB struct{ *memstore.Memory }

func (d dupIndexDB) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return d.Memory.WithTx(ctx, func(st billing.Store) error {
		return fn(dupIndexStore{st})
	})
}

type dupIndexStore struct{ billing.Store }

func (d dupIndexStore) AppendTransaction(ctx context.Context, tx *billing.BalanceTransaction) error {
	if tx.Type == billing.TxLessonCharge || tx.Type == billing.TxLessonRefund {
		return billing.ErrDuplicateLessonTransaction
	}
	return d.Store.AppendTransaction(ctx, tx)
}

func TestChargeForLesson_RaceLoserReportsBalance(t *testing.T) {
	// GIVEN: A charge that loses the unique-index race after passing the
	//        existence check
	// WHEN: The duplicate rejection is mapped to AlreadyApplied
	// THEN: The result still carries the current balance, matching the
	//       check-path no-op

	svc := ledger.NewService(dupIndexDB{memstore.NewMemory()})
	ctx := context.Background()
	deposit(t, svc, "stu-1", "100.00")

	res, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("60.00"), "")
	require.NoError(t, err)

	assert.Equal(t, billing.AlreadyApplied, res.Status)
	assert.Equal(t, billing.PLN, res.NewBalance.Currency)
	assert.True(t, res.PreviousBalance.Value.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("100.00")),
		"the losing charge must not move the balance")
}

func TestChargeForLesson_BalanceMayGoNegative(t *testing.T) {
	// Money is deferred credit: charging without funds creates debt
	// rather than failing.

	svc, _ := newTestLedger(t)

	res, err := svc.ChargeForLesson(context.Background(), "stu-1", "org-1", "les-1", pln("80.00"), "")
	require.NoError(t, err)

	assert.Equal(t, billing.Applied, res.Status)
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("-80.00")))
}

func TestRefundLesson_RestoresExactChargeAmount(t *testing.T) {
	// GIVEN: A charged lesson
	// WHEN: The lesson is refunded
	// THEN: Exactly the charged amount is credited back (conservation)

	svc, _ := newTestLedger(t)
	ctx := context.Background()
	deposit(t, svc, "stu-1", "100.00")

	_, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("37.50"), "")
	require.NoError(t, err)

	res, err := svc.RefundLesson(ctx, "stu-1", "org-1", "les-1", "")
	require.NoError(t, err)

	assert.Equal(t, billing.Applied, res.Status)
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("100.00")),
		"charge + refund must net to zero")
}

func TestRefundLesson_SecondRefundIsNoOp(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()
	deposit(t, svc, "stu-1", "100.00")

	_, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("60.00"), "")
	require.NoError(t, err)
	_, err = svc.RefundLesson(ctx, "stu-1", "org-1", "les-1", "")
	require.NoError(t, err)

	res, err := svc.RefundLesson(ctx, "stu-1", "org-1", "les-1", "")
	require.NoError(t, err)
	assert.Equal(t, billing.AlreadyApplied, res.Status)
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("100.00")))
}

func TestRefundLesson_NeverCharged_NothingToApply(t *testing.T) {
	svc, _ := newTestLedger(t)
	deposit(t, svc, "stu-1", "100.00")

	res, err := svc.RefundLesson(context.Background(), "stu-1", "org-1", "les-never", "")
	require.NoError(t, err)
	assert.Equal(t, billing.NothingToApply, res.Status)
}

func TestRefundLesson_MissingBudget_Fatal(t *testing.T) {
	svc, _ := newTestLedger(t)

	_, err := svc.RefundLesson(context.Background(), "stu-none", "org-1", "les-1", "")
	assert.ErrorIs(t, err, billing.ErrBudgetNotFound)
}

func TestIsLessonCharged(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	charged, err := svc.IsLessonCharged(ctx, "les-1")
	require.NoError(t, err)
	assert.False(t, charged)

	_, err = svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("10.00"), "")
	require.NoError(t, err)

	charged, err = svc.IsLessonCharged(ctx, "les-1")
	require.NoError(t, err)
	assert.True(t, charged)
}

// =============================================================================
// FEES AND ADJUSTMENTS
// =============================================================================

func TestChargeCancellationFee(t *testing.T) {
	svc, _ := newTestLedger(t)
	deposit(t, svc, "stu-1", "100.00")

	res, err := svc.ChargeCancellationFee(context.Background(), "stu-1", "org-1", "les-1", pln("20.00"), "")
	require.NoError(t, err)

	assert.Equal(t, billing.Applied, res.Status)
	assert.True(t, res.NewBalance.Value.Equal(decimal.RequireFromString("80.00")))
}

func TestAdjustBalance_RecordsDirection(t *testing.T) {
	// Adjustments store the absolute amount; the sign lives in metadata.

	svc, store := newTestLedger(t)
	ctx := context.Background()

	credit, err := svc.AdjustBalance(ctx, "stu-1", "org-1", pln("25.00"), "goodwill", "admin@school")
	require.NoError(t, err)
	assert.True(t, credit.NewBalance.Value.Equal(decimal.RequireFromString("25.00")))

	debit, err := svc.AdjustBalance(ctx, "stu-1", "org-1", pln("-10.00"), "correction", "admin@school")
	require.NoError(t, err)
	assert.True(t, debit.NewBalance.Value.Equal(decimal.RequireFromString("15.00")))

	b, err := store.BudgetByStudent(ctx, "stu-1")
	require.NoError(t, err)
	txs, err := store.Transactions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "credit", txs[0].Metadata[billing.MetaAdjustmentDirection])
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("25.00")))
	assert.Equal(t, "admin@school", txs[0].CreatedBy)

	assert.Equal(t, "debit", txs[1].Metadata[billing.MetaAdjustmentDirection])
	assert.True(t, txs[1].Amount.Equal(decimal.RequireFromString("10.00")), "stored amount is absolute")
}

func TestAdjustBalance_RejectsZero(t *testing.T) {
	svc, _ := newTestLedger(t)

	_, err := svc.AdjustBalance(context.Background(), "stu-1", "org-1", pln("0"), "noop", "admin")
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
}

func TestCurrencyMismatch_Rejected(t *testing.T) {
	svc, _ := newTestLedger(t)
	deposit(t, svc, "stu-1", "100.00")

	_, err := svc.ChargeForLesson(context.Background(), "stu-1", "org-1", "les-1",
		billing.NewMoney("60.00", billing.EUR), "")
	assert.ErrorIs(t, err, billing.ErrCurrencyMismatch)
}

// =============================================================================
// CHAIN INTEGRITY
// =============================================================================

func TestLedgerChain_LinksConsecutiveEntries(t *testing.T) {
	// GIVEN: A mixed sequence of ledger operations
	// THEN: Each entry's BalanceAfter equals the next entry's
	//       BalanceBefore, and VerifyChain passes

	svc, store := newTestLedger(t)
	ctx := context.Background()

	deposit(t, svc, "stu-1", "300.00")
	_, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("60.00"), "")
	require.NoError(t, err)
	_, err = svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-2", pln("45.00"), "")
	require.NoError(t, err)
	_, err = svc.RefundLesson(ctx, "stu-1", "org-1", "les-1", "")
	require.NoError(t, err)
	_, err = svc.AdjustBalance(ctx, "stu-1", "org-1", pln("-5.00"), "fee correction", "admin")
	require.NoError(t, err)

	b, err := store.BudgetByStudent(ctx, "stu-1")
	require.NoError(t, err)
	txs, err := store.Transactions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, txs, 5)

	for i := 1; i < len(txs); i++ {
		assert.True(t, txs[i].BalanceBefore.Equal(txs[i-1].BalanceAfter),
			"entry %d must continue the chain", i)
	}
	assert.True(t, txs[len(txs)-1].BalanceAfter.Equal(b.CurrentBalance))

	assert.NoError(t, svc.VerifyChain(ctx, "stu-1"))
}

func TestVerifyChain_DetectsTamperedBalance(t *testing.T) {
	// GIVEN: A valid chain whose running balance is then corrupted
	// WHEN: VerifyChain replays the log
	// THEN: The break is reported

	svc, store := newTestLedger(t)
	ctx := context.Background()
	deposit(t, svc, "stu-1", "100.00")

	b, err := store.BudgetByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateBudgetBalance(ctx, b.ID, decimal.RequireFromString("999.00"), b.UpdatedAt))

	err = svc.VerifyChain(ctx, "stu-1")
	var chainErr *billing.ChainBreakError
	assert.ErrorAs(t, err, &chainErr)
}

// =============================================================================
// READ API
// =============================================================================

func TestBalanceSummary(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()
	deposit(t, svc, "stu-1", "100.00")
	_, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", "les-1", pln("40.00"), "")
	require.NoError(t, err)

	sum, err := svc.BalanceSummary(ctx, "stu-1")
	require.NoError(t, err)

	assert.True(t, sum.Balance.Value.Equal(decimal.RequireFromString("60.00")))
	require.Len(t, sum.RecentTransactions, 2)
	assert.Equal(t, billing.TxLessonCharge, sum.RecentTransactions[0].Type, "newest first")
}

func TestBalanceSummary_NoBudget(t *testing.T) {
	svc, _ := newTestLedger(t)

	_, err := svc.BalanceSummary(context.Background(), "stu-none")
	assert.ErrorIs(t, err, billing.ErrBudgetNotFound)
}

func TestHistory_PaginationAndTypeFilter(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	deposit(t, svc, "stu-1", "500.00")
	for _, id := range []string{"les-1", "les-2", "les-3"} {
		_, err := svc.ChargeForLesson(ctx, "stu-1", "org-1", billing.LessonID(id), pln("50.00"), "")
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, "stu-1", billing.HistoryFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Transactions, 2)

	charge := billing.TxLessonCharge
	page, err = svc.History(ctx, "stu-1", billing.HistoryFilter{Type: &charge})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	for _, tx := range page.Transactions {
		assert.Equal(t, billing.TxLessonCharge, tx.Type)
	}
}
