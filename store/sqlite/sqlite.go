/*
Package sqlite provides the SQLite-backed implementation of the billing
store interfaces.

PURPOSE:
  Implements billing.DB (budgets, balance transactions, enrollments,
  lessons, payments) using SQLite. In production the same patterns apply
  to PostgreSQL - only minor SQL dialect differences, plus row-level
  SELECT ... FOR UPDATE instead of the process-wide write lock.

KEY TABLES:
  budgets:              One running balance per student (unique student_id)
  balance_transactions: Immutable ledger of all balance changes
  enrollments:          Payment mode and package-hour counters
  lessons:              Lesson lifecycle state
  payments:             Per-lesson billing records

CONSTRAINTS:
  idx_unique_lesson_tx enforces at most one charge and one refund per
  lesson at the database level. This is the backstop behind the ledger's
  check-then-insert guard: if two concurrent charges both pass the check,
  the index rejects the loser.

CONCURRENCY:
  WithTx holds the store's write lock for the whole unit of work, so
  concurrent mutations serialize. SQLite allows a single writer anyway;
  the lock turns its SQLITE_BUSY errors into simple queueing. Reads take
  the shared lock.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) so readers don't block behind
  the writer.

USAGE:
  store, err := sqlite.New("./data/billing.db")   // ":memory:" for tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: interface definitions
  - billing/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/fluentclass/billing-engine/billing"
)

// Store implements billing.DB using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- One running balance per student. Mutated only by the ledger service,
	-- always alongside an appended balance_transactions row.
	CREATE TABLE IF NOT EXISTS budgets (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger. seq gives a total order per budget without
	-- relying on timestamp resolution.
	CREATE TABLE IF NOT EXISTS balance_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		budget_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		currency TEXT NOT NULL,
		lesson_id TEXT,
		payment_id TEXT,
		created_by TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balance_transactions_budget
		ON balance_transactions(budget_id, seq);

	-- CRITICAL: at most one charge and one refund per lesson. The ledger
	-- checks before inserting; this index closes the race window.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_lesson_tx
		ON balance_transactions(lesson_id, tx_type)
		WHERE lesson_id IS NOT NULL AND tx_type IN ('lesson_charge', 'lesson_refund');

	CREATE INDEX IF NOT EXISTS idx_balance_transactions_payment
		ON balance_transactions(payment_id) WHERE payment_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_balance_transactions_type
		ON balance_transactions(budget_id, tx_type);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		payment_mode TEXT NOT NULL,
		hours_purchased TEXT NOT NULL,
		hours_used TEXT NOT NULL,
		price_per_lesson TEXT NOT NULL,
		currency TEXT NOT NULL,
		due_day_of_month INTEGER,
		due_days INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_student
		ON enrollments(student_id);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		teacher_rate TEXT,
		rate_currency TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lessons_enrollment
		ON lessons(enrollment_id, status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		lesson_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		due_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_lesson
		ON payments(lesson_id, status);
	CREATE INDEX IF NOT EXISTS idx_payments_student
		ON payments(student_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn against one database transaction, holding the write
// lock so concurrent units of work serialize. fn must not call back into
// the Store; it operates on the billing.Store it is handed.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&view{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// view implements billing.Store against either the raw connection
// (autocommit) or an open transaction.
type view struct {
	q querier
}

// =============================================================================
// AUTOCOMMIT DELEGATION
// =============================================================================

// Reads take the shared lock, writes the exclusive lock, then run
// against the raw connection.

func (s *Store) BudgetByStudent(ctx context.Context, id billing.StudentID) (*billing.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).BudgetByStudent(ctx, id)
}

func (s *Store) CreateBudget(ctx context.Context, b *billing.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).CreateBudget(ctx, b)
}

func (s *Store) UpdateBudgetBalance(ctx context.Context, id billing.BudgetID, balance decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).UpdateBudgetBalance(ctx, id, balance, at)
}

func (s *Store) AppendTransaction(ctx context.Context, tx *billing.BalanceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).AppendTransaction(ctx, tx)
}

func (s *Store) LessonTransaction(ctx context.Context, lessonID billing.LessonID, txType billing.TransactionType) (*billing.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).LessonTransaction(ctx, lessonID, txType)
}

func (s *Store) PaymentTransactions(ctx context.Context, paymentID billing.PaymentID, txType billing.TransactionType) ([]billing.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).PaymentTransactions(ctx, paymentID, txType)
}

func (s *Store) Transactions(ctx context.Context, budgetID billing.BudgetID) ([]billing.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).Transactions(ctx, budgetID)
}

func (s *Store) TransactionPage(ctx context.Context, budgetID billing.BudgetID, f billing.HistoryFilter) ([]billing.BalanceTransaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).TransactionPage(ctx, budgetID, f)
}

func (s *Store) Enrollment(ctx context.Context, id billing.EnrollmentID) (*billing.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).Enrollment(ctx, id)
}

func (s *Store) CreateEnrollment(ctx context.Context, e *billing.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).CreateEnrollment(ctx, e)
}

func (s *Store) UpdateEnrollmentHours(ctx context.Context, id billing.EnrollmentID, hoursUsed decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).UpdateEnrollmentHours(ctx, id, hoursUsed, at)
}

func (s *Store) Lesson(ctx context.Context, id billing.LessonID) (*billing.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).Lesson(ctx, id)
}

func (s *Store) CreateLesson(ctx context.Context, l *billing.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).CreateLesson(ctx, l)
}

func (s *Store) UpdateLessonStatus(ctx context.Context, id billing.LessonID, status billing.LessonStatus, completedAt, cancelledAt *time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).UpdateLessonStatus(ctx, id, status, completedAt, cancelledAt, at)
}

func (s *Store) Payment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).Payment(ctx, id)
}

func (s *Store) OpenPaymentByLesson(ctx context.Context, lessonID billing.LessonID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).OpenPaymentByLesson(ctx, lessonID)
}

func (s *Store) PendingPaymentsDueBefore(ctx context.Context, asOf time.Time) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{q: s.db}).PendingPaymentsDueBefore(ctx, asOf)
}

func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).CreatePayment(ctx, p)
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).UpdatePaymentStatus(ctx, id, status, at)
}

func (s *Store) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{q: s.db}).DeletePayment(ctx, id)
}

// =============================================================================
// BUDGETS
// =============================================================================

func (v *view) BudgetByStudent(ctx context.Context, id billing.StudentID) (*billing.Budget, error) {
	row := v.q.QueryRowContext(ctx, `
		SELECT id, student_id, organization_id, current_balance, currency, created_at, updated_at
		FROM budgets WHERE student_id = ?`, id)

	var b billing.Budget
	var balance, createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.StudentID, &b.OrganizationID, &balance, &b.Currency, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}

	b.CurrentBalance = billing.MustParseDecimal(balance)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (v *view) CreateBudget(ctx context.Context, b *billing.Budget) error {
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO budgets (id, student_id, organization_id, current_balance, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.StudentID, b.OrganizationID, b.CurrentBalance.String(), b.Currency,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if isUniqueViolation(err, "budgets.student_id") {
		return billing.ErrDuplicateBudget
	}
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

func (v *view) UpdateBudgetBalance(ctx context.Context, id billing.BudgetID, balance decimal.Decimal, at time.Time) error {
	res, err := v.q.ExecContext(ctx,
		`UPDATE budgets SET current_balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrBudgetNotFound
	}
	return nil
}

// =============================================================================
// BALANCE TRANSACTIONS
// =============================================================================

const txColumns = `id, budget_id, tx_type, amount, balance_before, balance_after,
	currency, lesson_id, payment_id, created_by, description, metadata_json, created_at`

func (v *view) AppendTransaction(ctx context.Context, tx *billing.BalanceTransaction) error {
	var metadataJSON any
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	_, err := v.q.ExecContext(ctx, `
		INSERT INTO balance_transactions
		(`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.BudgetID, tx.Type,
		tx.Amount.String(), tx.BalanceBefore.String(), tx.BalanceAfter.String(),
		tx.Currency,
		nullString(string(tx.LessonID)),
		nullString(string(tx.PaymentID)),
		nullString(tx.CreatedBy),
		nullString(tx.Description),
		metadataJSON,
		formatTime(tx.CreatedAt),
	)
	// SQLite names the violated columns, not the index:
	// "UNIQUE constraint failed: balance_transactions.lesson_id, ..."
	if isUniqueViolation(err, "balance_transactions.lesson_id") {
		return billing.ErrDuplicateLessonTransaction
	}
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (v *view) LessonTransaction(ctx context.Context, lessonID billing.LessonID, txType billing.TransactionType) (*billing.BalanceTransaction, error) {
	txs, err := v.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM balance_transactions
		WHERE lesson_id = ? AND tx_type = ?
		ORDER BY seq ASC LIMIT 1`, string(lessonID), txType)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (v *view) PaymentTransactions(ctx context.Context, paymentID billing.PaymentID, txType billing.TransactionType) ([]billing.BalanceTransaction, error) {
	return v.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM balance_transactions
		WHERE payment_id = ? AND tx_type = ?
		ORDER BY seq ASC`, string(paymentID), txType)
}

func (v *view) Transactions(ctx context.Context, budgetID billing.BudgetID) ([]billing.BalanceTransaction, error) {
	return v.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM balance_transactions
		WHERE budget_id = ?
		ORDER BY seq ASC`, budgetID)
}

func (v *view) TransactionPage(ctx context.Context, budgetID billing.BudgetID, f billing.HistoryFilter) ([]billing.BalanceTransaction, int, error) {
	f.Normalize()

	where := []string{"budget_id = ?"}
	args := []any{budgetID}
	if f.Type != nil {
		where = append(where, "tx_type = ?")
		args = append(args, *f.Type)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := v.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM balance_transactions WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	pageArgs := append(args, f.PageSize, f.Offset())
	txs, err := v.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM balance_transactions
		WHERE `+cond+`
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (v *view) queryTransactions(ctx context.Context, query string, args ...any) ([]billing.BalanceTransaction, error) {
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []billing.BalanceTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (billing.BalanceTransaction, error) {
	var (
		tx                            billing.BalanceTransaction
		amount, before, after         string
		lessonID, paymentID           sql.NullString
		createdBy, desc, metadataJSON sql.NullString
		createdAt                     string
	)

	err := rows.Scan(
		&tx.ID, &tx.BudgetID, &tx.Type, &amount, &before, &after, &tx.Currency,
		&lessonID, &paymentID, &createdBy, &desc, &metadataJSON, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Amount = billing.MustParseDecimal(amount)
	tx.BalanceBefore = billing.MustParseDecimal(before)
	tx.BalanceAfter = billing.MustParseDecimal(after)
	tx.LessonID = billing.LessonID(lessonID.String)
	tx.PaymentID = billing.PaymentID(paymentID.String)
	tx.CreatedBy = createdBy.String
	tx.Description = desc.String
	tx.CreatedAt = parseTime(createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return tx, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (v *view) Enrollment(ctx context.Context, id billing.EnrollmentID) (*billing.Enrollment, error) {
	row := v.q.QueryRowContext(ctx, `
		SELECT id, student_id, organization_id, payment_mode, hours_purchased, hours_used,
		       price_per_lesson, currency, due_day_of_month, due_days, created_at, updated_at
		FROM enrollments WHERE id = ?`, id)

	var (
		e                      billing.Enrollment
		purchased, used, price string
		currency               string
		dueDay, dueDays        sql.NullInt64
		createdAt, updatedAt   string
	)
	err := row.Scan(&e.ID, &e.StudentID, &e.OrganizationID, &e.PaymentMode,
		&purchased, &used, &price, &currency, &dueDay, &dueDays, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}

	e.HoursPurchased = billing.MustParseDecimal(purchased)
	e.HoursUsed = billing.MustParseDecimal(used)
	e.PricePerLesson = billing.Money{Value: billing.MustParseDecimal(price), Currency: billing.Currency(currency)}
	if dueDay.Valid {
		d := int(dueDay.Int64)
		e.Terms.DueDayOfMonth = &d
	}
	if dueDays.Valid {
		d := int(dueDays.Int64)
		e.Terms.DueDays = &d
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (v *view) CreateEnrollment(ctx context.Context, e *billing.Enrollment) error {
	var dueDay, dueDays any
	if e.Terms.DueDayOfMonth != nil {
		dueDay = *e.Terms.DueDayOfMonth
	}
	if e.Terms.DueDays != nil {
		dueDays = *e.Terms.DueDays
	}

	_, err := v.q.ExecContext(ctx, `
		INSERT INTO enrollments
		(id, student_id, organization_id, payment_mode, hours_purchased, hours_used,
		 price_per_lesson, currency, due_day_of_month, due_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StudentID, e.OrganizationID, e.PaymentMode,
		e.HoursPurchased.String(), e.HoursUsed.String(),
		e.PricePerLesson.Value.String(), e.PricePerLesson.Currency,
		dueDay, dueDays,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	return nil
}

func (v *view) UpdateEnrollmentHours(ctx context.Context, id billing.EnrollmentID, hoursUsed decimal.Decimal, at time.Time) error {
	res, err := v.q.ExecContext(ctx,
		`UPDATE enrollments SET hours_used = ?, updated_at = ? WHERE id = ?`,
		hoursUsed.String(), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update enrollment hours: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrEnrollmentNotFound
	}
	return nil
}

// =============================================================================
// LESSONS
// =============================================================================

func (v *view) Lesson(ctx context.Context, id billing.LessonID) (*billing.Lesson, error) {
	row := v.q.QueryRowContext(ctx, `
		SELECT id, enrollment_id, title, status, duration_minutes,
		       teacher_rate, rate_currency, completed_at, cancelled_at, created_at, updated_at
		FROM lessons WHERE id = ?`, id)

	var (
		l                        billing.Lesson
		rate, rateCurrency       sql.NullString
		completedAt, cancelledAt sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(&l.ID, &l.EnrollmentID, &l.Title, &l.Status, &l.DurationMinutes,
		&rate, &rateCurrency, &completedAt, &cancelledAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lesson: %w", err)
	}

	if rate.Valid {
		m := billing.Money{Value: billing.MustParseDecimal(rate.String), Currency: billing.Currency(rateCurrency.String)}
		l.TeacherRate = &m
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		l.CompletedAt = &t
	}
	if cancelledAt.Valid {
		t := parseTime(cancelledAt.String)
		l.CancelledAt = &t
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}

func (v *view) CreateLesson(ctx context.Context, l *billing.Lesson) error {
	var rate, rateCurrency any
	if l.TeacherRate != nil {
		rate = l.TeacherRate.Value.String()
		rateCurrency = string(l.TeacherRate.Currency)
	}

	_, err := v.q.ExecContext(ctx, `
		INSERT INTO lessons
		(id, enrollment_id, title, status, duration_minutes, teacher_rate, rate_currency,
		 completed_at, cancelled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.EnrollmentID, l.Title, l.Status, l.DurationMinutes,
		rate, rateCurrency,
		nullTime(l.CompletedAt), nullTime(l.CancelledAt),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create lesson: %w", err)
	}
	return nil
}

func (v *view) UpdateLessonStatus(ctx context.Context, id billing.LessonID, status billing.LessonStatus, completedAt, cancelledAt *time.Time, at time.Time) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE lessons SET status = ?, completed_at = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ?`,
		status, nullTime(completedAt), nullTime(cancelledAt), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update lesson status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrLessonNotFound
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, lesson_id, student_id, status, amount, currency, due_date, created_at, updated_at`

func (v *view) Payment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	return v.queryPayment(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (v *view) OpenPaymentByLesson(ctx context.Context, lessonID billing.LessonID) (*billing.Payment, error) {
	return v.queryPayment(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE lesson_id = ? AND status IN ('pending', 'completed')
		LIMIT 1`, lessonID)
}

func (v *view) queryPayment(ctx context.Context, query string, args ...any) (*billing.Payment, error) {
	row := v.q.QueryRowContext(ctx, query, args...)

	var (
		p                             billing.Payment
		amount, currency              string
		dueDate, createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.LessonID, &p.StudentID, &p.Status,
		&amount, &currency, &dueDate, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	p.Amount = billing.Money{Value: billing.MustParseDecimal(amount), Currency: billing.Currency(currency)}
	p.DueDate = parseTime(dueDate)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (v *view) PendingPaymentsDueBefore(ctx context.Context, asOf time.Time) ([]billing.Payment, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' AND due_date < ?
		ORDER BY due_date ASC`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var (
			p                             billing.Payment
			amount, currency              string
			dueDate, createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.LessonID, &p.StudentID, &p.Status,
			&amount, &currency, &dueDate, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = billing.Money{Value: billing.MustParseDecimal(amount), Currency: billing.Currency(currency)}
		p.DueDate = parseTime(dueDate)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (v *view) CreatePayment(ctx context.Context, p *billing.Payment) error {
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.LessonID, p.StudentID, p.Status,
		p.Amount.Value.String(), p.Amount.Currency,
		formatTime(p.DueDate), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (v *view) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, at time.Time) error {
	res, err := v.q.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrPaymentNotFound
	}
	return nil
}

func (v *view) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	_, err := v.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error, needle string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, needle)
}
