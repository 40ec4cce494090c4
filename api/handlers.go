/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the balance ledger and lesson lifecycle coordinator via REST.
  Handles HTTP request/response, JSON serialization, input validation,
  and delegates to domain logic.

ENDPOINTS:
  Students:
    GET    /api/students/{id}/balance        Balance summary
    GET    /api/students/{id}/transactions   Paged transaction history
    GET    /api/students/{id}/ledger/verify  Chain integrity check
    POST   /api/students/{id}/deposits       Credit the balance
    POST   /api/students/{id}/adjustments    Manual correction

  Lessons:
    GET    /api/lessons/{id}                 Lesson details
    POST   /api/lessons                      Create lesson
    POST   /api/lessons/{id}/status          Lifecycle transition
    POST   /api/lessons/{id}/cancel          Cancel (optional fee)
    POST   /api/lessons/{id}/charge          Direct ledger charge
    POST   /api/lessons/{id}/refund          Reverse a charge

  Payments:
    GET    /api/payments/{id}                Payment details
    POST   /api/payments/{id}/complete       Mark paid, credit ledger
    POST   /api/payments/{id}/uncomplete     Undo, debit ledger

  Enrollments:
    POST   /api/enrollments                  Create enrollment

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator)
  3. Call domain logic (ledger service, coordinator)
  4. Serialize response
  5. Map domain errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate ledger entry)
  - 422: Insufficient package hours
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fluentclass/billing-engine/billing"
	"github.com/fluentclass/billing-engine/ledger"
	"github.com/fluentclass/billing-engine/lesson"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	DB          billing.DB
	Ledger      *ledger.Service
	Coordinator *lesson.Coordinator

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(db billing.DB, led *ledger.Service, coord *lesson.Coordinator) *Handler {
	return &Handler{
		DB:          db,
		Ledger:      led,
		Coordinator: coord,
		validate:    validator.New(),
	}
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// GetBalance returns the student's balance summary.
// GET /api/students/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	studentID := billing.StudentID(chi.URLParam(r, "id"))

	summary, err := h.Ledger.BalanceSummary(r.Context(), studentID)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceSummaryDTO(summary))
}

// GetTransactions returns one page of the student's transaction history.
// GET /api/students/{id}/transactions?type=&from=&to=&page=&page_size=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	studentID := billing.StudentID(chi.URLParam(r, "id"))

	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	page, err := h.Ledger.History(r.Context(), studentID, f)
	if err != nil {
		writeDomainError(w, "Failed to get transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryPageDTO{
		Transactions: toTransactionDTOs(page.Transactions),
		Total:        page.Total,
		Page:         page.Page,
		PageSize:     page.PageSize,
	})
}

// VerifyLedger checks the student's ledger chain integrity.
// GET /api/students/{id}/ledger/verify
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	studentID := billing.StudentID(chi.URLParam(r, "id"))

	status := ChainStatusDTO{StudentID: string(studentID), Intact: true}
	if err := h.Ledger.VerifyChain(r.Context(), studentID); err != nil {
		var chainErr *billing.ChainBreakError
		if !errors.As(err, &chainErr) {
			writeDomainError(w, "Failed to verify ledger", err)
			return
		}
		status.Intact = false
		status.Error = chainErr.Error()
	}

	writeJSON(w, http.StatusOK, status)
}

// CreateDeposit credits the student's balance.
// POST /api/students/{id}/deposits
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	studentID := billing.StudentID(chi.URLParam(r, "id"))

	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := parseMoney(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Ledger.AddDeposit(r.Context(), ledger.DepositParams{
		StudentID:      studentID,
		OrganizationID: billing.OrganizationID(req.OrganizationID),
		Amount:         amount,
		PaymentID:      billing.PaymentID(req.PaymentID),
		Description:    req.Description,
	})
	if err != nil {
		writeDomainError(w, "Failed to add deposit", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLedgerResultDTO(res))
}

// CreateAdjustment applies a signed manual correction.
// POST /api/students/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	studentID := billing.StudentID(chi.URLParam(r, "id"))

	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	// Adjustments are signed: negative debits, positive credits.
	value, err := billing.ParseDecimal(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	amount := billing.Money{Value: value, Currency: billing.Currency(req.Currency)}

	res, err := h.Ledger.AdjustBalance(r.Context(), studentID,
		billing.OrganizationID(req.OrganizationID), amount, req.Description, req.CreatedBy)
	if err != nil {
		writeDomainError(w, "Failed to adjust balance", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLedgerResultDTO(res))
}

// =============================================================================
// LESSON HANDLERS
// =============================================================================

// GetLesson returns lesson details.
// GET /api/lessons/{id}
func (h *Handler) GetLesson(w http.ResponseWriter, r *http.Request) {
	id := billing.LessonID(chi.URLParam(r, "id"))

	l, err := h.DB.Lesson(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get lesson", err)
		return
	}
	if l == nil {
		writeError(w, http.StatusNotFound, "Lesson not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// CreateLessonRequest is the request to schedule a lesson.
type CreateLessonRequest struct {
	EnrollmentID    string `json:"enrollment_id" validate:"required"`
	Title           string `json:"title" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,gt=0"`
	TeacherRate     string `json:"teacher_rate,omitempty"`
	RateCurrency    string `json:"rate_currency,omitempty" validate:"omitempty,oneof=PLN EUR USD"`
}

// CreateLesson schedules a new lesson.
// POST /api/lessons
func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req CreateLessonRequest
	if !h.decode(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	l := &billing.Lesson{
		ID:              billing.LessonID(uuid.NewString()),
		EnrollmentID:    billing.EnrollmentID(req.EnrollmentID),
		Title:           req.Title,
		Status:          billing.LessonScheduled,
		DurationMinutes: req.DurationMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.TeacherRate != "" {
		rate, err := parseMoney(req.TeacherRate, req.RateCurrency)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid teacher rate", err)
			return
		}
		l.TeacherRate = &rate
	}

	if err := h.DB.CreateLesson(r.Context(), l); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create lesson", err)
		return
	}

	writeJSON(w, http.StatusCreated, l)
}

// UpdateLessonStatus moves a lesson through its lifecycle. Completing a
// lesson consumes hours or creates a payment; leaving completed undoes
// that work.
// POST /api/lessons/{id}/status
func (h *Handler) UpdateLessonStatus(w http.ResponseWriter, r *http.Request) {
	id := billing.LessonID(chi.URLParam(r, "id"))

	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	tr, err := h.Coordinator.UpdateStatus(r.Context(), id, billing.LessonStatus(req.Status))
	if err != nil {
		writeDomainError(w, "Failed to update lesson status", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransitionDTO(tr))
}

// CancelLesson cancels a lesson, optionally charging a cancellation fee.
// POST /api/lessons/{id}/cancel
func (h *Handler) CancelLesson(w http.ResponseWriter, r *http.Request) {
	id := billing.LessonID(chi.URLParam(r, "id"))

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	var fee *billing.Money
	if req.FeeAmount != "" {
		m, err := parseMoney(req.FeeAmount, req.FeeCurrency)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fee amount", err)
			return
		}
		fee = &m
	}

	tr, err := h.Coordinator.Cancel(r.Context(), id, fee)
	if err != nil {
		writeDomainError(w, "Failed to cancel lesson", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransitionDTO(tr))
}

// ChargeLesson bills a lesson directly against the student's balance.
// Idempotent per lesson.
// POST /api/lessons/{id}/charge
func (h *Handler) ChargeLesson(w http.ResponseWriter, r *http.Request) {
	id := billing.LessonID(chi.URLParam(r, "id"))

	var req ChargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := parseMoney(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Ledger.ChargeForLesson(r.Context(),
		billing.StudentID(req.StudentID), billing.OrganizationID(req.OrganizationID),
		id, amount, req.LessonTitle)
	if err != nil {
		writeDomainError(w, "Failed to charge lesson", err)
		return
	}

	writeJSON(w, http.StatusOK, toLedgerResultDTO(res))
}

// RefundLesson reverses a lesson charge. Idempotent per lesson.
// POST /api/lessons/{id}/refund
func (h *Handler) RefundLesson(w http.ResponseWriter, r *http.Request) {
	id := billing.LessonID(chi.URLParam(r, "id"))

	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Ledger.RefundLesson(r.Context(),
		billing.StudentID(req.StudentID), billing.OrganizationID(req.OrganizationID),
		id, req.LessonTitle)
	if err != nil {
		writeDomainError(w, "Failed to refund lesson", err)
		return
	}

	writeJSON(w, http.StatusOK, toLedgerResultDTO(res))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// GetPayment returns payment details.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := billing.PaymentID(chi.URLParam(r, "id"))

	p, err := h.DB.Payment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get payment", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Payment not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// CompletePayment marks a payment as paid and credits the student's
// balance. The status flip and the deposit commit together; the
// payment's own status is the idempotency guard, so a payment that was
// uncompleted can be completed again. Safe to retry.
// POST /api/payments/{id}/complete
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.PaymentID(chi.URLParam(r, "id"))

	var res *billing.LedgerResult
	err := h.DB.WithTx(ctx, func(st billing.Store) error {
		p, err := st.Payment(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return billing.ErrPaymentNotFound
		}
		if p.Status == billing.PaymentCompleted {
			res, err = paymentNoOp(ctx, st, billing.AlreadyApplied, p)
			return err
		}

		l, err := st.Lesson(ctx, p.LessonID)
		if err != nil {
			return err
		}
		if l == nil {
			return billing.ErrLessonNotFound
		}
		e, err := st.Enrollment(ctx, l.EnrollmentID)
		if err != nil {
			return err
		}
		if e == nil {
			return billing.ErrEnrollmentNotFound
		}

		if err := st.UpdatePaymentStatus(ctx, id, billing.PaymentCompleted, time.Now().UTC()); err != nil {
			return err
		}
		res, err = h.Ledger.AddDepositIn(ctx, st, ledger.DepositParams{
			StudentID:      p.StudentID,
			OrganizationID: e.OrganizationID,
			Amount:         p.Amount,
			PaymentID:      p.ID,
			Description:    "Payment received: " + l.Title,
		})
		return err
	})
	if err != nil {
		writeDomainError(w, "Failed to complete payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toLedgerResultDTO(res))
}

// UncompletePayment flips a completed payment back to pending and
// reverses its deposit as one unit of work. A payment that is not
// completed has nothing to revert. Safe to retry.
// POST /api/payments/{id}/uncomplete
func (h *Handler) UncompletePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.PaymentID(chi.URLParam(r, "id"))

	var res *billing.LedgerResult
	err := h.DB.WithTx(ctx, func(st billing.Store) error {
		p, err := st.Payment(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return billing.ErrPaymentNotFound
		}
		if p.Status != billing.PaymentCompleted {
			res, err = paymentNoOp(ctx, st, billing.NothingToApply, p)
			return err
		}

		if err := st.UpdatePaymentStatus(ctx, id, billing.PaymentPending, time.Now().UTC()); err != nil {
			return err
		}
		res, err = h.Ledger.RevertDepositIn(ctx, st, p.StudentID, p.ID, "Payment reverted")
		return err
	})
	if err != nil {
		writeDomainError(w, "Failed to uncomplete payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toLedgerResultDTO(res))
}

// paymentNoOp builds the do-nothing result for a payment flip, carrying
// the current balance when the student already has a budget.
func paymentNoOp(ctx context.Context, st billing.Store, status billing.ApplyStatus, p *billing.Payment) (*billing.LedgerResult, error) {
	res := &billing.LedgerResult{
		Status:          status,
		PreviousBalance: billing.ZeroMoney(p.Amount.Currency),
		NewBalance:      billing.ZeroMoney(p.Amount.Currency),
	}
	b, err := st.BudgetByStudent(ctx, p.StudentID)
	if err != nil {
		return nil, err
	}
	if b != nil {
		res.PreviousBalance = b.Balance()
		res.NewBalance = b.Balance()
	}
	return res, nil
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// CreateEnrollmentRequest is the request to enroll a student.
type CreateEnrollmentRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
	PaymentMode    string `json:"payment_mode" validate:"required,oneof=package per_lesson"`
	HoursPurchased string `json:"hours_purchased,omitempty"`
	PricePerLesson string `json:"price_per_lesson" validate:"required"`
	Currency       string `json:"currency" validate:"required,oneof=PLN EUR USD"`
	DueDayOfMonth  *int   `json:"due_day_of_month,omitempty" validate:"omitempty,min=1,max=31"`
	DueDays        *int   `json:"due_days,omitempty" validate:"omitempty,min=0"`
}

// CreateEnrollment enrolls a student.
// POST /api/enrollments
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnrollmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	price, err := parseMoney(req.PricePerLesson, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}

	hours := billing.MustParseDecimal("0")
	if req.HoursPurchased != "" {
		hours, err = billing.ParseDecimal(req.HoursPurchased)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid hours", err)
			return
		}
	}

	now := time.Now().UTC()
	e := &billing.Enrollment{
		ID:             billing.EnrollmentID(uuid.NewString()),
		StudentID:      billing.StudentID(req.StudentID),
		OrganizationID: billing.OrganizationID(req.OrganizationID),
		PaymentMode:    billing.PaymentMode(req.PaymentMode),
		HoursPurchased: hours,
		HoursUsed:      billing.MustParseDecimal("0"),
		PricePerLesson: price,
		Terms: billing.BillingTerms{
			DueDayOfMonth: req.DueDayOfMonth,
			DueDays:       req.DueDays,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.DB.CreateEnrollment(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create enrollment", err)
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates the JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// parseMoney strictly parses an amount string from a request body.
func parseMoney(amount, currency string) (billing.Money, error) {
	v, err := billing.ParseDecimal(amount)
	if err != nil {
		return billing.Money{}, err
	}
	return billing.Money{Value: v, Currency: billing.Currency(currency)}, nil
}

func parseHistoryFilter(r *http.Request) (billing.HistoryFilter, error) {
	var f billing.HistoryFilter
	q := r.URL.Query()

	if s := q.Get("type"); s != "" {
		t := billing.TransactionType(s)
		f.Type = &t
	}
	if s := q.Get("from"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, err
		}
		f.From = &ts
	}
	if s := q.Get("to"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, err
		}
		f.To = &ts
	}
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, err
		}
		f.Page = n
	}
	if s := q.Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, err
		}
		f.PageSize = n
	}
	return f, nil
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var hoursErr *billing.InsufficientHoursError
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.As(err, &hoursErr):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, billing.ErrDuplicateLessonTransaction):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, billing.ErrCurrencyMismatch),
		errors.Is(err, billing.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
