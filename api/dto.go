/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY ENCODING:
  Amounts travel as decimal strings ("150.00"), never floats. Parsing
  happens at the handler boundary via billing.NewMoney.

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers run
  the validator before touching domain logic.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/fluentclass/billing-engine/billing"
	"github.com/fluentclass/billing-engine/ledger"
	"github.com/fluentclass/billing-engine/lesson"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// DepositRequest credits a student's balance.
type DepositRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,oneof=PLN EUR USD"`
	PaymentID      string `json:"payment_id,omitempty"`
	Description    string `json:"description,omitempty"`
}

// AdjustmentRequest applies a signed manual correction.
type AdjustmentRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,oneof=PLN EUR USD"`
	Description    string `json:"description" validate:"required"`
	CreatedBy      string `json:"created_by" validate:"required"`
}

// ChargeRequest bills a student for a lesson.
type ChargeRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,oneof=PLN EUR USD"`
	LessonTitle    string `json:"lesson_title,omitempty"`
}

// RefundRequest reverses a lesson charge.
type RefundRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
	LessonTitle    string `json:"lesson_title,omitempty"`
}

// StatusRequest moves a lesson to a new lifecycle status.
type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// CancelRequest cancels a lesson, optionally charging a fee.
type CancelRequest struct {
	FeeAmount   string `json:"fee_amount,omitempty"`
	FeeCurrency string `json:"fee_currency,omitempty" validate:"omitempty,oneof=PLN EUR USD"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// MoneyDTO represents an amount with its currency.
type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(m billing.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Value.StringFixed(2), Currency: string(m.Currency)}
}

// LedgerResultDTO reports the outcome of a balance operation.
type LedgerResultDTO struct {
	Status          string   `json:"status"`
	TransactionID   string   `json:"transaction_id,omitempty"`
	PreviousBalance MoneyDTO `json:"previous_balance"`
	NewBalance      MoneyDTO `json:"new_balance"`
}

func toLedgerResultDTO(res *billing.LedgerResult) LedgerResultDTO {
	return LedgerResultDTO{
		Status:          string(res.Status),
		TransactionID:   string(res.TransactionID),
		PreviousBalance: toMoneyDTO(res.PreviousBalance),
		NewBalance:      toMoneyDTO(res.NewBalance),
	}
}

// TransactionDTO represents one ledger entry.
type TransactionDTO struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Amount        string            `json:"amount"`
	BalanceBefore string            `json:"balance_before"`
	BalanceAfter  string            `json:"balance_after"`
	Currency      string            `json:"currency"`
	LessonID      string            `json:"lesson_id,omitempty"`
	PaymentID     string            `json:"payment_id,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

func toTransactionDTO(tx billing.BalanceTransaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		Type:          string(tx.Type),
		Amount:        tx.Amount.StringFixed(2),
		BalanceBefore: tx.BalanceBefore.StringFixed(2),
		BalanceAfter:  tx.BalanceAfter.StringFixed(2),
		Currency:      string(tx.Currency),
		LessonID:      string(tx.LessonID),
		PaymentID:     string(tx.PaymentID),
		CreatedBy:     tx.CreatedBy,
		Description:   tx.Description,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []billing.BalanceTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

// BalanceSummaryDTO is the student balance overview.
type BalanceSummaryDTO struct {
	StudentID          string           `json:"student_id"`
	Balance            MoneyDTO         `json:"balance"`
	RecentTransactions []TransactionDTO `json:"recent_transactions"`
}

func toBalanceSummaryDTO(s *ledger.Summary) BalanceSummaryDTO {
	return BalanceSummaryDTO{
		StudentID:          string(s.StudentID),
		Balance:            toMoneyDTO(s.Balance),
		RecentTransactions: toTransactionDTOs(s.RecentTransactions),
	}
}

// HistoryPageDTO is one page of transaction history.
type HistoryPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Page         int              `json:"page"`
	PageSize     int              `json:"page_size"`
}

// PaymentDTO represents a per-lesson payment record.
type PaymentDTO struct {
	ID        string   `json:"id"`
	LessonID  string   `json:"lesson_id"`
	StudentID string   `json:"student_id"`
	Status    string   `json:"status"`
	Amount    MoneyDTO `json:"amount"`
	DueDate   string   `json:"due_date"`
	CreatedAt string   `json:"created_at"`
}

func toPaymentDTO(p *billing.Payment) *PaymentDTO {
	if p == nil {
		return nil
	}
	return &PaymentDTO{
		ID:        string(p.ID),
		LessonID:  string(p.LessonID),
		StudentID: string(p.StudentID),
		Status:    string(p.Status),
		Amount:    toMoneyDTO(p.Amount),
		DueDate:   p.DueDate.Format("2006-01-02"),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

// TransitionDTO reports the outcome of a lesson status change.
type TransitionDTO struct {
	LessonID       string      `json:"lesson_id"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	Status         string      `json:"status"`
	CreatedPayment *PaymentDTO `json:"created_payment,omitempty"`
}

func toTransitionDTO(tr *lesson.Transition) TransitionDTO {
	return TransitionDTO{
		LessonID:       string(tr.LessonID),
		From:           string(tr.From),
		To:             string(tr.To),
		Status:         string(tr.Status),
		CreatedPayment: toPaymentDTO(tr.CreatedPayment),
	}
}

// ChainStatusDTO reports ledger-chain verification.
type ChainStatusDTO struct {
	StudentID string `json:"student_id"`
	Intact    bool   `json:"intact"`
	Error     string `json:"error,omitempty"`
}
