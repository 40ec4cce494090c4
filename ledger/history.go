/*
history.go - Read API: balance summary, transaction history, chain check

PURPOSE:
  The reporting side of the ledger. Nothing here mutates state; these
  queries back the balance widget, the transaction history screen, and an
  admin integrity check.

CHAIN VERIFICATION:
  The transaction log is a verifiable chain without hashes: each entry's
  BalanceAfter must equal the next entry's BalanceBefore, each entry must
  be internally consistent (after = before ± amount), and the final
  BalanceAfter must equal the budget's running balance. VerifyChain
  replays the log and reports the first break.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/fluentclass/billing-engine/billing"
)

// Summary is the read model for a student's balance widget.
type Summary struct {
	StudentID          billing.StudentID
	Balance            billing.Money
	RecentTransactions []billing.BalanceTransaction
}

// HistoryPage is one page of a budget's transaction history.
type HistoryPage struct {
	Transactions []billing.BalanceTransaction
	Total        int
	Page         int
	PageSize     int
}

// recentLimit is how many entries the balance summary carries.
const recentLimit = 10

// BalanceSummary returns the current balance plus the most recent
// transactions. Returns ErrBudgetNotFound for students with no budget;
// a budget only exists once money has moved.
func (s *Service) BalanceSummary(ctx context.Context, studentID billing.StudentID) (*Summary, error) {
	b, err := s.db.BudgetByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("summary for student %s: %w", studentID, billing.ErrBudgetNotFound)
	}

	recent, _, err := s.db.TransactionPage(ctx, b.ID, billing.HistoryFilter{Page: 1, PageSize: recentLimit})
	if err != nil {
		return nil, err
	}

	return &Summary{
		StudentID:          studentID,
		Balance:            b.Balance(),
		RecentTransactions: recent,
	}, nil
}

// History returns one page of the student's transaction history, newest
// first, optionally filtered by type and date range.
func (s *Service) History(ctx context.Context, studentID billing.StudentID, f billing.HistoryFilter) (*HistoryPage, error) {
	b, err := s.db.BudgetByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("history for student %s: %w", studentID, billing.ErrBudgetNotFound)
	}

	f.Normalize()
	txs, total, err := s.db.TransactionPage(ctx, b.ID, f)
	if err != nil {
		return nil, err
	}

	return &HistoryPage{
		Transactions: txs,
		Total:        total,
		Page:         f.Page,
		PageSize:     f.PageSize,
	}, nil
}

// VerifyChain replays the student's full transaction log and returns nil
// when the chain is intact, or a ChainBreakError describing the first
// inconsistency.
func (s *Service) VerifyChain(ctx context.Context, studentID billing.StudentID) error {
	b, err := s.db.BudgetByStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("verify chain for student %s: %w", studentID, billing.ErrBudgetNotFound)
	}

	txs, err := s.db.Transactions(ctx, b.ID)
	if err != nil {
		return err
	}

	for i := range txs {
		tx := &txs[i]
		if !tx.Consistent() {
			expected := tx.BalanceBefore
			return &billing.ChainBreakError{
				BudgetID:      b.ID,
				TransactionID: tx.ID,
				Expected:      expected,
				Actual:        tx.BalanceAfter,
			}
		}
		if i > 0 && !tx.BalanceBefore.Equal(txs[i-1].BalanceAfter) {
			return &billing.ChainBreakError{
				BudgetID:      b.ID,
				TransactionID: tx.ID,
				Expected:      txs[i-1].BalanceAfter,
				Actual:        tx.BalanceBefore,
			}
		}
	}

	if n := len(txs); n > 0 && !txs[n-1].BalanceAfter.Equal(b.CurrentBalance) {
		return &billing.ChainBreakError{
			BudgetID:      b.ID,
			TransactionID: txs[n-1].ID,
			Expected:      b.CurrentBalance,
			Actual:        txs[n-1].BalanceAfter,
		}
	}
	return nil
}
