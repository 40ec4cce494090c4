/*
Package lesson implements the lesson lifecycle coordinator: the bridge
between lesson status transitions and billing effects.

PURPOSE:
  A lesson moves through scheduled -> confirmed -> completed/cancelled
  (plus pending_confirmation and no_show). Only two transitions have
  billing effects:

    * -> completed   charge: deduct package hours, or create a payment
    completed -> *   refund: restore hours, or delete the PENDING payment

  Every other transition is a pure status change.

PAYMENT MODES:
  PACKAGE:    hours are a hard cap. Completing a lesson that would
              overdraw the pool fails with InsufficientHoursError and
              writes nothing - the lesson stays in its old status.
  PER_LESSON: money is deferred credit. Completion always succeeds and
              creates one PENDING payment priced from the lesson's
              teacher rate (falling back to the course price), due per
              the student's billing terms.

  The asymmetry is a business policy, not an oversight: prepaid hours
  cannot go negative, unpaid invoices can.

IDEMPOTENCY:
  Transitioning to the current status is a no-op. The billing branches
  are additionally guarded: an existing open payment suppresses a second
  creation, and hour counters only move on a real status change.

SIDE EFFECTS:
  Emails, in-app notifications and calendar sync are collected during the
  transaction and dispatched fire-and-forget AFTER commit. A failing hook
  never affects the committed transition.
*/
package lesson

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fluentclass/billing-engine/billing"
	"github.com/fluentclass/billing-engine/ledger"
	"github.com/fluentclass/billing-engine/notify"
)

// Coordinator orchestrates lesson status transitions. Construct once at
// process start; it holds no mutable state.
type Coordinator struct {
	db         billing.DB
	ledger     *ledger.Service
	dispatcher *notify.Dispatcher

	// Now is injectable for deterministic due-date tests.
	Now func() time.Time
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(db billing.DB, led *ledger.Service, dispatcher *notify.Dispatcher) *Coordinator {
	return &Coordinator{
		db:         db,
		ledger:     led,
		dispatcher: dispatcher,
		Now:        time.Now,
	}
}

// Transition reports what a status update did.
type Transition struct {
	LessonID billing.LessonID
	From     billing.LessonStatus
	To       billing.LessonStatus
	Status   billing.ApplyStatus // Applied, or AlreadyApplied for same-status calls

	// CreatedPayment is set when completing a per-lesson enrollment
	// created a new PENDING payment.
	CreatedPayment *billing.Payment
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// UpdateStatus moves a lesson to a new status, applying billing effects
// for completions and un-completions inside one transaction. Side-effect
// events are dispatched only after the transaction commits.
func (c *Coordinator) UpdateStatus(ctx context.Context, lessonID billing.LessonID, to billing.LessonStatus) (*Transition, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("status %q: %w", to, billing.ErrInvalidTransition)
	}

	tr := &Transition{LessonID: lessonID, To: to, Status: billing.Applied}
	var events []notify.Event

	err := c.db.WithTx(ctx, func(st billing.Store) error {
		l, err := st.Lesson(ctx, lessonID)
		if err != nil {
			return err
		}
		if l == nil {
			return fmt.Errorf("lesson %s: %w", lessonID, billing.ErrLessonNotFound)
		}
		tr.From = l.Status

		if l.Status == to {
			// Reapplying the current status must not double-deduct hours
			// or create a second payment.
			tr.Status = billing.AlreadyApplied
			return nil
		}

		now := c.Now().UTC()

		switch {
		case to == billing.LessonCompleted:
			payment, ev, err := c.onComplete(ctx, st, l, now)
			if err != nil {
				return err
			}
			tr.CreatedPayment = payment
			events = append(events, ev...)

		case l.Status == billing.LessonCompleted:
			ev, err := c.onUncomplete(ctx, st, l, now)
			if err != nil {
				return err
			}
			events = append(events, ev...)
		}

		completedAt, cancelledAt := lifecycleTimestamps(l, to, now)
		if err := st.UpdateLessonStatus(ctx, lessonID, to, completedAt, cancelledAt, now); err != nil {
			return err
		}

		if to == billing.LessonCancelled {
			events = append(events, c.lessonEvent(notify.LessonCancelled, l, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.dispatcher.Dispatch(events...)
	return tr, nil
}

// Cancel moves a lesson to cancelled and, when a fee is given, charges a
// cancellation fee against the student's budget. The fee is a separate
// ledger transaction after the status change commits; a fee failure is
// returned but does not undo the cancellation.
func (c *Coordinator) Cancel(ctx context.Context, lessonID billing.LessonID, fee *billing.Money) (*Transition, error) {
	tr, err := c.UpdateStatus(ctx, lessonID, billing.LessonCancelled)
	if err != nil {
		return nil, err
	}
	if fee == nil || tr.Status != billing.Applied {
		return tr, nil
	}

	l, err := c.db.Lesson(ctx, lessonID)
	if err != nil {
		return tr, err
	}
	if l == nil {
		return tr, fmt.Errorf("lesson %s: %w", lessonID, billing.ErrLessonNotFound)
	}
	e, err := c.db.Enrollment(ctx, l.EnrollmentID)
	if err != nil {
		return tr, err
	}
	if e == nil {
		return tr, fmt.Errorf("enrollment %s: %w", l.EnrollmentID, billing.ErrEnrollmentNotFound)
	}

	_, err = c.ledger.ChargeCancellationFee(ctx, e.StudentID, e.OrganizationID, lessonID, *fee,
		"Late cancellation: "+l.Title)
	return tr, err
}

// =============================================================================
// BILLING BRANCHES
// =============================================================================

// onComplete applies the billing effect of a completion. Both branches
// run inside the caller's transaction; any error aborts without writes.
func (c *Coordinator) onComplete(ctx context.Context, st billing.Store, l *billing.Lesson, now time.Time) (*billing.Payment, []notify.Event, error) {
	e, err := st.Enrollment(ctx, l.EnrollmentID)
	if err != nil {
		return nil, nil, err
	}
	if e == nil {
		return nil, nil, fmt.Errorf("enrollment %s: %w", l.EnrollmentID, billing.ErrEnrollmentNotFound)
	}

	events := []notify.Event{c.lessonEvent(notify.LessonCompleted, l, now)}

	switch e.PaymentMode {
	case billing.ModePackage:
		hours := l.Hours()
		if e.HoursRemaining().LessThan(hours) {
			return nil, nil, &billing.InsufficientHoursError{
				EnrollmentID: e.ID,
				Remaining:    e.HoursRemaining(),
				Required:     hours,
			}
		}
		if err := st.UpdateEnrollmentHours(ctx, e.ID, e.HoursUsed.Add(hours), now); err != nil {
			return nil, nil, err
		}
		return nil, events, nil

	case billing.ModePerLesson:
		open, err := st.OpenPaymentByLesson(ctx, l.ID)
		if err != nil {
			return nil, nil, err
		}
		if open != nil {
			// Already billed; at most one open payment per lesson.
			return nil, events, nil
		}

		p := &billing.Payment{
			ID:        billing.PaymentID(uuid.NewString()),
			LessonID:  l.ID,
			StudentID: e.StudentID,
			Status:    billing.PaymentPending,
			Amount:    lessonPrice(l, e),
			DueDate:   DueDate(e.Terms, now),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreatePayment(ctx, p); err != nil {
			return nil, nil, err
		}
		events = append(events, notify.Event{
			Kind:      notify.PaymentCreated,
			StudentID: string(e.StudentID),
			LessonID:  string(l.ID),
			PaymentID: string(p.ID),
			Detail:    map[string]string{"amount": p.Amount.String(), "due": p.DueDate.Format("2006-01-02")},
			At:        now,
		})
		return p, events, nil
	}
	return nil, nil, fmt.Errorf("enrollment %s: unknown payment mode %q", e.ID, e.PaymentMode)
}

// onUncomplete is the exact inverse of onComplete. For per-lesson mode
// only a still-PENDING payment is deleted; a COMPLETED payment is a
// financial record and is never touched.
func (c *Coordinator) onUncomplete(ctx context.Context, st billing.Store, l *billing.Lesson, now time.Time) ([]notify.Event, error) {
	e, err := st.Enrollment(ctx, l.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("enrollment %s: %w", l.EnrollmentID, billing.ErrEnrollmentNotFound)
	}

	events := []notify.Event{c.lessonEvent(notify.LessonUncompleted, l, now)}

	switch e.PaymentMode {
	case billing.ModePackage:
		used := e.HoursUsed.Sub(l.Hours())
		if used.IsNegative() {
			used = decimal.Zero
		}
		if err := st.UpdateEnrollmentHours(ctx, e.ID, used, now); err != nil {
			return nil, err
		}
		return events, nil

	case billing.ModePerLesson:
		open, err := st.OpenPaymentByLesson(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if open != nil && open.Status == billing.PaymentPending {
			if err := st.DeletePayment(ctx, open.ID); err != nil {
				return nil, err
			}
		}
		return events, nil
	}
	return nil, fmt.Errorf("enrollment %s: unknown payment mode %q", e.ID, e.PaymentMode)
}

// =============================================================================
// HELPERS
// =============================================================================

// lessonPrice picks the per-lesson price: the lesson's teacher rate when
// set, otherwise the course's price per lesson.
func lessonPrice(l *billing.Lesson, e *billing.Enrollment) billing.Money {
	if l.TeacherRate != nil && l.TeacherRate.IsPositive() {
		return *l.TeacherRate
	}
	return e.PricePerLesson
}

// lifecycleTimestamps returns the completed/cancelled markers for the new
// status. Leaving completed clears CompletedAt; moving to a non-cancelled
// status clears CancelledAt.
func lifecycleTimestamps(l *billing.Lesson, to billing.LessonStatus, now time.Time) (completedAt, cancelledAt *time.Time) {
	switch to {
	case billing.LessonCompleted:
		completedAt = &now
		cancelledAt = l.CancelledAt
	case billing.LessonCancelled:
		cancelledAt = &now
	}
	return completedAt, cancelledAt
}

func (c *Coordinator) lessonEvent(kind notify.EventKind, l *billing.Lesson, now time.Time) notify.Event {
	return notify.Event{
		Kind:     kind,
		LessonID: string(l.ID),
		Detail:   map[string]string{"title": l.Title},
		At:       now,
	}
}
