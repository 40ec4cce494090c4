/*
Package notify dispatches best-effort side effects after billing
transactions commit.

PURPOSE:
  Cancellation emails, in-app notifications and external-calendar sync
  are informational: they must never roll back or block the core
  status/budget transaction. The coordinator collects events inside its
  unit of work, commits, and only then hands them to the Dispatcher.

GUARANTEES (deliberately weak):
  - Fire-and-forget: hooks run on their own goroutine with a deadline
  - Failures and panics are logged, never propagated
  - No ordering or delivery guarantee across events

SEE ALSO:
  - lesson/coordinator.go: the only producer of events
*/
package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventKind string

const (
	LessonCompleted   EventKind = "lesson_completed"
	LessonUncompleted EventKind = "lesson_uncompleted"
	LessonCancelled   EventKind = "lesson_cancelled"
	PaymentCreated    EventKind = "payment_created"
)

// Event describes one committed billing fact worth telling someone about.
type Event struct {
	Kind      EventKind
	StudentID string
	LessonID  string
	PaymentID string
	Detail    map[string]string
	At        time.Time
}

// Hook consumes one event. Returning an error only results in a log line.
type Hook func(ctx context.Context, e Event) error

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher fans committed events out to registered hooks.
type Dispatcher struct {
	mu      sync.RWMutex
	hooks   []Hook
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewDispatcher creates a dispatcher with a per-hook deadline.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{timeout: timeout}
}

// Register adds a hook. Hooks registered after events were dispatched do
// not receive those events.
func (d *Dispatcher) Register(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Dispatch hands events to all hooks asynchronously and returns
// immediately. Call only after the producing transaction has committed.
func (d *Dispatcher) Dispatch(events ...Event) {
	d.mu.RLock()
	hooks := make([]Hook, len(d.hooks))
	copy(hooks, d.hooks)
	d.mu.RUnlock()

	for _, e := range events {
		for _, h := range hooks {
			d.wg.Add(1)
			go d.run(h, e)
		}
	}
}

func (d *Dispatcher) run(h Hook, e Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify: hook panic for %s (lesson=%s): %v", e.Kind, e.LessonID, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := h(ctx, e); err != nil {
		log.Printf("notify: hook failed for %s (lesson=%s): %v", e.Kind, e.LessonID, err)
	}
}

// Wait blocks until in-flight hooks finish. Used by tests and shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// =============================================================================
// DEFAULT SINKS - Real senders live outside this subsystem
// =============================================================================

// EmailSender delivers a notification email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// CalendarSync pushes a lesson change to an external calendar.
type CalendarSync interface {
	SyncLesson(ctx context.Context, lessonID string) error
}

// LogEmailSender is the default EmailSender: it only logs. The production
// mailer is injected by the surrounding application.
type LogEmailSender struct{}

func (LogEmailSender) Send(_ context.Context, to, subject, _ string) error {
	log.Printf("notify: email to=%s subject=%q", to, subject)
	return nil
}

// LogCalendarSync is the default CalendarSync: it only logs.
type LogCalendarSync struct{}

func (LogCalendarSync) SyncLesson(_ context.Context, lessonID string) error {
	log.Printf("notify: calendar sync lesson=%s", lessonID)
	return nil
}

// EmailHook adapts an EmailSender into a Hook for lesson lifecycle events.
func EmailHook(sender EmailSender) Hook {
	return func(ctx context.Context, e Event) error {
		switch e.Kind {
		case LessonCancelled:
			return sender.Send(ctx, e.StudentID, "Lesson cancelled", e.Detail["title"])
		case LessonCompleted:
			return sender.Send(ctx, e.StudentID, "Lesson completed", e.Detail["title"])
		}
		return nil
	}
}

// CalendarHook adapts a CalendarSync into a Hook.
func CalendarHook(sync CalendarSync) Hook {
	return func(ctx context.Context, e Event) error {
		if e.LessonID == "" {
			return nil
		}
		return sync.SyncLesson(ctx, e.LessonID)
	}
}
