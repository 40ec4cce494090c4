/*
scheduler.go - Overdue payment sweeper

PURPOSE:
  Periodically scans for PENDING payments whose due date has passed and
  flips them to OVERDUE. Keeps payment status truthful without requiring
  a request to trigger the transition.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Flips payments one by one; a failure on one does not stop the sweep
  - Runs once immediately on Start so restarts catch up

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewOverdueSweeper(db)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - billing/store.go: PendingPaymentsDueBefore
  - lesson/coordinator.go: where PENDING payments are created
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fluentclass/billing-engine/billing"
)

// OverdueSweeper flips past-due PENDING payments to OVERDUE.
type OverdueSweeper struct {
	DB            billing.DB
	CheckInterval time.Duration
	Enabled       bool

	// Now is swappable for tests.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOverdueSweeper creates a sweeper with default settings.
func NewOverdueSweeper(db billing.DB) *OverdueSweeper {
	return &OverdueSweeper{
		DB:            db,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *OverdueSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Sweeper] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the sweeper and waits for the loop to exit.
func (s *OverdueSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *OverdueSweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep performs one pass and returns how many payments were flipped.
func (s *OverdueSweeper) Sweep(ctx context.Context) int {
	now := s.Now().UTC()

	due, err := s.DB.PendingPaymentsDueBefore(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Failed to list overdue payments: %v", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	flipped := 0
	for _, p := range due {
		if err := s.DB.UpdatePaymentStatus(ctx, p.ID, billing.PaymentOverdue, now); err != nil {
			log.Printf("[Sweeper] Failed to mark payment %s overdue: %v", p.ID, err)
			continue
		}
		flipped++
	}

	log.Printf("[Sweeper] Marked %d payment(s) overdue", flipped)
	return flipped
}
