package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentclass/billing-engine/notify"
)

// collector records every event it receives.
type collector struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *collector) hook(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) all() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestDispatch_DeliversToEveryHook(t *testing.T) {
	// GIVEN two registered hooks
	d := notify.NewDispatcher(time.Second)
	first := &collector{}
	second := &collector{}
	d.Register(first.hook)
	d.Register(second.hook)

	// WHEN two events are dispatched
	d.Dispatch(
		notify.Event{Kind: notify.LessonCompleted, StudentID: "stu-1", LessonID: "les-1"},
		notify.Event{Kind: notify.PaymentCreated, StudentID: "stu-1", PaymentID: "pay-1"},
	)
	d.Wait()

	// THEN each hook saw both events
	require.Len(t, first.all(), 2)
	require.Len(t, second.all(), 2)

	kinds := map[notify.EventKind]bool{}
	for _, e := range first.all() {
		kinds[e.Kind] = true
	}
	assert.True(t, kinds[notify.LessonCompleted])
	assert.True(t, kinds[notify.PaymentCreated])
}

func TestDispatch_FailingHookDoesNotBlockOthers(t *testing.T) {
	// GIVEN a hook that always fails alongside a healthy one
	d := notify.NewDispatcher(time.Second)
	d.Register(func(context.Context, notify.Event) error {
		return errors.New("smtp unreachable")
	})
	healthy := &collector{}
	d.Register(healthy.hook)

	// WHEN an event is dispatched
	d.Dispatch(notify.Event{Kind: notify.LessonCancelled, StudentID: "stu-1"})
	d.Wait()

	// THEN the healthy hook still received it
	assert.Len(t, healthy.all(), 1)
}

func TestDispatch_PanickingHookIsContained(t *testing.T) {
	d := notify.NewDispatcher(time.Second)
	d.Register(func(context.Context, notify.Event) error {
		panic("boom")
	})
	healthy := &collector{}
	d.Register(healthy.hook)

	d.Dispatch(notify.Event{Kind: notify.LessonUncompleted, StudentID: "stu-1"})
	d.Wait()

	assert.Len(t, healthy.all(), 1)
}

func TestDispatch_NoHooksIsANoOp(t *testing.T) {
	d := notify.NewDispatcher(time.Second)
	d.Dispatch(notify.Event{Kind: notify.LessonCompleted})
	d.Wait()
}
