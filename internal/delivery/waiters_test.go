package delivery

import (
	"context"
	"testing"
	"time"
)

func TestWaiters_NotifyWakesWaiter(t *testing.T) {
	w := NewWaiters()

	type result struct {
		ev Event
		ok bool
	}
	got := make(chan result, 1)
	go func() {
		ev, ok := w.Wait(context.Background(), "corr-1", 2*time.Second)
		got <- result{ev, ok}
	}()

	// Let the waiter install its listener before notifying.
	deadline := time.Now().Add(time.Second)
	for w.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !w.Notify("corr-1", Event{Type: EventResponse, CorrelationID: "corr-1"}) {
		t.Fatalf("Notify found no listener")
	}
	r := <-got
	if !r.ok || r.ev.CorrelationID != "corr-1" {
		t.Fatalf("waiter result: %+v", r)
	}
	if w.Len() != 0 {
		t.Fatalf("listener leaked after notification: %d", w.Len())
	}
}

func TestWaiters_TimeoutCleansUp(t *testing.T) {
	w := NewWaiters()

	_, ok := w.Wait(context.Background(), "corr-1", 20*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout")
	}
	if w.Len() != 0 {
		t.Fatalf("listener leaked after timeout: %d", w.Len())
	}
}

func TestWaiters_ContextCancelCleansUp(t *testing.T) {
	w := NewWaiters()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := w.Wait(ctx, "corr-1", time.Second)
	if ok {
		t.Fatalf("expected cancellation")
	}
	if w.Len() != 0 {
		t.Fatalf("listener leaked after cancel: %d", w.Len())
	}
}

func TestWaiters_NotifyWithoutListener(t *testing.T) {
	w := NewWaiters()
	if w.Notify("nobody", Event{}) {
		t.Fatalf("Notify without listener should report false")
	}
}

func TestWaiters_RegisterReplacesOldListener(t *testing.T) {
	w := NewWaiters()

	old, cancelOld := w.Register("corr-1")
	defer cancelOld()
	_, cancelNew := w.Register("corr-1")
	defer cancelNew()

	select {
	case _, open := <-old:
		if open {
			t.Fatalf("old listener should be closed, not notified")
		}
	case <-time.After(time.Second):
		t.Fatalf("old listener was not closed on replacement")
	}
	if w.Len() != 1 {
		t.Fatalf("expected exactly one listener, got %d", w.Len())
	}
}
