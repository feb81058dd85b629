package delivery

import (
	"context"
	"sync"
	"time"
)

// Waiters is an explicit registry of one-shot listeners keyed by correlation
// id (and, for the offline notification, by user key). It replaces an
// ambient event emitter: the router and the waiter API both receive the same
// instance by reference.
//
// Each key holds at most one listener; a second Register for the same key
// replaces the first (its channel is closed so the old caller unblocks).
type Waiters struct {
	mu sync.Mutex
	m  map[string]chan Event
}

// NewWaiters constructs an empty waiter registry.
func NewWaiters() *Waiters {
	return &Waiters{m: make(map[string]chan Event)}
}

// UserKey namespaces a user id so user-scoped listeners cannot collide with
// correlation ids.
func UserKey(userID string) string { return "user:" + userID }

// Register installs a one-shot listener for key and returns its channel plus
// a cancel function. Cancel is idempotent and must be called on every exit
// path that did not consume the event, or the entry would linger until the
// next Register for the same key.
func (w *Waiters) Register(key string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	w.mu.Lock()
	if old, ok := w.m[key]; ok {
		close(old)
	}
	w.m[key] = ch
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		if w.m[key] == ch {
			delete(w.m, key)
		}
		w.mu.Unlock()
	}
	return ch, cancel
}

// Notify hands ev to the listener registered for key, if any, consuming the
// registration. It reports whether a listener was present.
func (w *Waiters) Notify(key string, ev Event) bool {
	w.mu.Lock()
	ch, ok := w.m[key]
	if ok {
		delete(w.m, key)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ev // buffered; never blocks
	return true
}

// Len returns the number of outstanding listeners. Test helper.
func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}

// Wait blocks until the correlation id is notified, the timeout elapses, or
// ctx is canceled. It returns (event, true) on notification and (zero, false)
// otherwise. The listener is always cleaned up before returning.
func (w *Waiters) Wait(ctx context.Context, correlationID string, timeout time.Duration) (Event, bool) {
	ch, cancel := w.Register(correlationID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-timer.C:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}
