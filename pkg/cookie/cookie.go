package cookie

import (
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

// Cookie is the suspended-operation handle handed to the engine by a
// frontend connection. An operation that cannot complete immediately
// returns StatusWouldBlock after registering the cookie; the engine calls
// NotifyIOComplete exactly once when the operation can be retried or has
// terminally failed.
type Cookie interface {
	ID() string
	NotifyIOComplete(status types.Status)
	StoreEngineSpecific(v any)
	EngineSpecific() any
}

// Waiter is the in-process Cookie implementation used by callers that want
// to block on completion.
type Waiter struct {
	id string

	mu       sync.Mutex
	specific any
	notified bool

	ch chan types.Status
}

// NewWaiter creates a waiter cookie.
func NewWaiter() *Waiter {
	return &Waiter{
		id: uuid.New().String(),
		ch: make(chan types.Status, 1),
	}
}

// ID returns the cookie identity.
func (w *Waiter) ID() string { return w.id }

// NotifyIOComplete delivers the completion status. Duplicate notifications
// are dropped so a cookie is observed at most once.
func (w *Waiter) NotifyIOComplete(status types.Status) {
	w.mu.Lock()
	if w.notified {
		w.mu.Unlock()
		return
	}
	w.notified = true
	w.mu.Unlock()
	w.ch <- status
}

// StoreEngineSpecific attaches engine state to the cookie.
func (w *Waiter) StoreEngineSpecific(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.specific = v
}

// EngineSpecific returns previously attached engine state.
func (w *Waiter) EngineSpecific() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.specific
}

// Wait blocks until notification or timeout.
func (w *Waiter) Wait(timeout time.Duration) (types.Status, bool) {
	select {
	case s := <-w.ch:
		return s, true
	case <-time.After(timeout):
		return types.StatusTempFailure, false
	}
}
