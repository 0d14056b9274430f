// Package event provides a resettable one-shot signal shared between goroutines.
package event

import (
	"context"
	"sync"
)

// Event is a flag that goroutines can wait on. Set wakes every waiter and
// stays set until Clear is called.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// New creates a cleared event
func New() *Event {
	return &Event{ch: make(chan struct{})}
}

// NewSet creates an event that starts out set
func NewSet() *Event {
	e := New()
	e.Set()
	return e
}

// Set marks the event and releases all waiters
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear resets the event so that subsequent waits block
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports whether the event is currently set
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set
func (e *Event) Wait() {
	<-e.Done()
}

// WaitContext blocks until the event is set or ctx is done
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
