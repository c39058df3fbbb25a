// Package search turns keystrokes into rate-limited, cancellable lookups.
package search

import (
	"sync"
	"time"
)

// Task is a handle to a scheduled call.
type Task struct {
	once  sync.Once
	timer *time.Timer
	done  chan struct{}
}

// Cancel stops the call if it has not started. It is safe to call more than once.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.timer.Stop()
		close(t.done)
	})
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Debouncer delays calls until a quiet period has passed. Each Trigger
// cancels the call scheduled by the previous one.
type Debouncer struct {
	wait time.Duration

	mu      sync.Mutex
	pending *Task
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(wait time.Duration) *Debouncer {
	return &Debouncer{wait: wait}
}

// Trigger schedules fn after the quiet period and returns its handle.
func (d *Debouncer) Trigger(fn func()) *Task {
	t := &Task{done: make(chan struct{})}
	d.mu.Lock()
	prev := d.pending
	d.pending = t
	t.timer = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		current := d.pending == t
		if current {
			d.pending = nil
		}
		d.mu.Unlock()
		if !current || t.Cancelled() {
			return
		}
		fn()
	})
	d.mu.Unlock()
	prev.Cancel()
	return t
}

// Cancel drops the pending call, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	t := d.pending
	d.pending = nil
	d.mu.Unlock()
	t.Cancel()
}
