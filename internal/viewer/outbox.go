package viewer

import (
	"sync"

	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

// Update is one change a browser has to apply. Exactly one of Command,
// Signals or Selector is set.
type Update struct {
	Command  *mapview.Command
	Signals  map[string]any
	Selector string
	HTML     string
}

// Outbox queues updates for one stream. Pushing never blocks, so it is safe
// from map observers that run under the map lock.
type Outbox struct {
	mu     sync.Mutex
	items  []Update
	notify chan struct{}
	closed bool
}

func newOutbox() *Outbox {
	return &Outbox{notify: make(chan struct{}, 1)}
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) push(u Update) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.items = append(o.items, u)
	o.mu.Unlock()
	o.signal()
}

// prepend puts updates ahead of anything already queued.
func (o *Outbox) prepend(us []Update) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.items = append(append(make([]Update, 0, len(us)+len(o.items)), us...), o.items...)
	o.mu.Unlock()
	o.signal()
}

func (o *Outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.mu.Unlock()
	o.signal()
}

// Ready fires when updates may be waiting.
func (o *Outbox) Ready() <-chan struct{} { return o.notify }

// Drain removes and returns the queued updates.
func (o *Outbox) Drain() []Update {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	return out
}

// Closed reports whether the session behind the outbox has gone away.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
