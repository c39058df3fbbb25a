package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 500 * time.Millisecond

// FetchFunc performs one lookup. It must honour ctx cancellation.
type FetchFunc[T any] func(ctx context.Context, query string) (T, error)

// State is what the coordinator reports to its owner.
type State[T any] struct {
	Query   string
	Loading bool
	Result  T
	// Failed is set when the last lookup errored. Result is then the zero value.
	Failed bool
}

type request struct {
	query  string
	cancel context.CancelFunc
}

// Coordinator debounces queries, aborts superseded lookups and only reports
// results of the latest one.
type Coordinator[T any] struct {
	name    string
	fetch   FetchFunc[T]
	onState func(State[T])
	deb     *Debouncer
	log     *slog.Logger

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	current *request
	closed  bool
	wg      sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*coordinatorConfig)

type coordinatorConfig struct {
	name string
	wait time.Duration
	log  *slog.Logger
}

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) { c.wait = d }
}

// WithName labels log lines.
func WithName(name string) CoordinatorOption {
	return func(c *coordinatorConfig) { c.name = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *coordinatorConfig) { c.log = l }
}

// NewCoordinator creates a coordinator. onState is called with the
// coordinator's lock held, in order, and must not call back into it.
func NewCoordinator[T any](fetch FetchFunc[T], onState func(State[T]), opts ...CoordinatorOption) *Coordinator[T] {
	cfg := coordinatorConfig{name: "search", wait: DefaultDebounce, log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if onState == nil {
		onState = func(State[T]) {}
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator[T]{
		name:    cfg.name,
		fetch:   fetch,
		onState: onState,
		deb:     NewDebouncer(cfg.wait),
		log:     cfg.log.With("coordinator", cfg.name),
		base:    base,
		stop:    stop,
	}
}

// Input records a keystroke. The lookup runs once input has been quiet for
// the debounce period; earlier pending lookups are dropped.
func (c *Coordinator[T]) Input(query string) *Task {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.deb.Trigger(func() { c.Fetch(query) })
}

// Submit drops any pending debounced input and fetches query now.
func (c *Coordinator[T]) Submit(query string) {
	c.deb.Cancel()
	c.Fetch(query)
}

// Fetch starts a lookup immediately, aborting the one in flight. An empty
// query clears the state without a lookup.
func (c *Coordinator[T]) Fetch(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.current != nil {
		c.current.cancel()
		c.current = nil
	}
	if query == "" {
		c.onState(State[T]{})
		return
	}

	ctx, cancel := context.WithCancel(c.base)
	req := &request{query: query, cancel: cancel}
	c.current = req
	c.onState(State[T]{Query: query, Loading: true})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		result, err := c.fetch(ctx, query)
		c.settle(req, result, err)
	}()
}

func (c *Coordinator[T]) settle(req *request, result T, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != req {
		c.log.Debug("discarding superseded result", "query", req.query)
		return
	}
	c.current = nil
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.log.Debug("lookup cancelled", "query", req.query)
			return
		}
		c.log.Error("lookup failed", "query", req.query, "error", err)
		c.onState(State[T]{Query: req.query, Failed: true})
		return
	}
	c.onState(State[T]{Query: req.query, Result: result})
}

// Close cancels the pending debounced call and aborts the lookup in flight.
// The coordinator cannot be reused.
func (c *Coordinator[T]) Close() {
	c.deb.Cancel()
	c.mu.Lock()
	c.closed = true
	if c.current != nil {
		c.current.cancel()
		c.current = nil
	}
	c.mu.Unlock()
	c.stop()
}

// Wait blocks until lookups already started have returned.
func (c *Coordinator[T]) Wait() { c.wg.Wait() }
