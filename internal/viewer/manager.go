// Package viewer runs one server-side map session per browser tab. A session
// owns a shadow map that the wiring engine, the cluster expansion
// orchestrator and the interaction behaviors drive; every change is streamed
// to the browser, and browser events are fed back through a per-session loop.
package viewer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
	"github.com/joeblew999/mainstem-explorer/internal/search"
	"github.com/joeblew999/mainstem-explorer/internal/service"
	"github.com/joeblew999/mainstem-explorer/internal/wiring"
)

// Store answers the lookups a session makes.
type Store interface {
	Search(ctx context.Context, q string, offset, limit int) ([]mainstem.Mainstem, int, error)
	Get(ctx context.Context, id string) (*mainstem.Mainstem, error)
}

// Config tunes every session a Manager creates.
type Config struct {
	Style           string
	TransitionZoom  float64
	FilteredOpacity float64
	SearchDebounce  time.Duration
	HoverDebounce   time.Duration
	SearchLimit     int
	Controls        wiring.Controls
	Loader          *wiring.FeatureServiceLoader
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.Style == "" {
		c.Style = "https://demotiles.maplibre.org/style.json"
	}
	if c.TransitionZoom <= 0 {
		c.TransitionZoom = 14
	}
	if c.SearchDebounce <= 0 {
		c.SearchDebounce = search.DefaultDebounce
	}
	if c.HoverDebounce <= 0 {
		c.HoverDebounce = 300 * time.Millisecond
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager creates, finds and tears down sessions.
type Manager struct {
	cfg    Config
	store  Store
	reg    *registry.Registry
	render registry.Renderer
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager. The registry is shared by all sessions.
func NewManager(store Store, reg *registry.Registry, render registry.Renderer, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		render:   render,
		log:      cfg.Logger.With("component", "viewer"),
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective session configuration.
func (m *Manager) Config() Config { return m.cfg }

// Create starts a new session.
func (m *Manager) Create() *Session {
	id := uuid.NewString()
	s := newSession(id, m.cfg, m.store, m.reg, m.render, m.log)
	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.log.Info("viewer session created", "session", id, "sessions", n)
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears one session down. It reports whether the session existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	m.log.Info("viewer session closed", "session", id)
	return true
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

func (m *Manager) all() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Watch refreshes the dataset source of every session whenever datasets are
// imported, until ctx is done.
func (m *Manager) Watch(ctx context.Context, bus *service.EventBus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Resource != service.ResourceDatasets {
				continue
			}
			for _, s := range m.all() {
				if err := s.ReloadDatasets(ctx); err != nil {
					m.log.Warn("reloading datasets", "session", s.ID(), "error", err)
				}
			}
		}
	}
}
