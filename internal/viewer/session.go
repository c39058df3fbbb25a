package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
	"github.com/joeblew999/mainstem-explorer/internal/search"
	"github.com/joeblew999/mainstem-explorer/internal/spiderfy"
	"github.com/joeblew999/mainstem-explorer/internal/wiring"
)

// ErrClosed is returned by calls on a session that has been torn down.
var ErrClosed = errors.New("viewer session closed")

// Fragment selectors patched by a session.
const (
	SelectorResults = "#search-results"
	SelectorDetail  = "#mainstem-detail"
	SelectorToggles = "#layer-toggles"
)

// Results is one page of mainstem search results.
type Results struct {
	Data  []mainstem.Mainstem
	Total int
}

// Toggle is a controllable layer and its current visibility.
type Toggle struct {
	ID      string
	Label   string
	Visible bool
}

// Session is one browser map. Map events are applied in order by a single
// loop goroutine; lookups and cluster expansion run beside it.
type Session struct {
	id     string
	cfg    Config
	store  Store
	reg    *registry.Registry
	render registry.Renderer
	log    *slog.Logger

	m          *mapview.Memory
	hover      *mapview.MemoryPopup
	persistent *mapview.MemoryPopup
	engine     *wiring.Engine
	spider     *spiderfy.Orchestrator
	search     *search.Coordinator[Results]
	detail     *search.Coordinator[*mainstem.Mainstem]

	ctx    context.Context
	cancel context.CancelFunc
	events chan mapview.Event
	done   chan struct{}

	mu           sync.Mutex
	subs         map[*Outbox]func()
	fragments    map[string]Update
	signals      map[string]any
	hidden       map[string]bool
	fitID        string
	spiderCancel context.CancelFunc
	closed       bool
	wg           sync.WaitGroup
}

type interactions struct{ s *Session }

func featureID(f *geojson.Feature) string {
	if f == nil {
		return ""
	}
	if v, ok := f.Properties["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	return ""
}

// Select handles a click on a mainstem.
func (a interactions) Select(layerID string, f *geojson.Feature) {
	if id := featureID(f); id != "" {
		if err := a.s.selectID(id, false); err != nil {
			a.s.log.Warn("selecting mainstem", "id", id, "error", err)
		}
	}
}

// Inspect loads details for the hovered mainstem once the pointer settles.
func (a interactions) Inspect(layerID string, f *geojson.Feature) {
	if id := featureID(f); id != "" {
		a.s.detail.Input(id)
	}
}

func newSession(id string, cfg Config, store Store, reg *registry.Registry, render registry.Renderer, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		cfg:       cfg,
		store:     store,
		reg:       reg,
		render:    render,
		log:       log.With("session", id),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan mapview.Event, 64),
		done:      make(chan struct{}),
		subs:      make(map[*Outbox]func()),
		fragments: make(map[string]Update),
		signals:   map[string]any{"loading": false},
		hidden:    make(map[string]bool),
	}

	s.m = mapview.NewMemory(cfg.Style)
	s.hover = s.m.NewPopup("hover")
	s.persistent = s.m.NewPopup("persistent")
	s.spider = spiderfy.New(s.m, spiderfy.Config{
		ClusterSourceID: registry.SourceDatasets,
		ClusterLayerID:  registry.LayerClusters,
		SpiderSourceID:  registry.SourceSpiderfied,
		OpacityTargets: []spiderfy.PaintTarget{
			{LayerID: registry.LayerClusters, Property: "circle-opacity"},
			{LayerID: registry.LayerClusterCount, Property: "text-opacity"},
		},
		TransitionZoom:  cfg.TransitionZoom,
		FilteredOpacity: cfg.FilteredOpacity,
		Logger:          s.log,
	})

	caps := registry.Capabilities{
		Context:    ctx,
		Map:        s.m,
		Hover:      s.hover,
		Persistent: s.persistent,
		Clusters:   s.spider,
		Render:     render,
		Actions:    interactions{s},
		Logger:     s.log,
	}
	var opts []wiring.Option
	opts = append(opts, wiring.WithControls(cfg.Controls), wiring.WithLogger(s.log))
	if cfg.Loader != nil {
		opts = append(opts, wiring.WithLoader(cfg.Loader))
	}
	s.engine = wiring.New(reg, caps, opts...)

	s.search = search.NewCoordinator(s.fetchResults, s.onSearch,
		search.WithDebounce(cfg.SearchDebounce), search.WithName("search"), search.WithLogger(s.log))
	s.detail = search.NewCoordinator(s.fetchDetail, s.onDetail,
		search.WithDebounce(cfg.HoverDebounce), search.WithName("detail"), search.WithLogger(s.log))

	if err := s.engine.Attach(ctx); err != nil {
		// Missing pieces are logged by the engine; the map stays usable.
		s.log.Warn("viewer map partially wired", "error", err)
	}
	s.publishToggles()

	go s.loop()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Map returns the session's shadow map.
func (s *Session) Map() *mapview.Memory { return s.m }

// Engine returns the session's wiring engine.
func (s *Session) Engine() *wiring.Engine { return s.engine }

// Spiderfy returns the session's cluster expansion orchestrator.
func (s *Session) Spiderfy() *spiderfy.Orchestrator { return s.spider }

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev mapview.Event) {
	s.m.Dispatch(ev)
	if ev.LayerID != "" {
		return
	}
	switch ev.Type {
	case mapview.EventZoomEnd, mapview.EventMoveEnd, mapview.EventSourceData:
		s.refreshClusters()
	}
}

// Send queues a browser event for the loop.
func (s *Session) Send(ctx context.Context, ev mapview.Event) error {
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshClusters re-runs cluster expansion in the background, aborting the
// previous run.
func (s *Session) refreshClusters() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.spiderCancel != nil {
		s.spiderCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.spiderCancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.spider.Update(ctx)
	}()
}

// Search records typed input; the lookup runs once typing pauses.
func (s *Session) Search(query string) {
	s.search.Input(strings.TrimSpace(query))
}

// Select highlights a mainstem chosen from the results list, shows its
// details and fits the map to it. An empty id clears the selection.
func (s *Session) Select(id string) error {
	return s.selectID(id, true)
}

func (s *Session) selectID(id string, fit bool) error {
	if err := s.engine.Select(id); err != nil {
		return err
	}
	if fit {
		s.mu.Lock()
		s.fitID = id
		s.mu.Unlock()
	}
	s.detail.Submit(id)
	return nil
}

// SetVisible shows or hides a controllable layer.
func (s *Session) SetVisible(toggleID string, visible bool) error {
	if err := s.engine.SetVisible(toggleID, visible); err != nil {
		return err
	}
	s.mu.Lock()
	s.hidden[toggleID] = !visible
	s.mu.Unlock()
	s.publishToggles()
	if toggleID == registry.LayerDatasets {
		s.refreshClusters()
	}
	return nil
}

// FilterDatasets dims expanded dataset points whose measured variable does
// not contain variable. An empty variable removes the filter.
func (s *Session) FilterDatasets(variable string) {
	variable = strings.ToLower(strings.TrimSpace(variable))
	if variable == "" {
		s.spider.SetFilter(nil)
	} else {
		s.spider.SetFilter(func(p geojson.Properties) bool {
			v, _ := p["variableMeasured"].(string)
			return strings.Contains(strings.ToLower(v), variable)
		})
	}
	s.refreshClusters()
}

// SetStyle swaps the base map style. Sources, layers and listeners are
// re-applied by the engine when the new style loads.
func (s *Session) SetStyle(style string) {
	s.m.ReloadStyle(style)
	s.refreshClusters()
}

// ReloadDatasets refreshes the clustered dataset source from the store.
func (s *Session) ReloadDatasets(ctx context.Context) error {
	if err := s.engine.Reload(ctx, registry.SourceDatasets); err != nil {
		return err
	}
	s.spider.Invalidate()
	return s.Send(ctx, mapview.Event{Type: mapview.EventSourceData})
}

// Subscribe opens a stream of updates. The first updates rebuild the
// browser's whole state.
func (s *Session) Subscribe() (*Outbox, func(), error) {
	o := newOutbox()
	snapshot, stopMap := s.m.Subscribe(func(c mapview.Command) {
		o.push(Update{Command: &c})
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stopMap()
		return nil, nil, ErrClosed
	}
	s.subs[o] = stopMap
	replay := s.replay()
	s.mu.Unlock()

	initial := make([]Update, 0, len(snapshot)+len(replay))
	for i := range snapshot {
		initial = append(initial, Update{Command: &snapshot[i]})
	}
	o.prepend(append(initial, replay...))

	return o, func() { s.unsubscribe(o) }, nil
}

func (s *Session) unsubscribe(o *Outbox) {
	s.mu.Lock()
	stop, ok := s.subs[o]
	delete(s.subs, o)
	s.mu.Unlock()
	if ok {
		stop()
	}
	o.close()
}

// replay returns the latest signals and fragments. Caller holds mu.
func (s *Session) replay() []Update {
	signals := make(map[string]any, len(s.signals))
	for k, v := range s.signals {
		signals[k] = v
	}
	out := []Update{{Signals: signals}}
	selectors := make([]string, 0, len(s.fragments))
	for sel := range s.fragments {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)
	for _, sel := range selectors {
		out = append(out, s.fragments[sel])
	}
	return out
}

func (s *Session) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if u.Selector != "" {
		s.fragments[u.Selector] = u
	}
	for k, v := range u.Signals {
		s.signals[k] = v
	}
	for o := range s.subs {
		o.push(u)
	}
}

func (s *Session) fragment(selector, name string, data any) {
	if s.render == nil {
		return
	}
	html, err := s.render.Render(name, data)
	if err != nil {
		s.log.Error("rendering fragment", "template", name, "error", err)
		return
	}
	s.publish(Update{Selector: selector, HTML: html})
}

// Toggles returns the controllable layers and their visibility.
func (s *Session) Toggles() []Toggle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Toggle
	for _, t := range s.reg.Controllable() {
		out = append(out, Toggle{ID: t.ID, Label: t.Label, Visible: !s.hidden[t.ID]})
	}
	return out
}

func (s *Session) publishToggles() {
	s.fragment(SelectorToggles, "layer-toggles", map[string]any{"Toggles": s.Toggles(), "Session": s.id})
}

func (s *Session) fetchResults(ctx context.Context, q string) (Results, error) {
	data, total, err := s.store.Search(ctx, q, 0, s.cfg.SearchLimit)
	if err != nil {
		return Results{}, err
	}
	return Results{Data: data, Total: total}, nil
}

func (s *Session) onSearch(st search.State[Results]) {
	s.publish(Update{Signals: map[string]any{"loading": st.Loading, "searchFailed": st.Failed}})
	if st.Loading {
		return
	}
	s.fragment(SelectorResults, "search-results", map[string]any{
		"Data":    st.Result.Data,
		"Total":   st.Result.Total,
		"Query":   st.Query,
		"Session": s.id,
	})
}

func (s *Session) fetchDetail(ctx context.Context, id string) (*mainstem.Mainstem, error) {
	return s.store.Get(ctx, id)
}

func (s *Session) onDetail(st search.State[*mainstem.Mainstem]) {
	if st.Loading {
		return
	}
	s.fragment(SelectorDetail, "mainstem-detail", map[string]any{"Mainstem": st.Result})
	if st.Result == nil {
		return
	}

	s.mu.Lock()
	fit := s.fitID != "" && s.fitID == st.Result.ID
	if fit {
		s.fitID = ""
	}
	s.mu.Unlock()
	if !fit || st.Result.Geometry == "" {
		return
	}
	g, err := wkt.Unmarshal(st.Result.Geometry)
	if err != nil {
		s.log.Warn("mainstem geometry unreadable", "id", st.Result.ID, "error", err)
		return
	}
	s.m.FitBounds(g.Bound(), 40)
}

// Close tears the session down: the event loop stops, pending debounced
// lookups are dropped, lookups in flight are aborted and streams end.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*Outbox]func())
	s.mu.Unlock()

	s.cancel()
	s.search.Close()
	s.detail.Close()
	s.engine.Detach()
	<-s.done
	s.wg.Wait()
	s.search.Wait()
	s.detail.Wait()
	s.engine.Wait()

	for o, stop := range subs {
		stop()
		o.close()
	}
	s.log.Debug("viewer session closed")
}
