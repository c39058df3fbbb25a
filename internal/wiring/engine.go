// Package wiring materializes a registry against a live map: sources, layers,
// per-layer listeners and controls. Everything it does is safe to repeat, and
// it is repeated on every style reload.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/mapview"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
)

type listenerKey struct {
	event   string
	layerID string
}

// Engine binds one registry to one map.
type Engine struct {
	reg    *registry.Registry
	caps   registry.Capabilities
	loader *FeatureServiceLoader
	log    *slog.Logger

	controls Controls

	mu            sync.Mutex
	behaviors     map[string]any
	listeners     map[listenerKey]mapview.ListenerID
	controlsAdded bool
	selected      string
	hidden        map[string]bool
	styleLoad     mapview.ListenerID
	attached      bool

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithControls sets the controls attached by Apply.
func WithControls(c Controls) Option { return func(e *Engine) { e.controls = c } }

// WithLoader sets the feature service loader.
func WithLoader(l *FeatureServiceLoader) Option { return func(e *Engine) { e.loader = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New creates an engine. caps.Map is the map every call targets.
func New(reg *registry.Registry, caps registry.Capabilities, opts ...Option) *Engine {
	e := &Engine{
		reg:       reg,
		caps:      caps,
		log:       slog.Default(),
		behaviors: make(map[string]any),
		listeners: make(map[listenerKey]mapview.ListenerID),
		hidden:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.loader == nil {
		e.loader = NewFeatureServiceLoader()
	}
	if e.caps.Logger == nil {
		e.caps.Logger = e.log
	}
	return e
}

func (e *Engine) ready() bool {
	return e.reg != nil && e.caps.Map != nil
}

// AddSources registers images and every source that is not already present.
func (e *Engine) AddSources(ctx context.Context) error {
	if !e.ready() {
		return nil
	}
	m := e.caps.Map
	var errs []error
	for name, url := range e.reg.Images {
		if m.HasImage(name) {
			continue
		}
		if err := m.AddImage(name, url); err != nil {
			errs = append(errs, err)
		}
	}
	for _, src := range e.reg.Sources {
		if m.HasSource(src.ID) {
			continue
		}
		if err := e.addSource(ctx, src); err != nil {
			e.log.Error("adding source", "source", src.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) addSource(ctx context.Context, src registry.SourceConfig) error {
	m := e.caps.Map
	switch def := src.Definition.(type) {
	case registry.VectorTile:
		return m.AddSource(src.ID, mapview.SourceSpec{
			Type:      "vector",
			Tiles:     def.Tiles,
			MinZoom:   def.MinZoom,
			MaxZoom:   def.MaxZoom,
			Bounds:    def.Bounds,
			PromoteID: def.PromoteID,
		})

	case registry.GeoJSON:
		data := def.Data
		if def.Load != nil {
			fc, err := def.Load(ctx)
			if err != nil {
				e.log.Error("loading source data", "source", src.ID, "error", err)
			} else {
				data = fc
			}
		}
		if data == nil {
			data = mapview.EmptyCollection()
		}
		return m.AddSource(src.ID, mapview.SourceSpec{
			Type:           "geojson",
			Data:           data,
			Cluster:        def.Cluster,
			ClusterRadius:  def.ClusterRadius,
			ClusterMaxZoom: def.ClusterMaxZoom,
		})

	case registry.FeatureService:
		if err := m.AddSource(src.ID, mapview.SourceSpec{Type: "geojson", Data: mapview.EmptyCollection()}); err != nil {
			return err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.loadFeatureService(ctx, src.ID, def)
		}()
		return nil
	}
	return fmt.Errorf("source %s: unsupported definition %T", src.ID, src.Definition)
}

func (e *Engine) loadFeatureService(ctx context.Context, id string, def registry.FeatureService) {
	fc, err := e.loader.Fetch(ctx, def)
	if err != nil {
		if ctx.Err() != nil {
			e.log.Info("feature service load cancelled", "source", id)
			return
		}
		e.log.Error("feature service load failed", "source", id, "url", def.URL, "error", err)
		return
	}
	if err := e.setData(id, fc); err != nil {
		e.log.Warn("feature service source gone", "source", id, "error", err)
		return
	}
	e.log.Debug("feature service loaded", "source", id, "features", len(fc.Features))
}

func (e *Engine) setData(id string, fc *geojson.FeatureCollection) error {
	src, ok := e.caps.Map.Source(id)
	if !ok {
		return fmt.Errorf("source %s not found", id)
	}
	gs, ok := src.(mapview.GeoJSONSource)
	if !ok {
		return fmt.Errorf("source %s does not accept data", id)
	}
	return gs.SetData(fc)
}

// Reload re-runs a loaded GeoJSON source's Load and replaces its data.
func (e *Engine) Reload(ctx context.Context, sourceID string) error {
	if !e.ready() {
		return nil
	}
	src, ok := e.reg.Source(sourceID)
	if !ok {
		return fmt.Errorf("unknown source %q", sourceID)
	}
	def, ok := src.Definition.(registry.GeoJSON)
	if !ok || def.Load == nil {
		return fmt.Errorf("source %s has no loader", sourceID)
	}
	fc, err := def.Load(ctx)
	if err != nil {
		return fmt.Errorf("reloading source %s: %w", sourceID, err)
	}
	return e.setData(sourceID, fc)
}

// Wait blocks until background source loads finish.
func (e *Engine) Wait() { e.wg.Wait() }

// AddLayers adds every drawn layer and sub-layer that is not already present.
// Grouping layers are skipped.
func (e *Engine) AddLayers() error {
	if !e.ready() {
		return nil
	}
	m := e.caps.Map
	e.mu.Lock()
	hidden := make(map[string]bool, len(e.hidden))
	for id, h := range e.hidden {
		hidden[id] = h
	}
	e.mu.Unlock()

	var errs []error
	e.reg.Walk(func(l registry.LayerDefinition, parent *registry.MainLayerDefinition) {
		style, ok := l.Style()
		if !ok || m.HasLayer(l.ID) {
			return
		}
		if hidden[l.ID] {
			if style.Layout == nil {
				style.Layout = map[string]any{}
			}
			style.Layout["visibility"] = "none"
		}
		if err := m.AddLayer(style, ""); err != nil {
			e.log.Error("adding layer", "layer", l.ID, "error", err)
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// behavior returns the layer's behavior, constructing it on first use.
func (e *Engine) behavior(l registry.LayerDefinition) any {
	if l.Behavior == nil || l.Config == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.behaviors[l.ID]; ok {
		return b
	}
	b := l.Behavior(e.caps)
	e.behaviors[l.ID] = b
	return b
}

// bind registers h for an event on a layer, replacing any earlier binding
// this engine made for the same pair.
func (e *Engine) bind(event, layerID string, h mapview.Handler) {
	m := e.caps.Map
	key := listenerKey{event: event, layerID: layerID}
	e.mu.Lock()
	old, had := e.listeners[key]
	e.mu.Unlock()
	if had {
		m.Off(old)
	}
	id := m.On(event, layerID, h)
	e.mu.Lock()
	e.listeners[key] = id
	e.mu.Unlock()
}

// AddHoverFunctions binds mouseenter handlers and their exits. Layers that
// hover without a custom exit get DefaultHoverExit.
func (e *Engine) AddHoverFunctions() {
	if !e.ready() {
		return
	}
	e.reg.Walk(func(l registry.LayerDefinition, _ *registry.MainLayerDefinition) {
		h, ok := e.behavior(l).(registry.Hoverer)
		if !ok {
			return
		}
		e.bind(mapview.EventMouseEnter, l.ID, h.OnHover)
		if x, ok := h.(registry.HoverExiter); ok {
			e.bind(mapview.EventMouseLeave, l.ID, x.OnHoverExit)
		} else {
			e.bind(mapview.EventMouseLeave, l.ID, e.DefaultHoverExit)
		}
	})
}

// AddClickFunctions binds click handlers.
func (e *Engine) AddClickFunctions() {
	if !e.ready() {
		return
	}
	e.reg.Walk(func(l registry.LayerDefinition, _ *registry.MainLayerDefinition) {
		if c, ok := e.behavior(l).(registry.Clicker); ok {
			e.bind(mapview.EventClick, l.ID, c.OnClick)
		}
	})
}

// AddMouseMoveFunctions binds mousemove handlers.
func (e *Engine) AddMouseMoveFunctions() {
	if !e.ready() {
		return
	}
	e.reg.Walk(func(l registry.LayerDefinition, _ *registry.MainLayerDefinition) {
		if mm, ok := e.behavior(l).(registry.MouseMover); ok {
			e.bind(mapview.EventMouseMove, l.ID, mm.OnMouseMove)
		}
	})
}

// DefaultHoverExit resets the cursor and dismisses the hover popup.
func (e *Engine) DefaultHoverExit(mapview.Event) {
	if e.caps.Map != nil {
		e.caps.Map.SetCursor("")
	}
	if e.caps.Hover != nil {
		e.caps.Hover.Remove()
	}
}

// AddControls attaches the enabled controls. Controls survive style reloads,
// so they are attached at most once.
func (e *Engine) AddControls(c Controls) {
	if e.caps.Map == nil {
		return
	}
	e.mu.Lock()
	if e.controlsAdded {
		e.mu.Unlock()
		return
	}
	e.controlsAdded = true
	e.mu.Unlock()
	for _, ctl := range c.list() {
		e.caps.Map.AddControl(ctl)
	}
}

// Apply materializes the whole registry and re-applies the current selection.
func (e *Engine) Apply(ctx context.Context) error {
	if !e.ready() {
		return nil
	}
	errs := []error{e.AddSources(ctx), e.AddLayers()}
	e.AddHoverFunctions()
	e.AddClickFunctions()
	e.AddMouseMoveFunctions()
	e.AddControls(e.controls)

	e.mu.Lock()
	selected := e.selected
	e.mu.Unlock()
	errs = append(errs, e.applySelection(selected))
	return errors.Join(errs...)
}

// Attach applies the registry now and again after every style reload.
func (e *Engine) Attach(ctx context.Context) error {
	if !e.ready() {
		return nil
	}
	e.mu.Lock()
	if !e.attached {
		e.attached = true
		e.mu.Unlock()
		e.styleLoad = e.caps.Map.On(mapview.EventStyleLoad, "", func(mapview.Event) {
			if err := e.Apply(ctx); err != nil {
				e.log.Error("re-applying registry after style load", "error", err)
			}
		})
	} else {
		e.mu.Unlock()
	}
	return e.Apply(ctx)
}

// Detach stops re-applying on style reload.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached && e.caps.Map != nil {
		e.caps.Map.Off(e.styleLoad)
	}
	e.attached = false
}

// Select restyles the map for a selected feature id ("" clears).
func (e *Engine) Select(id string) error {
	e.mu.Lock()
	e.selected = id
	e.mu.Unlock()
	return e.applySelection(id)
}

// Selected returns the current selection.
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

func (e *Engine) applySelection(id string) error {
	if !e.ready() {
		return nil
	}
	var errs []error
	for _, rule := range e.reg.Selection {
		if err := rule.Apply(e.caps.Map, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetVisible toggles a controllable layer and every drawn layer under it.
func (e *Engine) SetVisible(toggleID string, visible bool) error {
	if !e.ready() {
		return nil
	}
	ids := e.reg.StyleLayerIDs(toggleID)
	if len(ids) == 0 {
		return fmt.Errorf("unknown layer %q", toggleID)
	}
	value := "visible"
	if !visible {
		value = "none"
	}
	e.mu.Lock()
	for _, id := range ids {
		e.hidden[id] = !visible
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if !e.caps.Map.HasLayer(id) {
			continue
		}
		if err := e.caps.Map.SetLayoutProperty(id, "visibility", value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
