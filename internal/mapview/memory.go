package mapview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/cluster"
	"github.com/joeblew999/mainstem-explorer/internal/expr"
)

var (
	ErrSourceExists  = errors.New("source already exists")
	ErrUnknownSource = errors.New("unknown source")
	ErrLayerExists   = errors.New("layer already exists")
	ErrUnknownLayer  = errors.New("unknown layer")
)

// Command ops emitted by Memory.
const (
	OpSetStyle    = "setStyle"
	OpAddSource   = "addSource"
	OpSetData     = "setData"
	OpAddLayer    = "addLayer"
	OpSetPaint    = "setPaintProperty"
	OpSetLayout   = "setLayoutProperty"
	OpSetFilter   = "setFilter"
	OpAddImage    = "addImage"
	OpAddControl  = "addControl"
	OpListen      = "on"
	OpUnlisten    = "off"
	OpFitBounds   = "fitBounds"
	OpEaseTo      = "easeTo"
	OpSetCursor   = "setCursor"
	OpPopup       = "popup"
	OpPopupRemove = "popupRemove"
)

// Command is one mutation applied to a Memory map.
type Command struct {
	Seq    uint64 `json:"seq"`
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
	Name   string `json:"name,omitempty"`
	Value  any    `json:"value,omitempty"`
}

type listener struct {
	event   string
	layerID string
	handler Handler
}

// Memory is an in-process Map. Observers are called with the map lock held
// and must neither block nor call back into the map.
type Memory struct {
	mu sync.Mutex

	seq         uint64
	style       string
	sources     map[string]*memorySource
	sourceOrder []string
	layers      map[string]*LayerStyle
	layerOrder  []string
	images      map[string]string
	controls    []Control
	listeners   map[ListenerID]listener
	nextID      ListenerID
	rendered    map[string][]*geojson.Feature
	popups      map[string]*MemoryPopup
	cursor      string

	zoom   float64
	center orb.Point
	bounds orb.Bound

	observers    map[int]func(Command)
	nextObserver int
}

var _ Map = (*Memory)(nil)

// NewMemory creates an empty map showing the whole world at zoom 0.
func NewMemory(style string) *Memory {
	return &Memory{
		style:     style,
		sources:   make(map[string]*memorySource),
		layers:    make(map[string]*LayerStyle),
		images:    make(map[string]string),
		listeners: make(map[ListenerID]listener),
		rendered:  make(map[string][]*geojson.Feature),
		popups:    make(map[string]*MemoryPopup),
		bounds:    orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}},
		observers: make(map[int]func(Command)),
	}
}

// emit records a command. Caller holds mu.
func (m *Memory) emit(op, target, name string, value any) {
	m.seq++
	cmd := Command{Seq: m.seq, Op: op, Target: target, Name: name, Value: value}
	for _, fn := range m.observers {
		fn(cmd)
	}
}

// Subscribe registers an observer and returns the commands that rebuild the
// current state, atomically with the registration.
func (m *Memory) Subscribe(fn func(Command)) (snapshot []Command, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	return m.snapshot(), func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Snapshot returns the commands that rebuild the current state.
func (m *Memory) Snapshot() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Memory) snapshot() []Command {
	cmd := func(op, target, name string, value any) Command {
		return Command{Seq: m.seq, Op: op, Target: target, Name: name, Value: value}
	}
	out := []Command{cmd(OpSetStyle, "", "", m.style)}
	for _, id := range m.sourceOrder {
		out = append(out, cmd(OpAddSource, id, "", m.sources[id].specWithData()))
	}
	names := make([]string, 0, len(m.images))
	for name := range m.images {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, cmd(OpAddImage, name, "", m.images[name]))
	}
	for _, id := range m.layerOrder {
		out = append(out, cmd(OpAddLayer, id, "", m.layers[id].Clone()))
	}
	for _, c := range m.controls {
		out = append(out, cmd(OpAddControl, c.Kind, "", c))
	}
	seen := map[[2]string]bool{}
	for _, id := range m.listenerIDs() {
		l := m.listeners[id]
		key := [2]string{l.event, l.layerID}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cmd(OpListen, l.layerID, l.event, nil))
	}
	if m.cursor != "" {
		out = append(out, cmd(OpSetCursor, "", "", m.cursor))
	}
	for name, p := range m.popups {
		if p.open {
			out = append(out, cmd(OpPopup, name, "", p.state()))
		}
	}
	return out
}

func (m *Memory) listenerIDs() []ListenerID {
	ids := make([]ListenerID, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Memory) HasSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

func (m *Memory) AddSource(id string, spec SourceSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; ok {
		return fmt.Errorf("%w: %s", ErrSourceExists, id)
	}
	src := &memorySource{id: id, spec: spec, m: m}
	if spec.Type == "geojson" {
		src.data = EmptyCollection()
		if fc, ok := spec.Data.(*geojson.FeatureCollection); ok && fc != nil {
			src.data = fc
		}
		if spec.Cluster {
			src.index = cluster.New(cluster.Options{Radius: spec.ClusterRadius, MaxZoom: spec.ClusterMaxZoom})
			src.index.Load(src.data)
		}
	}
	m.sources[id] = src
	m.sourceOrder = append(m.sourceOrder, id)
	m.emit(OpAddSource, id, "", src.specWithData())
	return nil
}

func (m *Memory) Source(id string) (Source, bool) {
	m.mu.Lock()
	src, ok := m.sources[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	switch {
	case src.index != nil:
		return clusterSource{geoJSONSource{src}}, true
	case src.spec.Type == "geojson":
		return geoJSONSource{src}, true
	}
	return vectorSource{src}, true
}

func (m *Memory) HasLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.layers[id]
	return ok
}

func (m *Memory) AddLayer(style LayerStyle, beforeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[style.ID]; ok {
		return fmt.Errorf("%w: %s", ErrLayerExists, style.ID)
	}
	if _, ok := m.sources[style.Source]; !ok {
		return fmt.Errorf("%w: %s (layer %s)", ErrUnknownSource, style.Source, style.ID)
	}
	s := style.Clone()
	m.layers[s.ID] = &s
	pos := len(m.layerOrder)
	for i, id := range m.layerOrder {
		if id == beforeID {
			pos = i
			break
		}
	}
	m.layerOrder = append(m.layerOrder, "")
	copy(m.layerOrder[pos+1:], m.layerOrder[pos:])
	m.layerOrder[pos] = s.ID
	m.emit(OpAddLayer, s.ID, beforeID, s.Clone())
	return nil
}

// Layers returns layer ids in draw order.
func (m *Memory) Layers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.layerOrder...)
}

// Layer returns a copy of a layer's current style.
func (m *Memory) Layer(id string) (LayerStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[id]
	if !ok {
		return LayerStyle{}, false
	}
	return l.Clone(), true
}

func (m *Memory) SetPaintProperty(layerID, name string, value any) error {
	return m.setProperty(OpSetPaint, layerID, name, value, func(l *LayerStyle) *map[string]any { return &l.Paint })
}

func (m *Memory) SetLayoutProperty(layerID, name string, value any) error {
	return m.setProperty(OpSetLayout, layerID, name, value, func(l *LayerStyle) *map[string]any { return &l.Layout })
}

func (m *Memory) setProperty(op, layerID, name string, value any, props func(*LayerStyle) *map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layerID)
	}
	p := props(l)
	if *p == nil {
		*p = make(map[string]any)
	}
	(*p)[name] = value
	m.emit(op, layerID, name, value)
	return nil
}

func (m *Memory) SetFilter(layerID string, filter any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layerID)
	}
	l.Filter = filter
	m.emit(OpSetFilter, layerID, "", filter)
	return nil
}

// SetRendered overrides what QueryRenderedFeatures reports for a layer, as
// reported by the browser. A nil slice removes the override.
func (m *Memory) SetRendered(layerID string, features []*geojson.Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if features == nil {
		delete(m.rendered, layerID)
		return
	}
	m.rendered[layerID] = features
}

// QueryRenderedFeatures returns the features visible in the given layers.
// GeoJSON layers are evaluated against the current view; other layers only
// report what SetRendered supplied.
func (m *Memory) QueryRenderedFeatures(layerIDs ...string) []*geojson.Feature {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(layerIDs) == 0 {
		layerIDs = m.layerOrder
	}
	var out []*geojson.Feature
	for _, id := range layerIDs {
		if fs, ok := m.rendered[id]; ok {
			out = append(out, fs...)
			continue
		}
		l, ok := m.layers[id]
		if !ok || !m.visible(l) {
			continue
		}
		src := m.sources[l.Source]
		if src == nil || src.data == nil {
			continue
		}
		var candidates []*geojson.Feature
		if src.index != nil {
			candidates = src.index.Clusters(m.bounds, m.zoom).Features
		} else {
			candidates = src.data.Features
		}
		for _, f := range candidates {
			if expr.Matches(l.Filter, f.Properties) {
				out = append(out, f)
			}
		}
	}
	return out
}

func (m *Memory) visible(l *LayerStyle) bool {
	if v, ok := l.Layout["visibility"]; ok && v == "none" {
		return false
	}
	if l.MinZoom > 0 && m.zoom < l.MinZoom {
		return false
	}
	if l.MaxZoom > 0 && m.zoom >= l.MaxZoom {
		return false
	}
	return true
}

func (m *Memory) On(event, layerID string, h Handler) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners[m.nextID] = listener{event: event, layerID: layerID, handler: h}
	m.emit(OpListen, layerID, event, nil)
	return m.nextID
}

func (m *Memory) Off(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[id]
	if !ok {
		return
	}
	delete(m.listeners, id)
	m.emit(OpUnlisten, l.layerID, l.event, nil)
}

// ListenerCount reports how many handlers are registered for an event on a
// layer ("" for map-level events).
func (m *Memory) ListenerCount(event, layerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.listeners {
		if l.event == event && l.layerID == layerID {
			n++
		}
	}
	return n
}

// Dispatch delivers an event to matching handlers in registration order.
// Map-level view events update the zoom and bounds first.
func (m *Memory) Dispatch(ev Event) {
	m.mu.Lock()
	if ev.LayerID == "" && (ev.Type == EventZoomEnd || ev.Type == EventMoveEnd) {
		m.zoom = ev.Zoom
	}
	if len(ev.Bounds) == 4 {
		m.bounds = orb.Bound{Min: orb.Point{ev.Bounds[0], ev.Bounds[1]}, Max: orb.Point{ev.Bounds[2], ev.Bounds[3]}}
	}
	var handlers []Handler
	for _, id := range m.listenerIDs() {
		l := m.listeners[id]
		if l.event == ev.Type && l.layerID == ev.LayerID {
			handlers = append(handlers, l.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SetView moves the view without emitting a command, as reported by the browser.
func (m *Memory) SetView(center orb.Point, zoom float64, bounds orb.Bound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.center, m.zoom, m.bounds = center, zoom, bounds
}

// ReloadStyle swaps the base style. Sources, layers, images and layer
// listeners are discarded, then style.load fires.
func (m *Memory) ReloadStyle(style string) {
	m.mu.Lock()
	m.style = style
	m.sources = make(map[string]*memorySource)
	m.sourceOrder = nil
	m.layers = make(map[string]*LayerStyle)
	m.layerOrder = nil
	m.images = make(map[string]string)
	m.rendered = make(map[string][]*geojson.Feature)
	for id, l := range m.listeners {
		if l.layerID != "" {
			delete(m.listeners, id)
		}
	}
	m.emit(OpSetStyle, "", "", style)
	m.mu.Unlock()

	m.Dispatch(Event{Type: EventStyleLoad})
}

func (m *Memory) HasImage(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.images[name]
	return ok
}

func (m *Memory) AddImage(name, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[name]; ok {
		return fmt.Errorf("image %s already exists", name)
	}
	m.images[name] = url
	m.emit(OpAddImage, name, "", url)
	return nil
}

func (m *Memory) FitBounds(b orb.Bound, padding float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounds = b
	m.center = b.Center()
	m.emit(OpFitBounds, "", "", map[string]any{
		"bounds":  []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		"padding": padding,
	})
}

func (m *Memory) EaseTo(center orb.Point, zoom float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.center, m.zoom = center, zoom
	m.emit(OpEaseTo, "", "", map[string]any{"center": center, "zoom": zoom})
}

func (m *Memory) Zoom() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoom
}

func (m *Memory) SetCursor(cursor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == cursor {
		return
	}
	m.cursor = cursor
	m.emit(OpSetCursor, "", "", cursor)
}

// Cursor returns the current canvas cursor.
func (m *Memory) Cursor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

func (m *Memory) AddControl(c Control) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, c)
	m.emit(OpAddControl, c.Kind, "", c)
}

// Controls returns the attached controls.
func (m *Memory) Controls() []Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Control(nil), m.controls...)
}

type memorySource struct {
	id    string
	spec  SourceSpec
	m     *Memory
	data  *geojson.FeatureCollection
	index *cluster.Index
}

func (s *memorySource) specWithData() SourceSpec {
	spec := s.spec
	if s.data != nil {
		spec.Data = s.data
	}
	return spec
}

type vectorSource struct{ *memorySource }

func (s vectorSource) ID() string { return s.id }

type geoJSONSource struct{ *memorySource }

func (s geoJSONSource) ID() string { return s.id }

func (s geoJSONSource) SetData(fc *geojson.FeatureCollection) error {
	if fc == nil {
		fc = EmptyCollection()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.sources[s.id] != s.memorySource {
		return fmt.Errorf("%w: %s", ErrUnknownSource, s.id)
	}
	s.data = fc
	if s.index != nil {
		s.index.Load(fc)
	}
	s.m.emit(OpSetData, s.id, "", fc)
	return nil
}

func (s geoJSONSource) Data() *geojson.FeatureCollection {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.data
}

type clusterSource struct{ geoJSONSource }

func (s clusterSource) ClusterLeaves(ctx context.Context, clusterID int64, limit, offset int) ([]*geojson.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.index.Leaves(clusterID, limit, offset)
}

func (s clusterSource) ClusterExpansionZoom(ctx context.Context, clusterID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.index.ExpansionZoom(clusterID)
}
