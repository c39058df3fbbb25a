// Package registry declares the map's sources and layers, their styles and
// the interaction behavior attached to each layer id. It holds no state; the
// wiring engine materializes it against a live map.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid registry")

// ClusterHover tracks whether the pointer is over a cluster marker.
type ClusterHover interface {
	SetClusterHover(bool)
	ClusterHover() bool
}

// Renderer renders named HTML fragments.
type Renderer interface {
	Render(name string, data any) (string, error)
}

// Interactions receives feature interactions that reach outside the map,
// such as selecting a mainstem or fetching details for a hovered feature.
type Interactions interface {
	Select(layerID string, f *geojson.Feature)
	Inspect(layerID string, f *geojson.Feature)
}

// Capabilities are bound into behaviors when the map exists.
type Capabilities struct {
	Context    context.Context
	Map        mapview.Map
	Hover      mapview.Popup
	Persistent mapview.Popup
	Clusters   ClusterHover
	Render     Renderer
	Actions    Interactions
	Logger     *slog.Logger
}

// BehaviorFactory builds a layer's interaction behavior. The returned value
// may implement any of Hoverer, HoverExiter, Clicker and MouseMover.
type BehaviorFactory func(Capabilities) any

type Hoverer interface {
	OnHover(ev mapview.Event)
}

type HoverExiter interface {
	OnHoverExit(ev mapview.Event)
}

type Clicker interface {
	OnClick(ev mapview.Event)
}

type MouseMover interface {
	OnMouseMove(ev mapview.Event)
}

// LayerDefinition describes one renderable layer. A nil Config makes it a
// grouping node that is never added to the map.
type LayerDefinition struct {
	ID           string
	Label        string
	Controllable bool
	Legend       bool
	Config       *mapview.LayerStyle
	Behavior     BehaviorFactory
}

// MainLayerDefinition is a top-level layer with one level of sub-layers.
type MainLayerDefinition struct {
	LayerDefinition
	SubLayers []LayerDefinition
}

// Registry is the full declarative description of the map.
type Registry struct {
	Sources   []SourceConfig
	Layers    []MainLayerDefinition
	Images    map[string]string
	Selection []SelectionRule
}

// Walk visits every layer, each parent before its sub-layers. parent is nil
// for top-level layers.
func (r *Registry) Walk(fn func(l LayerDefinition, parent *MainLayerDefinition)) {
	for i := range r.Layers {
		main := &r.Layers[i]
		fn(main.LayerDefinition, nil)
		for _, sub := range main.SubLayers {
			fn(sub, main)
		}
	}
}

// Layer finds a layer or sub-layer by id.
func (r *Registry) Layer(id string) (LayerDefinition, bool) {
	var found LayerDefinition
	ok := false
	r.Walk(func(l LayerDefinition, _ *MainLayerDefinition) {
		if !ok && l.ID == id {
			found, ok = l, true
		}
	})
	return found, ok
}

// Source finds a source by id.
func (r *Registry) Source(id string) (SourceConfig, bool) {
	for _, s := range r.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// StyleLayerIDs returns the ids of the drawn layers under a top-level layer,
// including the layer itself when it has a config.
func (r *Registry) StyleLayerIDs(id string) []string {
	var ids []string
	for _, main := range r.Layers {
		if main.ID != id {
			continue
		}
		if main.Config != nil {
			ids = append(ids, main.ID)
		}
		for _, sub := range main.SubLayers {
			if sub.Config != nil {
				ids = append(ids, sub.ID)
			}
		}
	}
	return ids
}

// Validate checks ids are unique, layer sources exist, and behaviors are only
// attached to drawn layers.
func (r *Registry) Validate() error {
	sources := make(map[string]bool, len(r.Sources))
	for _, s := range r.Sources {
		if s.ID == "" || s.Definition == nil {
			return fmt.Errorf("%w: source %q has no id or definition", ErrInvalid, s.ID)
		}
		if sources[s.ID] {
			return fmt.Errorf("%w: duplicate source %q", ErrInvalid, s.ID)
		}
		sources[s.ID] = true
	}

	var errs []error
	layers := map[string]bool{}
	r.Walk(func(l LayerDefinition, parent *MainLayerDefinition) {
		switch {
		case l.ID == "":
			errs = append(errs, fmt.Errorf("%w: layer without id", ErrInvalid))
			return
		case layers[l.ID]:
			errs = append(errs, fmt.Errorf("%w: duplicate layer %q", ErrInvalid, l.ID))
		}
		layers[l.ID] = true
		if l.Config == nil {
			if l.Behavior != nil {
				errs = append(errs, fmt.Errorf("%w: grouping layer %q has a behavior", ErrInvalid, l.ID))
			}
			return
		}
		if !sources[l.Config.Source] {
			errs = append(errs, fmt.Errorf("%w: layer %q references unknown source %q", ErrInvalid, l.ID, l.Config.Source))
		}
	})
	for _, rule := range r.Selection {
		if !layers[rule.LayerID] {
			errs = append(errs, fmt.Errorf("%w: selection rule for unknown layer %q", ErrInvalid, rule.LayerID))
		}
	}
	return errors.Join(errs...)
}

// Style returns the config for a drawn layer with its id filled in.
func (l LayerDefinition) Style() (mapview.LayerStyle, bool) {
	if l.Config == nil {
		return mapview.LayerStyle{}, false
	}
	s := l.Config.Clone()
	s.ID = l.ID
	return s, true
}

// ToggleEntry is a user-controllable layer and the drawn layers it toggles.
type ToggleEntry struct {
	ID       string   `json:"id" doc:"Layer id"`
	Label    string   `json:"label" doc:"Display label"`
	LayerIDs []string `json:"layer_ids" doc:"Drawn layers affected by the toggle"`
}

// Controllable lists the top-level layers a user may toggle.
func (r *Registry) Controllable() []ToggleEntry {
	var out []ToggleEntry
	for _, main := range r.Layers {
		if !main.Controllable {
			continue
		}
		out = append(out, ToggleEntry{ID: main.ID, Label: label(main.LayerDefinition), LayerIDs: r.StyleLayerIDs(main.ID)})
	}
	return out
}

// LegendEntry is one row in the map legend.
type LegendEntry struct {
	ID    string `json:"id" doc:"Layer id"`
	Label string `json:"label" doc:"Display label"`
	Type  string `json:"type,omitempty" doc:"Layer type (line, fill, circle, symbol)"`
	Color string `json:"color,omitempty" doc:"Representative color"`
}

// LegendEntries lists every layer or sub-layer flagged for the legend.
func (r *Registry) LegendEntries() []LegendEntry {
	var out []LegendEntry
	r.Walk(func(l LayerDefinition, _ *MainLayerDefinition) {
		if !l.Legend {
			return
		}
		e := LegendEntry{ID: l.ID, Label: label(l)}
		if l.Config != nil {
			e.Type = l.Config.Type
			for _, key := range []string{"line-color", "fill-color", "circle-color", "icon-color"} {
				if c, ok := l.Config.Paint[key].(string); ok {
					e.Color = c
					break
				}
			}
		}
		out = append(out, e)
	})
	return out
}

func label(l LayerDefinition) string {
	if l.Label != "" {
		return l.Label
	}
	return l.ID
}
