// Package mapview describes the capabilities the explorer needs from a map:
// sources, layers, listeners, popups and clustered sources. Everything that
// orchestrates the map is written against these interfaces.
//
// [Memory] is a server-side shadow of a browser map. It applies calls to its
// own state and reports each one as a [Command] so a viewer session can mirror
// it to the browser.
package mapview

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Map event types.
const (
	EventMouseEnter = "mouseenter"
	EventMouseLeave = "mouseleave"
	EventMouseMove  = "mousemove"
	EventClick      = "click"
	EventZoomEnd    = "zoomend"
	EventMoveEnd    = "moveend"
	EventSourceData = "sourcedata"
	EventStyleLoad  = "style.load"
)

// Event is a map or layer event. LayerID is empty for map-level events.
type Event struct {
	Type     string             `json:"type"`
	LayerID  string             `json:"layer,omitempty"`
	LngLat   orb.Point          `json:"lngLat"`
	Point    orb.Point          `json:"point"`
	Zoom     float64            `json:"zoom"`
	Bounds   []float64          `json:"bounds,omitempty"`
	Features []*geojson.Feature `json:"features,omitempty"`
}

// Handler receives events.
type Handler func(Event)

// ListenerID identifies a registration made with On.
type ListenerID uint64

// SourceSpec is the definition of a map source.
type SourceSpec struct {
	Type           string    `json:"type"`
	Tiles          []string  `json:"tiles,omitempty"`
	MinZoom        int       `json:"minzoom,omitempty"`
	MaxZoom        int       `json:"maxzoom,omitempty"`
	Bounds         []float64 `json:"bounds,omitempty"`
	PromoteID      string    `json:"promoteId,omitempty"`
	Data           any       `json:"data,omitempty"`
	Cluster        bool      `json:"cluster,omitempty"`
	ClusterRadius  float64   `json:"clusterRadius,omitempty"`
	ClusterMaxZoom int       `json:"clusterMaxZoom,omitempty"`
}

// LayerStyle is a style layer as the browser map expects it.
type LayerStyle struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Source      string         `json:"source" yaml:"source"`
	SourceLayer string         `json:"source-layer,omitempty" yaml:"source-layer,omitempty"`
	MinZoom     float64        `json:"minzoom,omitempty" yaml:"minzoom,omitempty"`
	MaxZoom     float64        `json:"maxzoom,omitempty" yaml:"maxzoom,omitempty"`
	Filter      any            `json:"filter,omitempty" yaml:"filter,omitempty"`
	Layout      map[string]any `json:"layout,omitempty" yaml:"layout,omitempty"`
	Paint       map[string]any `json:"paint,omitempty" yaml:"paint,omitempty"`
}

// Clone returns a copy whose property maps can be modified independently.
func (s LayerStyle) Clone() LayerStyle {
	out := s
	out.Layout = cloneMap(s.Layout)
	out.Paint = cloneMap(s.Paint)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Control is a map UI control such as the scale bar.
type Control struct {
	Kind     string         `json:"kind"`
	Position string         `json:"position,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// Map is the live map capability.
type Map interface {
	HasSource(id string) bool
	AddSource(id string, spec SourceSpec) error
	Source(id string) (Source, bool)

	HasLayer(id string) bool
	AddLayer(style LayerStyle, beforeID string) error
	SetPaintProperty(layerID, name string, value any) error
	SetLayoutProperty(layerID, name string, value any) error
	SetFilter(layerID string, filter any) error
	QueryRenderedFeatures(layerIDs ...string) []*geojson.Feature

	On(event, layerID string, h Handler) ListenerID
	Off(id ListenerID)

	HasImage(name string) bool
	AddImage(name, url string) error

	FitBounds(b orb.Bound, padding float64)
	EaseTo(center orb.Point, zoom float64)
	Zoom() float64
	SetCursor(cursor string)
	AddControl(c Control)
}

// Source is a registered map source.
type Source interface {
	ID() string
}

// GeoJSONSource is a source whose data can be replaced.
type GeoJSONSource interface {
	Source
	SetData(fc *geojson.FeatureCollection) error
	Data() *geojson.FeatureCollection
}

// ClusterSource resolves the members of a rendered cluster.
type ClusterSource interface {
	Source
	ClusterLeaves(ctx context.Context, clusterID int64, limit, offset int) ([]*geojson.Feature, error)
	ClusterExpansionZoom(ctx context.Context, clusterID int64) (int, error)
}

// Popup is a map popup.
type Popup interface {
	SetLngLat(ll orb.Point)
	SetHTML(html string)
	Open()
	Remove()
	IsOpen() bool
	HTML() string
}

// EmptyCollection returns a feature collection with no features.
func EmptyCollection() *geojson.FeatureCollection {
	return geojson.NewFeatureCollection()
}
