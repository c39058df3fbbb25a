package registry

import (
	"context"

	"github.com/paulmach/orb/geojson"
)

// SourceType names how a source is created.
type SourceType string

const (
	SourceVectorTile     SourceType = "vector"
	SourceGeoJSON        SourceType = "geojson"
	SourceFeatureService SourceType = "feature-service"
)

// SourceConfig is a named data source.
type SourceConfig struct {
	ID         string
	Definition Definition
}

// Type reports the source's creation path.
func (s SourceConfig) Type() SourceType {
	if s.Definition == nil {
		return ""
	}
	return s.Definition.Type()
}

// Definition is one of VectorTile, GeoJSON or FeatureService.
type Definition interface {
	Type() SourceType
	definition()
}

// VectorTile is a tiled vector source.
type VectorTile struct {
	Tiles     []string
	MinZoom   int
	MaxZoom   int
	Bounds    []float64
	PromoteID string
}

// GeoJSON is an inline source. Load, when set, supplies the data when the
// source is added and takes precedence over Data.
type GeoJSON struct {
	Data           *geojson.FeatureCollection
	Load           func(ctx context.Context) (*geojson.FeatureCollection, error)
	Cluster        bool
	ClusterRadius  float64
	ClusterMaxZoom int
}

// FeatureService is an external GeoJSON query endpoint whose geometry is
// simplified before display. Simplify is the Douglas-Peucker tolerance in
// degrees; zero disables simplification.
type FeatureService struct {
	URL      string
	Where    string
	Simplify float64
}

func (VectorTile) Type() SourceType     { return SourceVectorTile }
func (GeoJSON) Type() SourceType        { return SourceGeoJSON }
func (FeatureService) Type() SourceType { return SourceFeatureService }

func (VectorTile) definition()     {}
func (GeoJSON) definition()        {}
func (FeatureService) definition() {}
