// Package tiles renders Mapbox Vector Tiles for the mainstem source on demand.
//
// Features are read per tile from a FeatureSource, simplified for the zoom,
// clipped, projected and gzip-encoded with paulmach/orb. Encoded tiles are
// kept in an LRU cache that is purged when the underlying data changes.
package tiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidTile is returned for coordinates outside the tile pyramid.
var ErrInvalidTile = errors.New("invalid tile coordinates")

// MaxZoom is the deepest zoom tiles are rendered for.
const MaxZoom = 14

// FeatureSource supplies features intersecting a bound.
type FeatureSource interface {
	Features(ctx context.Context, b orb.Bound) (*geojson.FeatureCollection, error)
}

// Options configures a Server.
type Options struct {
	Layer     string
	CacheSize int
	Logger    *slog.Logger
}

// Server renders and caches tiles.
type Server struct {
	src   FeatureSource
	layer string
	cache *lru.Cache[maptile.Tile, []byte]
	group singleflight.Group
	log   *slog.Logger
}

// New creates a tile server reading from src.
func New(src FeatureSource, opts Options) (*Server, error) {
	if opts.Layer == "" {
		opts.Layer = "mainstems"
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[maptile.Tile, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating tile cache: %w", err)
	}
	return &Server{src: src, layer: opts.Layer, cache: cache, log: opts.Logger.With("component", "tiles")}, nil
}

// Layer returns the vector layer name written into tiles.
func (s *Server) Layer() string { return s.layer }

// Tile returns the gzipped MVT for z/x/y. An empty tile is returned as nil
// with no error.
func (s *Server) Tile(ctx context.Context, z, x, y uint32) ([]byte, error) {
	if z > MaxZoom || x >= 1<<z || y >= 1<<z {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, z, x, y)
	}
	t := maptile.New(x, y, maptile.Zoom(z))
	if data, ok := s.cache.Get(t); ok {
		return data, nil
	}

	v, err, _ := s.group.Do(fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y), func() (any, error) {
		fc, err := s.src.Features(ctx, t.Bound())
		if err != nil {
			return nil, err
		}
		data, err := s.render(t, fc.Features)
		if err != nil {
			return nil, err
		}
		s.cache.Add(t, data)
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rendering tile %d/%d/%d: %w", z, x, y, err)
	}
	return v.([]byte), nil
}

// Purge drops every cached tile.
func (s *Server) Purge() {
	n := s.cache.Len()
	s.cache.Purge()
	s.log.Debug("tile cache purged", "tiles", n)
}

// Cached reports the number of cached tiles.
func (s *Server) Cached() int { return s.cache.Len() }

func (s *Server) render(tile maptile.Tile, features []*geojson.Feature) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	tileBound := tile.Bound()
	for _, f := range features {
		if f.Geometry == nil || !intersects(f.Geometry, tileBound) {
			continue
		}
		// Clip and ProjectToTile mutate in place.
		g := orb.Clone(f.Geometry)
		clone := geojson.NewFeature(g)
		clone.ID = f.ID
		for k, v := range f.Properties {
			clone.Properties[k] = v
		}
		fc.Append(clone)
	}
	if len(fc.Features) == 0 {
		return nil, nil
	}

	layer := mvt.NewLayer(s.layer, fc)
	if eps := simplifyEpsilon(tile.Z); eps > 0 {
		layer.Simplify(simplify.DouglasPeucker(eps))
	}
	layer.Clip(tileBound)
	layer.ProjectToTile(tile)
	layer.RemoveEmpty(0.5, 0.5)
	if len(layer.Features) == 0 {
		return nil, nil
	}
	return mvt.MarshalGzipped(mvt.Layers{layer})
}

// intersects refines a bounding box test for the geometry types mainstems use.
func intersects(g orb.Geometry, b orb.Bound) bool {
	if !g.Bound().Intersects(b) {
		return false
	}
	switch geom := g.(type) {
	case orb.Point:
		return b.Contains(geom)
	case orb.MultiLineString:
		for _, ls := range geom {
			if intersects(ls, b) {
				return true
			}
		}
		return false
	case orb.Polygon:
		for _, ring := range geom {
			for _, p := range ring {
				if b.Contains(p) {
					return true
				}
			}
		}
		return planar.PolygonContains(geom, b.Center())
	}
	return true
}

// simplifyEpsilon returns the Douglas-Peucker tolerance, in degrees, for a zoom.
func simplifyEpsilon(zoom maptile.Zoom) float64 {
	switch {
	case zoom >= 12:
		return 0
	case zoom >= 9:
		return 0.0001
	case zoom >= 6:
		return 0.001
	case zoom >= 4:
		return 0.005
	default:
		return 0.02
	}
}
