// Package cluster groups point features into zoom-dependent clusters.
//
// Points are projected into world pixel space for each zoom and bucketed on a
// grid whose cell size is the cluster radius. A cluster id encodes its zoom
// and grid cell, so leaves can be resolved later without keeping per-zoom
// state around.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
)

// ErrClusterNotFound is returned for ids that do not name a cluster.
var ErrClusterNotFound = errors.New("cluster not found")

const (
	cellBits = 22
	cellMask = 1<<cellBits - 1
	maxZoom  = 18
)

// Options configures clustering.
type Options struct {
	Radius  float64 // cluster radius in pixels
	Extent  float64 // tile size in pixels
	MaxZoom int     // zoom above which points are never clustered
}

// DefaultOptions matches the browser map's clustered source defaults.
func DefaultOptions() Options {
	return Options{Radius: 50, Extent: 512, MaxZoom: 14}
}

// Index holds the points of one clustered source.
type Index struct {
	opts Options

	mu     sync.RWMutex
	points []*geojson.Feature
}

// New creates an empty index.
func New(opts Options) *Index {
	def := DefaultOptions()
	if opts.Radius <= 0 {
		opts.Radius = def.Radius
	}
	if opts.Extent <= 0 {
		opts.Extent = def.Extent
	}
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = def.MaxZoom
	}
	if opts.MaxZoom > maxZoom {
		opts.MaxZoom = maxZoom
	}
	return &Index{opts: opts}
}

// Options returns the effective options.
func (idx *Index) Options() Options { return idx.opts }

// Load replaces the indexed points. Features without point geometry are ignored.
func (idx *Index) Load(fc *geojson.FeatureCollection) {
	var points []*geojson.Feature
	if fc != nil {
		for _, f := range fc.Features {
			if _, ok := f.Geometry.(orb.Point); ok {
				points = append(points, f)
			}
		}
	}
	idx.mu.Lock()
	idx.points = points
	idx.mu.Unlock()
}

// Len returns the number of indexed points.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.points)
}

type cell struct{ x, y uint32 }

func (idx *Index) cellOf(p orb.Point, z int) cell {
	frac := maptile.Fraction(p, maptile.Zoom(z))
	return cell{
		x: uint32(math.Floor(frac[0] * idx.opts.Extent / idx.opts.Radius)),
		y: uint32(math.Floor(frac[1] * idx.opts.Extent / idx.opts.Radius)),
	}
}

// encode packs a zoom and grid cell into a cluster id.
func encode(z int, c cell) int64 {
	return int64(z)<<(2*cellBits) | int64(c.x&cellMask)<<cellBits | int64(c.y&cellMask)
}

func decode(id int64) (int, cell) {
	return int(id >> (2 * cellBits)), cell{
		x: uint32(id>>cellBits) & cellMask,
		y: uint32(id) & cellMask,
	}
}

// group buckets the points at zoom z, preserving load order within a bucket.
func (idx *Index) group(z int) (map[cell][]*geojson.Feature, []cell) {
	groups := make(map[cell][]*geojson.Feature)
	var order []cell
	for _, f := range idx.points {
		c := idx.cellOf(f.Point(), z)
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], f)
	}
	return groups, order
}

// Clusters returns cluster and point features inside bound at the given zoom.
// Cluster features carry cluster, cluster_id, point_count and
// point_count_abbreviated properties.
func (idx *Index) Clusters(bound orb.Bound, zoom float64) *geojson.FeatureCollection {
	z := int(math.Floor(zoom))
	if z < 0 {
		z = 0
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	fc := geojson.NewFeatureCollection()
	if z > idx.opts.MaxZoom {
		for _, f := range idx.points {
			if bound.Contains(f.Point()) {
				fc.Append(f)
			}
		}
		return fc
	}

	groups, order := idx.group(z)
	for _, c := range order {
		members := groups[c]
		if len(members) == 1 {
			if bound.Contains(members[0].Point()) {
				fc.Append(members[0])
			}
			continue
		}
		center := centroid(members)
		if !bound.Contains(center) {
			continue
		}
		f := geojson.NewFeature(center)
		id := encode(z, c)
		f.ID = id
		f.Properties["cluster"] = true
		f.Properties["cluster_id"] = id
		f.Properties["point_count"] = len(members)
		f.Properties["point_count_abbreviated"] = Abbreviate(len(members))
		fc.Append(f)
	}
	return fc
}

// Leaves returns up to limit member features of a cluster, skipping offset.
// A limit <= 0 returns every leaf.
func (idx *Index) Leaves(id int64, limit, offset int) ([]*geojson.Feature, error) {
	members, err := idx.members(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(members) {
		return []*geojson.Feature{}, nil
	}
	members = members[offset:]
	if limit > 0 && limit < len(members) {
		members = members[:limit]
	}
	out := make([]*geojson.Feature, len(members))
	copy(out, members)
	return out, nil
}

// ExpansionZoom returns the first zoom at which the cluster splits apart.
func (idx *Index) ExpansionZoom(id int64) (int, error) {
	members, err := idx.members(id)
	if err != nil {
		return 0, err
	}
	z, _ := decode(id)
	for next := z + 1; next <= idx.opts.MaxZoom; next++ {
		first := idx.cellOf(members[0].Point(), next)
		for _, m := range members[1:] {
			if idx.cellOf(m.Point(), next) != first {
				return next, nil
			}
		}
	}
	return idx.opts.MaxZoom + 1, nil
}

func (idx *Index) members(id int64) ([]*geojson.Feature, error) {
	z, c := decode(id)
	if id < 0 || z > idx.opts.MaxZoom {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var members []*geojson.Feature
	for _, f := range idx.points {
		if idx.cellOf(f.Point(), z) == c {
			members = append(members, f)
		}
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	return members, nil
}

func centroid(members []*geojson.Feature) orb.Point {
	var x, y float64
	for _, m := range members {
		p := m.Point()
		x += p[0]
		y += p[1]
	}
	n := float64(len(members))
	return orb.Point{x / n, y / n}
}

// Abbreviate formats a point count the way cluster labels show it.
func Abbreviate(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%dk", n/1000)
	case n >= 1000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

// IDOf reads a cluster id from feature properties, tolerating the numeric
// types produced by JSON decoding.
func IDOf(props geojson.Properties) (int64, bool) {
	switch v := props["cluster_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// SortedIDs returns the cluster ids of the given features in ascending order.
func SortedIDs(features []*geojson.Feature) []int64 {
	ids := make([]int64, 0, len(features))
	seen := make(map[int64]bool, len(features))
	for _, f := range features {
		id, ok := IDOf(f.Properties)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
