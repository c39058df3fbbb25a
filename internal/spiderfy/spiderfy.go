// Package spiderfy expands rendered clusters into individually placed points
// once the map is zoomed in past a transition level, and collapses them again
// when it zooms back out.
package spiderfy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/mainstem-explorer/internal/cluster"
	"github.com/joeblew999/mainstem-explorer/internal/expr"
	"github.com/joeblew999/mainstem-explorer/internal/layout"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

// Properties set on spiderfied features.
const (
	PropOffset      = "offset"
	PropNotFiltered = "notFiltered"
	PropClusterID   = "cluster_id"
)

// PaintTarget is a paint property faded out while clusters are expanded.
type PaintTarget struct {
	LayerID  string
	Property string
}

// Config parameterizes an Orchestrator.
type Config struct {
	ClusterSourceID string
	ClusterLayerID  string
	SpiderSourceID  string
	OpacityTargets  []PaintTarget

	TransitionZoom  float64
	FilteredOpacity float64

	// Concurrency bounds parallel leaf lookups. Zero means 8.
	Concurrency int
	Logger      *slog.Logger
}

// Orchestrator owns the cluster expansion state of one map.
type Orchestrator struct {
	m   mapview.Map
	cfg Config
	log *slog.Logger

	// applyMu serializes the staleness check with the map writes of a result.
	applyMu sync.Mutex

	mu        sync.Mutex
	filter    func(geojson.Properties) bool
	signature string
	expanded  bool
	primed    bool
	started   uint64
	applied   uint64
	// epoch counts filter changes and invalidations.
	epoch uint64

	clusterHover bool
}

// New creates an orchestrator for m.
func New(m mapview.Map, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.FilteredOpacity <= 0 || cfg.FilteredOpacity > 1 {
		cfg.FilteredOpacity = 0.25
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{m: m, cfg: cfg, log: log.With("component", "spiderfy")}
}

// SetClusterHover records whether the pointer is over a cluster marker.
func (o *Orchestrator) SetClusterHover(v bool) {
	o.mu.Lock()
	o.clusterHover = v
	o.mu.Unlock()
}

// ClusterHover reports whether the pointer is over a cluster marker.
func (o *Orchestrator) ClusterHover() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clusterHover
}

// SetFilter sets the predicate deciding which leaves are drawn at full
// opacity. A nil predicate includes everything. The next Update recomputes.
func (o *Orchestrator) SetFilter(pred func(geojson.Properties) bool) {
	o.mu.Lock()
	o.filter = pred
	o.signature = ""
	o.epoch++
	o.mu.Unlock()
}

// Invalidate forces the next Update to re-resolve leaves even if the
// rendered clusters are unchanged, as after the cluster source's data changed.
func (o *Orchestrator) Invalidate() {
	o.mu.Lock()
	o.signature = ""
	o.epoch++
	o.mu.Unlock()
}

// Signature returns the cluster id set of the current expansion.
func (o *Orchestrator) Signature() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signature
}

// Expanded reports whether clusters are currently expanded.
func (o *Orchestrator) Expanded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expanded
}

// Signature canonicalizes a set of cluster ids.
func Signature(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// OpacityStep is the paint value that hides cluster markers at and above zoom t.
func OpacityStep(t float64) expr.Expression {
	return expr.Step(expr.Zoom(), 1, expr.Stop{At: t, Value: 0})
}

func (o *Orchestrator) clusterSource() (mapview.ClusterSource, bool) {
	if o.m == nil {
		return nil, false
	}
	src, ok := o.m.Source(o.cfg.ClusterSourceID)
	if !ok {
		return nil, false
	}
	cs, ok := src.(mapview.ClusterSource)
	return cs, ok
}

func (o *Orchestrator) spiderSource() (mapview.GeoJSONSource, bool) {
	if o.m == nil {
		return nil, false
	}
	src, ok := o.m.Source(o.cfg.SpiderSourceID)
	if !ok {
		return nil, false
	}
	gs, ok := src.(mapview.GeoJSONSource)
	return gs, ok
}

// Update brings the expansion in line with the current zoom and rendered
// clusters. Leaf lookups run concurrently; a lookup that fails drops only its
// own cluster. Results are discarded if a newer update has already applied.
func (o *Orchestrator) Update(ctx context.Context) {
	if o.m == nil {
		return
	}
	cs, ok := o.clusterSource()
	if !ok {
		return
	}
	if _, ok := o.spiderSource(); !ok {
		return
	}

	if o.m.Zoom() < o.cfg.TransitionZoom {
		o.mu.Lock()
		if o.primed && !o.expanded && o.settled() {
			o.mu.Unlock()
			return
		}
		gen, epoch := o.begin(), o.epoch
		o.mu.Unlock()
		o.apply(gen, epoch, "", false, mapview.EmptyCollection())
		return
	}

	rendered := o.m.QueryRenderedFeatures(o.cfg.ClusterLayerID)
	ids := cluster.SortedIDs(rendered)
	sig := Signature(ids)

	o.mu.Lock()
	if o.expanded && sig == o.signature && o.settled() {
		o.mu.Unlock()
		return
	}
	gen, epoch := o.begin(), o.epoch
	filter := o.filter
	o.mu.Unlock()

	anchors := make(map[int64]orb.Point, len(ids))
	for _, f := range rendered {
		if id, ok := cluster.IDOf(f.Properties); ok {
			if p, isPoint := f.Geometry.(orb.Point); isPoint {
				anchors[id] = p
			}
		}
	}

	leaves := make([][]*geojson.Feature, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			fs, err := cs.ClusterLeaves(gctx, id, 0, 0)
			if err != nil {
				if errors.Is(err, context.Canceled) || gctx.Err() != nil {
					o.log.Debug("cluster leaves aborted", "cluster", id, "error", err)
				} else {
					o.log.Warn("resolving cluster leaves", "cluster", id, "error", err)
				}
				return nil
			}
			leaves[i] = fs
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		o.log.Debug("spiderfy update cancelled", "signature", sig)
		return
	}

	fc := geojson.NewFeatureCollection()
	for i, id := range ids {
		anchor, ok := anchors[id]
		if !ok || len(leaves[i]) == 0 {
			continue
		}
		for _, f := range Expand(id, anchor, leaves[i], filter, o.cfg.FilteredOpacity) {
			fc.Append(f)
		}
	}
	o.apply(gen, epoch, sig, true, fc)
}

// begin allocates a generation. Caller holds mu.
func (o *Orchestrator) begin() uint64 {
	o.started++
	o.primed = true
	return o.started
}

// settled reports whether the latest started update has applied, so the
// committed state is what the map shows. Caller holds mu.
func (o *Orchestrator) settled() bool {
	return o.applied == o.started
}

// apply publishes a result unless a newer one already has. The expansion
// state is committed together with the map writes; a result computed before
// the filter or data changed does not count as current.
func (o *Orchestrator) apply(gen, epoch uint64, sig string, expanded bool, fc *geojson.FeatureCollection) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	o.mu.Lock()
	if gen < o.applied {
		o.mu.Unlock()
		o.log.Debug("dropping stale spiderfy result", "generation", gen, "applied", o.applied)
		return
	}
	o.applied = gen
	o.signature = sig
	if epoch != o.epoch {
		o.signature = ""
	}
	o.expanded = expanded
	o.mu.Unlock()

	spider, ok := o.spiderSource()
	if !ok {
		return
	}
	if err := spider.SetData(fc); err != nil {
		o.log.Warn("publishing spiderfied points", "error", err)
		o.mu.Lock()
		o.signature = ""
		o.mu.Unlock()
		return
	}
	var opacity any = 1.0
	if expanded {
		opacity = OpacityStep(o.cfg.TransitionZoom)
	}
	for _, t := range o.cfg.OpacityTargets {
		if !o.m.HasLayer(t.LayerID) {
			continue
		}
		if err := o.m.SetPaintProperty(t.LayerID, t.Property, opacity); err != nil {
			o.log.Warn("setting cluster opacity", "layer", t.LayerID, "error", err)
		}
	}
	o.log.Debug("spiderfy applied", "expanded", expanded, "signature", sig, "points", len(fc.Features))
}

// Reset collapses any expansion immediately.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	gen, epoch := o.begin(), o.epoch
	o.mu.Unlock()
	o.apply(gen, epoch, "", false, mapview.EmptyCollection())
}

// Expand re-anchors a cluster's leaves at the cluster position and annotates
// each with its pixel offset. Leaves rejected by filter get filteredOpacity.
// The input features are not modified.
func Expand(clusterID int64, anchor orb.Point, leaves []*geojson.Feature, filter func(geojson.Properties) bool, filteredOpacity float64) []*geojson.Feature {
	offsets := layout.Offsets(len(leaves))
	out := make([]*geojson.Feature, 0, len(leaves))
	for i, leaf := range leaves {
		f := geojson.NewFeature(anchor)
		f.ID = leaf.ID
		for k, v := range leaf.Properties {
			f.Properties[k] = v
		}
		visible := 1.0
		if filter != nil && !filter(leaf.Properties) {
			visible = filteredOpacity
		}
		f.Properties[PropOffset] = []float64{offsets[i][0], offsets[i][1]}
		f.Properties[PropNotFiltered] = visible
		f.Properties[PropClusterID] = clusterID
		out = append(out, f)
	}
	return out
}
