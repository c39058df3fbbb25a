package registry

import (
	"context"
	"fmt"
	"html"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/cluster"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

func factory[T any](fn func(Capabilities) T) BehaviorFactory {
	return func(c Capabilities) any { return fn(c) }
}

func (c Capabilities) render(name string, data any, fallback string) string {
	if c.Render != nil {
		out, err := c.Render.Render(name, data)
		if err == nil {
			return out
		}
		if c.Logger != nil {
			c.Logger.Warn("popup render failed", "template", name, "error", err)
		}
	}
	return html.EscapeString(fallback)
}

func (c Capabilities) ctx() context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}

func firstFeature(ev mapview.Event) *geojson.Feature {
	if len(ev.Features) == 0 {
		return nil
	}
	return ev.Features[0]
}

func showPopup(p mapview.Popup, at orb.Point, content string) {
	if p == nil {
		return
	}
	p.SetLngLat(at)
	p.SetHTML(content)
	p.Open()
}

// showPersistent opens the persistent popup unless it already shows content.
func showPersistent(p mapview.Popup, at orb.Point, content string) {
	if p == nil || (p.IsOpen() && p.HTML() == content) {
		return
	}
	showPopup(p, at, content)
}

// MainstemBehavior shows a mainstem's name on hover and selects it on click.
type MainstemBehavior struct{ caps Capabilities }

func NewMainstemBehavior(c Capabilities) *MainstemBehavior { return &MainstemBehavior{caps: c} }

func (b *MainstemBehavior) OnHover(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	b.caps.Map.SetCursor("pointer")
	showPopup(b.caps.Hover, ev.LngLat, b.caps.render("mainstem-popup", f.Properties, str(f.Properties, "name")))
	if b.caps.Actions != nil {
		b.caps.Actions.Inspect(ev.LayerID, f)
	}
}

func (b *MainstemBehavior) OnClick(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	if b.caps.Actions != nil {
		b.caps.Actions.Select(ev.LayerID, f)
	}
	showPersistent(b.caps.Persistent, ev.LngLat, b.caps.render("mainstem-popup", f.Properties, str(f.Properties, "name")))
}

// ClusterBehavior marks cluster hover, shows the member count and zooms in
// on click.
type ClusterBehavior struct{ caps Capabilities }

func NewClusterBehavior(c Capabilities) *ClusterBehavior { return &ClusterBehavior{caps: c} }

func (b *ClusterBehavior) OnHover(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	if b.caps.Clusters != nil {
		b.caps.Clusters.SetClusterHover(true)
	}
	b.caps.Map.SetCursor("pointer")
	count := f.Properties["point_count"]
	showPopup(b.caps.Hover, ev.LngLat, b.caps.render("cluster-popup", f.Properties, fmt.Sprintf("%v datasets", count)))
}

func (b *ClusterBehavior) OnHoverExit(ev mapview.Event) {
	if b.caps.Clusters != nil {
		b.caps.Clusters.SetClusterHover(false)
	}
	if b.caps.Map != nil {
		b.caps.Map.SetCursor("")
	}
	if b.caps.Hover != nil {
		b.caps.Hover.Remove()
	}
}

func (b *ClusterBehavior) OnClick(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	id, ok := cluster.IDOf(f.Properties)
	if !ok {
		return
	}
	src, ok := b.caps.Map.Source(SourceDatasets)
	if !ok {
		return
	}
	cs, ok := src.(mapview.ClusterSource)
	if !ok {
		return
	}
	zoom, err := cs.ClusterExpansionZoom(b.caps.ctx(), id)
	if err != nil {
		if b.caps.Logger != nil {
			b.caps.Logger.Warn("cluster expansion zoom failed", "cluster", id, "error", err)
		}
		return
	}
	center := ev.LngLat
	if p, isPoint := f.Geometry.(orb.Point); isPoint {
		center = p
	}
	b.caps.Map.EaseTo(center, float64(zoom))
}

// DatasetBehavior shows dataset details for individual and spiderfied points.
type DatasetBehavior struct{ caps Capabilities }

func NewDatasetBehavior(c Capabilities) *DatasetBehavior { return &DatasetBehavior{caps: c} }

func (b *DatasetBehavior) OnHover(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	if b.caps.Clusters != nil && b.caps.Clusters.ClusterHover() {
		return
	}
	b.caps.Map.SetCursor("pointer")
	showPopup(b.caps.Hover, ev.LngLat, b.caps.render("dataset-popup", f.Properties, str(f.Properties, "siteName")))
}

func (b *DatasetBehavior) OnMouseMove(ev mapview.Event) {
	if b.caps.Hover != nil && b.caps.Hover.IsOpen() {
		b.caps.Hover.SetLngLat(ev.LngLat)
	}
}

func (b *DatasetBehavior) OnClick(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	showPersistent(b.caps.Persistent, ev.LngLat, b.caps.render("dataset-popup", f.Properties, str(f.Properties, "siteName")))
}

// HUCBehavior names the hydrologic unit under the pointer.
type HUCBehavior struct{ caps Capabilities }

func NewHUCBehavior(c Capabilities) *HUCBehavior { return &HUCBehavior{caps: c} }

func (b *HUCBehavior) OnHover(ev mapview.Event) {
	f := firstFeature(ev)
	if f == nil || b.caps.Map == nil {
		return
	}
	b.caps.Map.SetCursor("pointer")
	showPopup(b.caps.Hover, ev.LngLat, b.caps.render("huc-popup", f.Properties, str(f.Properties, "name")))
}

func str(props geojson.Properties, key string) string {
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
