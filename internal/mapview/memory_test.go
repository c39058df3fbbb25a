package mapview

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/mainstem-explorer/internal/expr"
)

func points(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		f := geojson.NewFeature(orb.Point{-90 + float64(i)*1e-6, 38})
		f.Properties["n"] = i
		fc.Append(f)
	}
	return fc
}

func record(m *Memory) *[]Command {
	var got []Command
	_, _ = m.Subscribe(func(c Command) { got = append(got, c) })
	return &got
}

func TestAddSourceAndLayer(t *testing.T) {
	m := NewMemory("light")
	cmds := record(m)

	require.NoError(t, m.AddSource("pts", SourceSpec{Type: "geojson", Data: points(3)}))
	assert.ErrorIs(t, m.AddSource("pts", SourceSpec{Type: "geojson"}), ErrSourceExists)
	assert.ErrorIs(t, m.AddLayer(LayerStyle{ID: "x", Source: "nope"}, ""), ErrUnknownSource)

	require.NoError(t, m.AddLayer(LayerStyle{ID: "b", Type: "circle", Source: "pts"}, ""))
	require.NoError(t, m.AddLayer(LayerStyle{ID: "a", Type: "circle", Source: "pts"}, "b"))
	assert.Equal(t, []string{"a", "b"}, m.Layers())
	assert.ErrorIs(t, m.AddLayer(LayerStyle{ID: "a", Source: "pts"}, ""), ErrLayerExists)

	require.Len(t, *cmds, 3)
	assert.Equal(t, OpAddSource, (*cmds)[0].Op)
	assert.Equal(t, "b", (*cmds)[2].Name)
}

func TestPaintAndFilter(t *testing.T) {
	m := NewMemory("light")
	require.NoError(t, m.AddSource("pts", SourceSpec{Type: "geojson", Data: points(2)}))
	require.NoError(t, m.AddLayer(LayerStyle{ID: "p", Type: "circle", Source: "pts"}, ""))

	require.NoError(t, m.SetPaintProperty("p", "circle-opacity", 0.5))
	assert.ErrorIs(t, m.SetPaintProperty("zz", "circle-opacity", 1), ErrUnknownLayer)
	l, _ := m.Layer("p")
	assert.Equal(t, 0.5, l.Paint["circle-opacity"])

	assert.Len(t, m.QueryRenderedFeatures("p"), 2)
	require.NoError(t, m.SetFilter("p", expr.Eq(expr.Get("n"), 1)))
	assert.Len(t, m.QueryRenderedFeatures("p"), 1)

	require.NoError(t, m.SetLayoutProperty("p", "visibility", "none"))
	assert.Empty(t, m.QueryRenderedFeatures("p"))
}

func TestViewEventsSetZoom(t *testing.T) {
	m := NewMemory("light")
	m.Dispatch(Event{Type: EventZoomEnd, Zoom: 15})
	assert.Equal(t, 15.0, m.Zoom())

	m.Dispatch(Event{Type: EventZoomEnd, Zoom: 0})
	assert.Zero(t, m.Zoom())

	m.Dispatch(Event{Type: EventMoveEnd, Zoom: 4.5})
	assert.Equal(t, 4.5, m.Zoom())

	m.Dispatch(Event{Type: EventClick, LayerID: "p"})
	m.Dispatch(Event{Type: EventSourceData})
	assert.Equal(t, 4.5, m.Zoom())
}

func TestClusteredSource(t *testing.T) {
	m := NewMemory("light")
	require.NoError(t, m.AddSource("pts", SourceSpec{Type: "geojson", Data: points(12), Cluster: true}))
	require.NoError(t, m.AddLayer(LayerStyle{ID: "clusters", Type: "circle", Source: "pts", Filter: expr.Has("point_count")}, ""))

	m.Dispatch(Event{Type: EventZoomEnd, Zoom: 8})
	rendered := m.QueryRenderedFeatures("clusters")
	require.Len(t, rendered, 1)

	src, ok := m.Source("pts")
	require.True(t, ok)
	cs, ok := src.(ClusterSource)
	require.True(t, ok)
	id, _ := rendered[0].Properties["cluster_id"].(int64)
	leaves, err := cs.ClusterLeaves(context.Background(), id, 0, 0)
	require.NoError(t, err)
	assert.Len(t, leaves, 12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cs.ClusterLeaves(ctx, id, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchAndOff(t *testing.T) {
	m := NewMemory("light")
	var hits []string
	id := m.On(EventClick, "layer", func(ev Event) { hits = append(hits, "layer") })
	m.On(EventClick, "", func(ev Event) { hits = append(hits, "map") })

	m.Dispatch(Event{Type: EventClick, LayerID: "layer"})
	m.Dispatch(Event{Type: EventClick})
	assert.Equal(t, []string{"layer", "map"}, hits)

	m.Off(id)
	m.Dispatch(Event{Type: EventClick, LayerID: "layer"})
	assert.Len(t, hits, 2)
}

func TestReloadStyle(t *testing.T) {
	m := NewMemory("light")
	require.NoError(t, m.AddSource("pts", SourceSpec{Type: "geojson"}))
	require.NoError(t, m.AddLayer(LayerStyle{ID: "p", Source: "pts"}, ""))
	m.On(EventClick, "p", func(Event) {})
	loads := 0
	m.On(EventStyleLoad, "", func(Event) { loads++ })

	m.ReloadStyle("dark")
	assert.False(t, m.HasSource("pts"))
	assert.False(t, m.HasLayer("p"))
	assert.Zero(t, m.ListenerCount(EventClick, "p"))
	assert.Equal(t, 1, loads)
}

func TestSetDataOnStaleSource(t *testing.T) {
	m := NewMemory("light")
	require.NoError(t, m.AddSource("pts", SourceSpec{Type: "geojson"}))
	src, _ := m.Source("pts")
	m.ReloadStyle("dark")
	err := src.(GeoJSONSource).SetData(points(1))
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestPopupAndSnapshot(t *testing.T) {
	m := NewMemory("light")
	p := m.NewPopup("hover")
	assert.Same(t, p, m.NewPopup("hover"))

	p.SetLngLat(orb.Point{1, 2})
	p.SetHTML("<b>x</b>")
	assert.False(t, p.IsOpen())
	p.Open()
	assert.True(t, p.IsOpen())
	m.SetCursor("pointer")

	snap := m.Snapshot()
	ops := map[string]int{}
	for _, c := range snap {
		ops[c.Op]++
	}
	assert.Equal(t, 1, ops[OpSetStyle])
	assert.Equal(t, 1, ops[OpPopup])
	assert.Equal(t, 1, ops[OpSetCursor])

	p.Remove()
	assert.False(t, p.IsOpen())
	assert.Equal(t, "<b>x</b>", p.HTML())
}
