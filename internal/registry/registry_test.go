package registry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/mainstem-explorer/internal/expr"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

func TestMainstemsRegistryIsValid(t *testing.T) {
	r := Mainstems(Options{FeatureServiceURL: "http://example.test/query"})
	require.NoError(t, r.Validate())

	for _, id := range []string{LayerMainstemsLine, LayerClusters, LayerSpiderfied, LayerHUC} {
		l, ok := r.Layer(id)
		require.True(t, ok, id)
		s, ok := l.Style()
		require.True(t, ok, id)
		assert.Equal(t, id, s.ID)
	}

	grp, ok := r.Layer(LayerDatasets)
	require.True(t, ok)
	assert.Nil(t, grp.Config)

	src, ok := r.Source(SourceHUC)
	require.True(t, ok)
	assert.Equal(t, SourceFeatureService, src.Type())
}

func TestHUCOnlyWithFeatureService(t *testing.T) {
	r := Mainstems(Options{})
	_, ok := r.Source(SourceHUC)
	assert.False(t, ok)
	_, ok = r.Layer(LayerHUC)
	assert.False(t, ok)
}

func TestValidateRejects(t *testing.T) {
	style := &mapview.LayerStyle{Type: "line", Source: "missing"}
	r := &Registry{
		Sources: []SourceConfig{{ID: "a", Definition: GeoJSON{}}},
		Layers: []MainLayerDefinition{
			{LayerDefinition: LayerDefinition{ID: "x", Config: style}},
			{LayerDefinition: LayerDefinition{ID: "grp", Behavior: factory(NewHUCBehavior)}},
			{LayerDefinition: LayerDefinition{ID: "x"}},
		},
		Selection: []SelectionRule{{LayerID: "nope"}},
	}
	err := r.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "unknown source")
	assert.Contains(t, err.Error(), "grouping layer")
	assert.Contains(t, err.Error(), "duplicate layer")
	assert.Contains(t, err.Error(), "selection rule")

	dup := &Registry{Sources: []SourceConfig{{ID: "a", Definition: GeoJSON{}}, {ID: "a", Definition: GeoJSON{}}}}
	assert.ErrorIs(t, dup.Validate(), ErrInvalid)
}

func TestWalkOrder(t *testing.T) {
	r := Mainstems(Options{})
	var ids []string
	r.Walk(func(l LayerDefinition, parent *MainLayerDefinition) {
		if parent != nil {
			ids = append(ids, parent.ID+"/"+l.ID)
			return
		}
		ids = append(ids, l.ID)
	})
	assert.Equal(t, []string{
		"mainstems", "mainstems/mainstems-line", "mainstems/mainstems-selected",
		"datasets", "datasets/datasets-clusters", "datasets/datasets-cluster-count",
		"datasets/datasets-points", "datasets/datasets-spiderfied",
	}, ids)
}

func TestControllableAndLegend(t *testing.T) {
	r := Mainstems(Options{})
	toggles := r.Controllable()
	require.Len(t, toggles, 2)
	assert.Equal(t, LayerDatasets, toggles[1].ID)
	assert.Equal(t, []string{LayerClusters, LayerClusterCount, LayerPoints, LayerSpiderfied}, toggles[1].LayerIDs)

	legend := r.LegendEntries()
	require.NotEmpty(t, legend)
	assert.Equal(t, LayerMainstemsLine, legend[0].ID)
	assert.Equal(t, "#1f78b4", legend[0].Color)
}

func TestStylesParse(t *testing.T) {
	styles := DefaultStyles()
	s := styles[LayerSpiderfied]
	require.NotNil(t, s)
	assert.Equal(t, SourceSpiderfied, s.Source)
	assert.Equal(t, []any{"get", "offset"}, s.Layout["icon-offset"])

	_, err := Styles([]byte("a: [1, 2"))
	assert.Error(t, err)
}

func TestSpiderfiedLayerHiddenBelowTransition(t *testing.T) {
	r := Mainstems(Options{TransitionZoom: 14})
	layer, ok := r.Layer(LayerSpiderfied)
	require.True(t, ok)
	assert.Equal(t, 14.0, layer.Config.MinZoom)

	r = Mainstems(Options{})
	layer, ok = r.Layer(LayerSpiderfied)
	require.True(t, ok)
	assert.Zero(t, layer.Config.MinZoom)
}

func TestSelectionRules(t *testing.T) {
	m := mapview.NewMemory("light")
	require.NoError(t, m.AddSource("s", mapview.SourceSpec{Type: "geojson"}))
	require.NoError(t, m.AddLayer(mapview.LayerStyle{ID: "line", Source: "s"}, ""))
	require.NoError(t, m.AddLayer(mapview.LayerStyle{ID: "sel", Source: "s"}, ""))

	paint := SelectionRule{LayerID: "line", Kind: SelectPaint, Property: "line-opacity", Key: "id", Selected: 1.0, Default: 0.8}
	filter := SelectionRule{LayerID: "sel", Kind: SelectFilter, Key: "id"}

	require.NoError(t, paint.Apply(m, "42"))
	require.NoError(t, filter.Apply(m, "42"))
	l, _ := m.Layer("line")
	assert.Equal(t, expr.Case(0.8, expr.Branch{When: expr.Eq(expr.Get("id"), "42"), Then: 1.0}), l.Paint["line-opacity"])
	sel, _ := m.Layer("sel")
	assert.Equal(t, expr.Eq(expr.Get("id"), "42"), sel.Filter)

	require.NoError(t, paint.Apply(m, ""))
	l, _ = m.Layer("line")
	assert.Equal(t, 0.8, l.Paint["line-opacity"])

	missing := SelectionRule{LayerID: "absent", Kind: SelectPaint}
	assert.NoError(t, missing.Apply(m, "1"))
	assert.NoError(t, paint.Apply(nil, "1"))
}

type hoverFlag struct{ on bool }

func (h *hoverFlag) SetClusterHover(v bool) { h.on = v }
func (h *hoverFlag) ClusterHover() bool     { return h.on }

type actions struct{ selected, inspected []string }

func (a *actions) Select(layerID string, f *geojson.Feature) {
	a.selected = append(a.selected, str(f.Properties, "id"))
}

func (a *actions) Inspect(layerID string, f *geojson.Feature) {
	a.inspected = append(a.inspected, str(f.Properties, "id"))
}

func feature(props map[string]any) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{-90, 38})
	for k, v := range props {
		f.Properties[k] = v
	}
	return f
}

func caps(m *mapview.Memory, flag *hoverFlag, a Interactions) Capabilities {
	return Capabilities{Map: m, Hover: m.NewPopup("hover"), Persistent: m.NewPopup("persistent"), Clusters: flag, Actions: a}
}

func TestMainstemBehavior(t *testing.T) {
	m := mapview.NewMemory("light")
	a := &actions{}
	c := caps(m, &hoverFlag{}, a)
	b := NewMainstemBehavior(c)

	ev := mapview.Event{Type: mapview.EventClick, LayerID: LayerMainstemsLine, Features: []*geojson.Feature{feature(map[string]any{"id": "7", "name": "Big <River>"})}}
	b.OnHover(ev)
	assert.Equal(t, "pointer", m.Cursor())
	assert.True(t, c.Hover.IsOpen())
	assert.Equal(t, "Big &lt;River&gt;", c.Hover.HTML())
	assert.Equal(t, []string{"7"}, a.inspected)

	b.OnClick(ev)
	assert.Equal(t, []string{"7"}, a.selected)
	assert.True(t, c.Persistent.IsOpen())

	b.OnHover(mapview.Event{})
	assert.Len(t, a.inspected, 1)
}

func TestPersistentPopupNotRerendered(t *testing.T) {
	m := mapview.NewMemory("light")
	c := caps(m, &hoverFlag{}, nil)
	var popups int
	_, _ = m.Subscribe(func(cmd mapview.Command) {
		if cmd.Op == mapview.OpPopup && cmd.Target == "persistent" {
			popups++
		}
	})
	b := NewDatasetBehavior(c)
	ev := mapview.Event{Features: []*geojson.Feature{feature(map[string]any{"siteName": "Gauge 1"})}}
	b.OnClick(ev)
	b.OnClick(ev)
	assert.Equal(t, 1, popups)
}

func TestClusterHoverSuppressesDatasetHover(t *testing.T) {
	m := mapview.NewMemory("light")
	flag := &hoverFlag{}
	c := caps(m, flag, nil)
	cb := NewClusterBehavior(c)
	db := NewDatasetBehavior(c)

	cb.OnHover(mapview.Event{Features: []*geojson.Feature{feature(map[string]any{"point_count": 4, "cluster_id": int64(1)})}})
	assert.True(t, flag.on)
	assert.Equal(t, "4 datasets", c.Hover.HTML())

	db.OnHover(mapview.Event{Features: []*geojson.Feature{feature(map[string]any{"siteName": "Gauge"})}})
	assert.Equal(t, "4 datasets", c.Hover.HTML())

	cb.OnHoverExit(mapview.Event{})
	assert.False(t, flag.on)
	assert.False(t, c.Hover.IsOpen())
	assert.Equal(t, "", m.Cursor())

	db.OnHover(mapview.Event{Features: []*geojson.Feature{feature(map[string]any{"siteName": "Gauge"})}})
	assert.Equal(t, "Gauge", c.Hover.HTML())

	db.OnMouseMove(mapview.Event{LngLat: orb.Point{1, 2}})
	assert.Equal(t, orb.Point{1, 2}, m.NewPopup("hover").LngLat())
}

func TestClusterClickEasesToExpansion(t *testing.T) {
	m := mapview.NewMemory("light")
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{0, 0}))
	fc.Append(geojson.NewFeature(orb.Point{0.5, 0}))
	require.NoError(t, m.AddSource(SourceDatasets, mapview.SourceSpec{Type: "geojson", Data: fc, Cluster: true}))
	require.NoError(t, m.AddLayer(mapview.LayerStyle{ID: LayerClusters, Source: SourceDatasets, Filter: expr.Has("point_count")}, ""))

	rendered := m.QueryRenderedFeatures(LayerClusters)
	require.Len(t, rendered, 1)

	NewClusterBehavior(caps(m, &hoverFlag{}, nil)).OnClick(mapview.Event{Features: rendered})
	assert.Greater(t, m.Zoom(), 0.0)
}
