package wiring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/mainstem-explorer/internal/expr"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
)

func datasets(context.Context) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < 5; i++ {
		f := geojson.NewFeature(orb.Point{-90 + float64(i)*0.0001, 38})
		f.Properties["siteName"] = "gauge"
		fc.Append(f)
	}
	return fc, nil
}

func newEngine(t *testing.T, opts registry.Options, extra ...Option) (*Engine, *mapview.Memory) {
	t.Helper()
	if opts.Datasets == nil {
		opts.Datasets = datasets
	}
	m := mapview.NewMemory("light")
	caps := registry.Capabilities{Map: m, Hover: m.NewPopup("hover"), Persistent: m.NewPopup("persistent")}
	return New(registry.Mainstems(opts), caps, extra...), m
}

func countOps(m *mapview.Memory) (count func(op string) int, stop func()) {
	var mu sync.Mutex
	counts := map[string]int{}
	_, cancel := m.Subscribe(func(c mapview.Command) {
		mu.Lock()
		counts[c.Op]++
		mu.Unlock()
	})
	return func(op string) int {
		mu.Lock()
		defer mu.Unlock()
		return counts[op]
	}, cancel
}

func TestApplyIsIdempotent(t *testing.T) {
	e, m := newEngine(t, registry.Options{})
	count, stop := countOps(m)
	defer stop()

	ctx := context.Background()
	require.NoError(t, e.Apply(ctx))
	sources, layers, images := count(mapview.OpAddSource), count(mapview.OpAddLayer), count(mapview.OpAddImage)
	assert.Equal(t, 3, sources)
	assert.Equal(t, 6, layers)
	assert.Equal(t, 1, images)

	require.NoError(t, e.Apply(ctx))
	assert.Equal(t, sources, count(mapview.OpAddSource))
	assert.Equal(t, layers, count(mapview.OpAddLayer))
	assert.Equal(t, images, count(mapview.OpAddImage))

	assert.Equal(t, 1, m.ListenerCount(mapview.EventMouseEnter, registry.LayerClusters))
	assert.Equal(t, 1, m.ListenerCount(mapview.EventClick, registry.LayerPoints))
	assert.Equal(t, 1, m.ListenerCount(mapview.EventMouseMove, registry.LayerSpiderfied))
	assert.Equal(t, 0, m.ListenerCount(mapview.EventClick, registry.LayerClusterCount))
}

func TestLayersInRegistryOrder(t *testing.T) {
	e, m := newEngine(t, registry.Options{})
	require.NoError(t, e.Apply(context.Background()))
	assert.Equal(t, []string{
		registry.LayerMainstemsLine, registry.LayerMainstemsSelected,
		registry.LayerClusters, registry.LayerClusterCount,
		registry.LayerPoints, registry.LayerSpiderfied,
	}, m.Layers())
}

func TestDefaultHoverExit(t *testing.T) {
	e, m := newEngine(t, registry.Options{})
	require.NoError(t, e.Apply(context.Background()))

	f := geojson.NewFeature(orb.Point{1, 1})
	f.Properties["name"] = "Missouri"
	m.Dispatch(mapview.Event{Type: mapview.EventMouseEnter, LayerID: registry.LayerMainstemsLine, Features: []*geojson.Feature{f}})
	assert.Equal(t, "pointer", m.Cursor())
	assert.True(t, m.NewPopup("hover").IsOpen())

	assert.Equal(t, 1, m.ListenerCount(mapview.EventMouseLeave, registry.LayerMainstemsLine))
	m.Dispatch(mapview.Event{Type: mapview.EventMouseLeave, LayerID: registry.LayerMainstemsLine})
	assert.Equal(t, "", m.Cursor())
	assert.False(t, m.NewPopup("hover").IsOpen())
}

func TestReapplyAfterStyleReload(t *testing.T) {
	e, m := newEngine(t, registry.Options{})
	ctx := context.Background()
	require.NoError(t, e.Attach(ctx))
	require.NoError(t, e.Select("12"))
	require.NoError(t, e.SetVisible(registry.LayerDatasets, false))

	m.ReloadStyle("dark")

	assert.True(t, m.HasSource(registry.SourceDatasets))
	assert.True(t, m.HasImage(registry.MarkerImage))
	assert.Equal(t, 1, m.ListenerCount(mapview.EventClick, registry.LayerMainstemsLine))

	sel, ok := m.Layer(registry.LayerMainstemsSelected)
	require.True(t, ok)
	assert.Equal(t, expr.Eq(expr.Get("id"), "12"), sel.Filter)

	pts, ok := m.Layer(registry.LayerPoints)
	require.True(t, ok)
	assert.Equal(t, "none", pts.Layout["visibility"])

	// Attaching twice still installs a single style.load handler.
	require.NoError(t, e.Attach(ctx))
	assert.Equal(t, 1, m.ListenerCount(mapview.EventStyleLoad, ""))

	e.Detach()
	assert.Equal(t, 0, m.ListenerCount(mapview.EventStyleLoad, ""))
}

func TestSetVisibleUnknownLayer(t *testing.T) {
	e, _ := newEngine(t, registry.Options{})
	require.NoError(t, e.Apply(context.Background()))
	assert.Error(t, e.SetVisible("nope", true))
	require.NoError(t, e.SetVisible(registry.LayerMainstems, true))
}

func TestFeatureServiceLoadsAsync(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "geojson", r.URL.Query().Get("f"))
		assert.Equal(t, "1=1", r.URL.Query().Get("where"))
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"name":"HUC 10"},
			 "geometry":{"type":"LineString","coordinates":[[0,0],[0.5,0.0001],[1,0]]}}]}`))
	}))
	defer srv.Close()

	e, m := newEngine(t, registry.Options{FeatureServiceURL: srv.URL, Simplify: 0.01},
		WithLoader(&FeatureServiceLoader{Client: srv.Client()}))
	require.NoError(t, e.Apply(context.Background()))
	e.Wait()

	assert.Equal(t, int32(1), hits.Load())
	src, ok := m.Source(registry.SourceHUC)
	require.True(t, ok)
	fc := src.(mapview.GeoJSONSource).Data()
	require.Len(t, fc.Features, 1)
	assert.Len(t, fc.Features[0].Geometry.(orb.LineString), 2)
}

func TestFeatureServiceFailureLeavesEmptySource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, m := newEngine(t, registry.Options{FeatureServiceURL: srv.URL})
	require.NoError(t, e.Apply(context.Background()))
	e.Wait()

	src, ok := m.Source(registry.SourceHUC)
	require.True(t, ok)
	assert.Empty(t, src.(mapview.GeoJSONSource).Data().Features)
}

func TestControlsAddedOnce(t *testing.T) {
	e, m := newEngine(t, registry.Options{}, WithControls(Controls{
		Scale:      Enabled(),
		Fullscreen: WithOptions(map[string]any{"position": "top-left"}),
	}))
	ctx := context.Background()
	require.NoError(t, e.Apply(ctx))
	require.NoError(t, e.Apply(ctx))

	ctls := m.Controls()
	require.Len(t, ctls, 2)
	assert.Equal(t, "scale", ctls[0].Kind)
	assert.Equal(t, "bottom-left", ctls[0].Position)
	assert.Equal(t, "top-left", ctls[1].Position)
}

func TestControlOptionJSON(t *testing.T) {
	var c Controls
	require.NoError(t, json.Unmarshal([]byte(`{"scale":true,"navigation":{"showCompass":false},"fullscreen":null}`), &c))
	assert.True(t, c.Scale.Enabled)
	assert.True(t, c.Navigation.Enabled)
	assert.Equal(t, false, c.Navigation.Options["showCompass"])
	assert.False(t, c.Fullscreen.Enabled)

	assert.Error(t, json.Unmarshal([]byte(`{"scale":"yes"}`), &c))

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scale":true,"navigation":{"showCompass":false},"fullscreen":false}`, string(out))
}

func TestReloadReplacesSourceData(t *testing.T) {
	var calls atomic.Int32
	e, m := newEngine(t, registry.Options{Datasets: func(ctx context.Context) (*geojson.FeatureCollection, error) {
		if calls.Add(1) == 1 {
			return geojson.NewFeatureCollection(), nil
		}
		return datasets(ctx)
	}})
	ctx := context.Background()
	require.NoError(t, e.Apply(ctx))

	src, ok := m.Source(registry.SourceDatasets)
	require.True(t, ok)
	assert.Empty(t, src.(mapview.GeoJSONSource).Data().Features)

	require.NoError(t, e.Reload(ctx, registry.SourceDatasets))
	assert.Len(t, src.(mapview.GeoJSONSource).Data().Features, 5)

	assert.Error(t, e.Reload(ctx, registry.SourceMainstems))
	assert.Error(t, e.Reload(ctx, "nope"))
}
