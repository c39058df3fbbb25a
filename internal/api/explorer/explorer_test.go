package explorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
	"github.com/joeblew999/mainstem-explorer/internal/service"
	"github.com/joeblew999/mainstem-explorer/internal/templates"
	"github.com/joeblew999/mainstem-explorer/internal/viewer"
)

type store struct {
	mu      sync.Mutex
	queries []string
}

func (s *store) Search(ctx context.Context, q string, offset, limit int) ([]mainstem.Mainstem, int, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	return []mainstem.Mainstem{{ID: "1", Name: "Ohio River"}}, 1, nil
}

func (s *store) Get(ctx context.Context, id string) (*mainstem.Mainstem, error) {
	if id != "1" {
		return nil, service.ErrNotFound
	}
	return &mainstem.Mainstem{ID: "1", Name: "Ohio River", Geometry: "LINESTRING(-89 37,-80 40.4)"}, nil
}

func (s *store) searched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func datasets(context.Context) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Point{-85.79, 38.28})
	f.Properties["id"] = "ds/0"
	fc.Append(f)
	return fc, nil
}

func setup(t *testing.T) (humatest.TestAPI, *SessionHandler, *viewer.Manager, *store) {
	t.Helper()
	st := &store{}
	reg := registry.Mainstems(registry.Options{Datasets: datasets, ClusterRadius: 50, ClusterMaxZoom: 16})
	mgr := viewer.NewManager(st, reg, templates.Default(), viewer.Config{
		Style:          "light",
		SearchDebounce: 10 * time.Millisecond,
		HoverDebounce:  10 * time.Millisecond,
	})
	t.Cleanup(mgr.Shutdown)

	h := NewSessionHandler(mgr, templates.Default(), nil)
	api := humago.New(http.NewServeMux(), huma.DefaultConfig("test", "1.0.0"))
	h.RegisterRoutes(api)
	return humatest.Wrap(t, api), h, mgr, st
}

func TestCreateAndDeleteSession(t *testing.T) {
	api, _, mgr, _ := setup(t)

	resp := api.Post(prefix + "/sessions")
	require.Equal(t, http.StatusCreated, resp.Code)
	var body SessionBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, prefix+"/"+body.ID+"/stream", body.Stream)
	assert.Equal(t, 1, mgr.Len())

	assert.Equal(t, http.StatusNoContent, api.Delete(prefix+"/"+body.ID).Code)
	assert.Equal(t, 0, mgr.Len())
	assert.Equal(t, http.StatusNotFound, api.Delete(prefix+"/"+body.ID).Code)
}

func TestStreamReplaysMapCommands(t *testing.T) {
	api, _, mgr, _ := setup(t)
	s := mgr.Create()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	resp := api.GetCtx(ctx, prefix+"/"+s.ID()+"/stream")

	out := resp.Body.String()
	assert.Contains(t, out, "event: datastar-")
	assert.Contains(t, out, ApplyFunc)
	assert.Contains(t, out, "addSource")
	assert.Contains(t, out, "layer-toggles")
	assert.Less(t, strings.Index(out, "setStyle"), strings.Index(out, "addLayer"))

	// The client went away, so the session is gone.
	_, ok := mgr.Get(s.ID())
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, api.Get(prefix+"/"+s.ID()+"/stream").Code)
}

func TestEventValidation(t *testing.T) {
	api, _, mgr, _ := setup(t)
	s := mgr.Create()
	path := prefix + "/" + s.ID() + "/events"

	assert.Equal(t, http.StatusBadRequest, api.Post(path, strings.NewReader("{")).Code)
	assert.Equal(t, http.StatusBadRequest, api.Post(path, map[string]any{"zoom": 5}).Code)
	assert.Equal(t, http.StatusNoContent,
		api.Post(path, map[string]any{"type": "zoomend", "zoom": 5, "bounds": []float64{-90, 35, -80, 42}}).Code)
	assert.Equal(t, http.StatusNotFound, api.Post(prefix+"/missing/events", map[string]any{"type": "zoomend"}).Code)

	s.Close()
	assert.Equal(t, http.StatusGone, api.Post(path, map[string]any{"type": "zoomend"}).Code)
}

func TestSearchAndSelect(t *testing.T) {
	api, _, mgr, st := setup(t)
	s := mgr.Create()

	resp := api.Post(prefix+"/"+s.ID()+"/search", map[string]any{"query": " ohio "})
	require.Equal(t, http.StatusNoContent, resp.Code)
	require.Eventually(t, func() bool {
		q := st.searched()
		return len(q) == 1 && q[0] == "ohio"
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusNoContent, api.Post(prefix+"/"+s.ID()+"/select?id=1").Code)
	assert.Equal(t, "1", s.Engine().Selected())

	require.Equal(t, http.StatusNoContent, api.Post(prefix+"/"+s.ID()+"/select").Code)
	assert.Empty(t, s.Engine().Selected())
}

func TestVisibilityAndFilter(t *testing.T) {
	api, _, mgr, _ := setup(t)
	s := mgr.Create()

	resp := api.Post(prefix + "/" + s.ID() + "/layers/" + registry.LayerDatasets + "/visibility?visible=false")
	require.Equal(t, http.StatusNoContent, resp.Code)
	l, ok := s.Map().Layer(registry.LayerClusters)
	require.True(t, ok)
	assert.Equal(t, "none", l.Layout["visibility"])

	assert.Equal(t, http.StatusNotFound,
		api.Post(prefix+"/"+s.ID()+"/layers/nope/visibility?visible=true").Code)

	assert.Equal(t, http.StatusNoContent,
		api.Post(prefix+"/"+s.ID()+"/filter", map[string]any{"variable": "stage"}).Code)
}

func TestStyleChange(t *testing.T) {
	api, _, mgr, _ := setup(t)
	s := mgr.Create()

	require.Equal(t, http.StatusNoContent,
		api.Put(prefix+"/"+s.ID()+"/style", map[string]any{"style": "dark"}).Code)
	assert.True(t, s.Map().HasLayer(registry.LayerSpiderfied))

	assert.Equal(t, http.StatusUnprocessableEntity,
		api.Put(prefix+"/"+s.ID()+"/style", map[string]any{"style": ""}).Code)
}

func TestPageCreatesSession(t *testing.T) {
	_, h, mgr, _ := setup(t)

	rec := httptest.NewRecorder()
	h.Page().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/viewer", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, 1, mgr.Len())

	body := rec.Body.String()
	assert.Contains(t, body, "<title>Mainstem explorer</title>")
	assert.Contains(t, body, "/api/v1/viewer/")
	assert.Contains(t, body, `"light"`)

	rec = httptest.NewRecorder()
	h.Page().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/viewer", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
