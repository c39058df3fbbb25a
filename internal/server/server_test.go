package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{Host: "localhost", Port: "0", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/nope").Code)

	rec := get(s, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Values("Link"))
	var root map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	assert.Equal(t, "mainstem-explorer", root["service"])

	rec = get(s, "/viewer")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maplibregl.Map")
	assert.Equal(t, 1, s.Viewers().Len())

	spec := s.OpenAPI()
	assert.Contains(t, spec.Paths, "/api/v1/mainstems/{id}/datasets.csv")
	assert.Contains(t, spec.Paths, "/api/v1/viewer/{id}/stream")
}

func TestImportPurgesTiles(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusNoContent, get(s, "/tiles/mainstems/4/4/6").Code)
	require.Equal(t, 1, s.services.Tiles.Cached())

	path := filepath.Join(t.TempDir(), "ohio.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"LineString","coordinates":[[-89,37],[-85,38.5],[-80,40.4]]},"properties":{"id":"1","name":"Ohio River"}}
	]}`), 0o644))
	res, err := s.Import(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mainstems)

	require.Eventually(t, func() bool { return s.services.Tiles.Cached() == 0 }, time.Second, 5*time.Millisecond)
	rec := get(s, "/tiles/mainstems/4/4/6")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	rec = get(s, "/api/v1/mainstems?q=ohio")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Ohio River"))
}

func TestRemoteStore(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/mainstems":
			_ = json.NewEncoder(w).Encode(mainstem.Page{Total: 7, Data: []mainstem.Mainstem{{ID: "1", Name: "Ohio River"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	r := remoteStore{mainstem.NewClient(upstream.URL)}
	data, total, err := r.Search(context.Background(), "ohio", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Equal(t, "Ohio River", data[0].Name)

	_, err = r.Get(context.Background(), "404")
	assert.ErrorIs(t, err, mainstem.ErrNotFound)
}
