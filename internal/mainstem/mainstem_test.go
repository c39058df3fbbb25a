package mainstem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detail = `{
  "id": "29559",
  "name": "Ohio River",
  "datasets": [
    {"url": "https://example.test/ds/1", "siteName": "Ohio at Louisville",
     "variableMeasured": "Discharge", "variableUnit": "ft3/s",
     "wkt": "POINT (-85.79 38.28)", "datasetDescription": "daily values"},
    {"@id": "https://example.test/ds/2", "monitoringLocation": "Ohio at Cairo",
     "variable": {"name": "Stage", "unitText": "ft"}, "geometry": "POINT (-89.17 37.00)"},
    {"siteName": "", "url": ""},
    "not a record"
  ]
}`

func TestParseDatasets(t *testing.T) {
	ds, err := ParseDatasets([]byte(detail), "")
	require.NoError(t, err)
	require.Len(t, ds, 2)

	assert.Equal(t, "Ohio at Louisville", ds[0].SiteName)
	assert.Equal(t, "ft3/s", ds[0].VariableUnit)
	assert.Equal(t, "daily values", ds[0].Description)

	assert.Equal(t, "https://example.test/ds/2", ds[1].URL)
	assert.Equal(t, "Ohio at Cairo", ds[1].SiteName)
	assert.Equal(t, "Stage", ds[1].VariableMeasured)
	assert.Equal(t, "ft", ds[1].VariableUnit)

	p, err := ds[1].Point()
	require.NoError(t, err)
	assert.Equal(t, orb.Point{-89.17, 37.00}, p)
}

func TestParseDatasetsErrors(t *testing.T) {
	_, err := ParseDatasets([]byte(`{`), "")
	assert.Error(t, err)
	_, err = ParseDatasets([]byte(`{}`), "$[")
	assert.Error(t, err)

	ds, err := ParseDatasets([]byte(`{"items":[{"url":"u","siteName":"s"}]}`), "$.items[*]")
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestDatasetFeaturesSkipsBadLocations(t *testing.T) {
	fc := DatasetFeatures([]Dataset{
		{URL: "a", SiteName: "A", WKT: "POINT (1 2)", VariableUnit: "m"},
		{URL: "b", SiteName: "B", WKT: "LINESTRING (0 0, 1 1)"},
		{URL: "c", SiteName: "C"},
	})
	require.Len(t, fc.Features, 1)
	f := fc.Features[0]
	assert.Equal(t, orb.Point{1, 2}, f.Geometry)
	assert.Equal(t, "a", f.ID)
	assert.Equal(t, "m", f.Properties["variableUnit"])
	assert.NotContains(t, f.Properties, "type")
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/mainstems":
			assert.Equal(t, "ohio", r.URL.Query().Get("q"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(Page{Total: 1, Limit: 5, Data: []Mainstem{{ID: "29559", Name: "Ohio River"}}})
		case "/api/v1/mainstems/29559":
			_ = json.NewEncoder(w).Encode(Mainstem{ID: "29559", Datasets: []Dataset{{URL: "x"}}})
		case "/api/v1/datasets.geojson":
			assert.Equal(t, "Stage", r.URL.Query().Get("variable"))
			fc := geojson.NewFeatureCollection()
			fc.Append(geojson.NewFeature(orb.Point{-85.79, 38.28}))
			_ = json.NewEncoder(w).Encode(fc)
		case "/api/v1/mainstems/boom":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	page, err := c.Search(ctx, "ohio", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "Ohio River", page.Data[0].Name)

	m, err := c.Get(ctx, "29559")
	require.NoError(t, err)
	assert.Len(t, m.Datasets, 1)

	fc, err := c.DatasetFeatures(ctx, "Stage")
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, orb.Point{-85.79, 38.28}, fc.Features[0].Geometry)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Get(ctx, "boom")
	assert.ErrorContains(t, err, "500")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Search(cancelled, "ohio", 0, 5)
	assert.ErrorIs(t, err, context.Canceled)
}
