package wiring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"

	"github.com/joeblew999/mainstem-explorer/internal/registry"
)

// FeatureServiceLoader queries an ArcGIS-style feature service for GeoJSON.
type FeatureServiceLoader struct {
	Client *http.Client
}

// NewFeatureServiceLoader creates a loader with a bounded HTTP timeout.
func NewFeatureServiceLoader() *FeatureServiceLoader {
	return &FeatureServiceLoader{Client: &http.Client{Timeout: 30 * time.Second}}
}

// QueryURL builds the GeoJSON query URL for a feature service definition.
func QueryURL(def registry.FeatureService) (string, error) {
	u, err := url.Parse(def.URL)
	if err != nil {
		return "", fmt.Errorf("feature service url: %w", err)
	}
	q := u.Query()
	where := def.Where
	if where == "" {
		where = "1=1"
	}
	q.Set("where", where)
	q.Set("outFields", "*")
	q.Set("outSR", "4326")
	q.Set("f", "geojson")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch downloads and simplifies the service's features.
func (l *FeatureServiceLoader) Fetch(ctx context.Context, def registry.FeatureService) (*geojson.FeatureCollection, error) {
	target, err := QueryURL(def)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feature service returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decoding feature service response: %w", err)
	}
	Simplify(fc, def.Simplify)
	return fc, nil
}

// Simplify applies Douglas-Peucker simplification in place. A tolerance of
// zero leaves the features untouched.
func Simplify(fc *geojson.FeatureCollection, tolerance float64) {
	if fc == nil || tolerance <= 0 {
		return
	}
	s := simplify.DouglasPeucker(tolerance)
	for _, f := range fc.Features {
		if f.Geometry != nil {
			f.Geometry = s.Simplify(f.Geometry)
		}
	}
}
