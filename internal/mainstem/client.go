package mainstem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
)

// ErrNotFound is returned when the API has no mainstem with the given id.
var ErrNotFound = errors.New("mainstem not found")

// Page is one page of search results.
type Page struct {
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
	Data   []Mainstem `json:"data"`
}

// Client reads mainstems from the explorer's JSON API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Search finds mainstems whose name or URI contains q.
func (c *Client) Search(ctx context.Context, q string, offset, limit int) (*Page, error) {
	v := url.Values{}
	v.Set("q", q)
	if offset > 0 {
		v.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var page Page
	if err := c.get(ctx, "/api/v1/mainstems?"+v.Encode(), &page); err != nil {
		return nil, fmt.Errorf("searching mainstems: %w", err)
	}
	return &page, nil
}

// Get fetches a mainstem with its datasets.
func (c *Client) Get(ctx context.Context, id string) (*Mainstem, error) {
	var m Mainstem
	if err := c.get(ctx, "/api/v1/mainstems/"+url.PathEscape(id), &m); err != nil {
		return nil, fmt.Errorf("fetching mainstem %s: %w", id, err)
	}
	return &m, nil
}

// DatasetFeatures fetches dataset points as GeoJSON. A non-empty variable
// narrows them to one measured variable.
func (c *Client) DatasetFeatures(ctx context.Context, variable string) (*geojson.FeatureCollection, error) {
	path := "/api/v1/datasets.geojson"
	if variable != "" {
		path += "?" + url.Values{"variable": {variable}}.Encode()
	}
	fc := geojson.NewFeatureCollection()
	if err := c.get(ctx, path, fc); err != nil {
		return nil, fmt.Errorf("fetching datasets: %w", err)
	}
	return fc, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
