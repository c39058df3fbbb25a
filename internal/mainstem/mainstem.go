// Package mainstem holds the explorer's domain types: mainstem rivers and the
// datasets observed along them.
package mainstem

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// Mainstem is a canonical river feature.
type Mainstem struct {
	ID           string    `json:"id" doc:"Mainstem identifier"`
	URI          string    `json:"uri" doc:"Persistent identifier URI"`
	Name         string    `json:"name" doc:"River name"`
	Length       float64   `json:"lengthKm,omitempty" doc:"Length in kilometres"`
	Geometry     string    `json:"geometry,omitempty" doc:"WKT geometry"`
	DatasetCount int       `json:"datasetCount" doc:"Number of associated datasets"`
	Datasets     []Dataset `json:"datasets,omitempty" doc:"Associated datasets (detail only)"`
}

// Dataset is one monitoring dataset attached to a mainstem.
type Dataset struct {
	MainstemID       string `json:"mainstemId,omitempty"`
	URL              string `json:"url" doc:"Dataset landing page"`
	SiteName         string `json:"siteName"`
	VariableMeasured string `json:"variableMeasured"`
	VariableUnit     string `json:"variableUnit,omitempty"`
	Type             string `json:"type,omitempty"`
	WKT              string `json:"wkt,omitempty" doc:"Monitoring location as WKT POINT"`
	Description      string `json:"description,omitempty"`
	TemporalCoverage string `json:"temporalCoverage,omitempty"`
	DistributionURL  string `json:"distributionUrl,omitempty"`
}

// Point decodes the dataset location.
func (d Dataset) Point() (orb.Point, error) {
	if d.WKT == "" {
		return orb.Point{}, fmt.Errorf("dataset %s: no location", d.URL)
	}
	p, err := wkt.UnmarshalPoint(d.WKT)
	if err != nil {
		return orb.Point{}, fmt.Errorf("dataset %s: %w", d.URL, err)
	}
	return p, nil
}

// Properties is the dataset as feature properties.
func (d Dataset) Properties() geojson.Properties {
	props := geojson.Properties{
		"id":               d.URL,
		"url":              d.URL,
		"siteName":         d.SiteName,
		"variableMeasured": d.VariableMeasured,
	}
	set := func(k, v string) {
		if v != "" {
			props[k] = v
		}
	}
	set("mainstemId", d.MainstemID)
	set("variableUnit", d.VariableUnit)
	set("type", d.Type)
	set("description", d.Description)
	set("temporalCoverage", d.TemporalCoverage)
	set("distributionUrl", d.DistributionURL)
	return props
}

// DatasetFeatures converts datasets to point features. Datasets without a
// readable location are skipped.
func DatasetFeatures(ds []Dataset) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, d := range ds {
		p, err := d.Point()
		if err != nil {
			continue
		}
		f := geojson.NewFeature(p)
		f.ID = d.URL
		f.Properties = d.Properties()
		fc.Append(f)
	}
	return fc
}

// DefaultDatasetSelector finds dataset records in a mainstem document.
const DefaultDatasetSelector = "$.datasets[*]"

// Upstream documents name the same field several ways. The first path that
// yields a string wins.
var datasetFields = []struct {
	set   func(*Dataset, string)
	paths []jp.Expr
}{
	{func(d *Dataset, v string) { d.URL = v }, paths("$.url", "$.datasetURL", "$['@id']")},
	{func(d *Dataset, v string) { d.SiteName = v }, paths("$.siteName", "$.monitoringLocation", "$.name")},
	{func(d *Dataset, v string) { d.VariableMeasured = v }, paths("$.variableMeasured", "$.variable.name")},
	{func(d *Dataset, v string) { d.VariableUnit = v }, paths("$.variableUnit", "$.variable.unitText")},
	{func(d *Dataset, v string) { d.Type = v }, paths("$.type", "$.measurementTechnique")},
	{func(d *Dataset, v string) { d.WKT = v }, paths("$.wkt", "$.geometry")},
	{func(d *Dataset, v string) { d.Description = v }, paths("$.datasetDescription", "$.description")},
	{func(d *Dataset, v string) { d.TemporalCoverage = v }, paths("$.temporalCoverage")},
	{func(d *Dataset, v string) { d.DistributionURL = v }, paths("$.distributionURL", "$.distribution.contentUrl")},
}

func paths(ps ...string) []jp.Expr {
	out := make([]jp.Expr, len(ps))
	for i, p := range ps {
		out[i] = jp.MustParseString(p)
	}
	return out
}

// ParseDatasets extracts datasets from a JSON document. selector is a
// JSONPath to the dataset records; empty means DefaultDatasetSelector.
func ParseDatasets(data []byte, selector string) ([]Dataset, error) {
	if selector == "" {
		selector = DefaultDatasetSelector
	}
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	root, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing dataset document: %w", err)
	}

	var out []Dataset
	for _, rec := range x.Get(root) {
		if _, ok := rec.(map[string]any); !ok {
			continue
		}
		var d Dataset
		for _, field := range datasetFields {
			if v, ok := first(field.paths, rec); ok {
				field.set(&d, v)
			}
		}
		if d.URL == "" && d.SiteName == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func first(exprs []jp.Expr, rec any) (string, bool) {
	for _, x := range exprs {
		for _, v := range x.Get(rec) {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}
