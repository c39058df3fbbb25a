package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
)

// ImportResult summarizes one import.
type ImportResult struct {
	File      string `json:"file" doc:"Imported file"`
	Mainstems int    `json:"mainstems" doc:"Mainstems stored"`
	Datasets  int    `json:"datasets" doc:"Datasets stored"`
	Skipped   int    `json:"skipped" doc:"Records without usable geometry or id"`
}

// Importer loads mainstems and datasets from files into the store.
type Importer struct {
	store *MainstemService
	log   *slog.Logger

	// DatasetSelector is the JSONPath used for non-GeoJSON dataset documents.
	DatasetSelector string
}

// NewImporter creates an importer writing to store.
func NewImporter(store *MainstemService, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{store: store, log: log}
}

// Attribute names tried, in order, for each mainstem field.
var (
	idFields   = []string{"id", "ID", "uri_id", "mainstem_id", "LevelPathI", "levelpathid"}
	nameFields = []string{"name", "NAME", "GNIS_NAME", "gnis_name", "name_at_outlet"}
	uriFields  = []string{"uri", "URI", "@id"}
)

// ImportFile imports a shapefile (mainstem lines), a GeoJSON file (lines
// become mainstems, points become datasets) or a JSON dataset document.
func (im *Importer) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	var (
		res ImportResult
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		res, err = im.importShapefile(ctx, path)
	case ".geojson", ".json":
		res, err = im.importJSON(ctx, path)
	default:
		return ImportResult{}, fmt.Errorf("unsupported import file %s", filepath.Base(path))
	}
	if err != nil {
		return res, err
	}
	res.File = filepath.Base(path)
	im.log.Info("import finished", "file", res.File, "mainstems", res.Mainstems, "datasets", res.Datasets, "skipped", res.Skipped)
	if res.Mainstems > 0 {
		im.store.bus.Publish(Event{Resource: ResourceMainstems, Action: ActionImported, ID: res.File, Count: res.Mainstems})
	}
	if res.Datasets > 0 {
		im.store.bus.Publish(Event{Resource: ResourceDatasets, Action: ActionImported, ID: res.File, Count: res.Datasets})
	}
	return res, nil
}

func (im *Importer) importShapefile(ctx context.Context, path string) (ImportResult, error) {
	shape, err := shp.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer shape.Close()

	fields := shape.Fields()
	fieldNames := make([]string, len(fields))
	for i, f := range fields {
		fieldNames[i] = f.String()
	}

	var res ImportResult
	for shape.Next() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, p := shape.Shape()

		var g orb.Geometry
		switch s := p.(type) {
		case *shp.PolyLine:
			g = polyLine(s.Parts, s.Points, s.NumParts, s.NumPoints)
		case *shp.PolyLineZ:
			g = polyLine(s.Parts, s.Points, s.NumParts, s.NumPoints)
		case *shp.PolyLineM:
			g = polyLine(s.Parts, s.Points, s.NumParts, s.NumPoints)
		default:
			res.Skipped++
			continue
		}

		props := geojson.Properties{}
		for i, name := range fieldNames {
			props[name] = strings.TrimSpace(shape.ReadAttribute(n, i))
		}
		m, ok := mainstemFrom(props)
		if !ok {
			res.Skipped++
			continue
		}
		if err := im.store.PutMainstem(ctx, m, g); err != nil {
			return res, err
		}
		res.Mainstems++
	}
	if err := shape.Err(); err != nil {
		return res, fmt.Errorf("error iterating shapes: %w", err)
	}
	return res, nil
}

func polyLine(parts []int32, points []shp.Point, numParts, numPoints int32) orb.Geometry {
	var multi orb.MultiLineString
	for i := 0; i < int(numParts); i++ {
		start := parts[i]
		end := numPoints
		if i < int(numParts)-1 {
			end = parts[i+1]
		}
		var line orb.LineString
		for j := start; j < end; j++ {
			line = append(line, orb.Point{points[j].X, points[j].Y})
		}
		multi = append(multi, line)
	}
	if len(multi) == 1 {
		return multi[0]
	}
	return multi
}

func (im *Importer) importJSON(ctx context.Context, path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil || fc.Type != "FeatureCollection" {
		return im.importDatasetDocument(ctx, data)
	}
	return im.ImportFeatures(ctx, fc)
}

// ImportFeatures stores line features as mainstems and point features as
// datasets.
func (im *Importer) ImportFeatures(ctx context.Context, fc *geojson.FeatureCollection) (ImportResult, error) {
	var res ImportResult
	for _, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch g := f.Geometry.(type) {
		case orb.LineString, orb.MultiLineString:
			m, ok := mainstemFrom(f.Properties)
			if !ok {
				res.Skipped++
				continue
			}
			if err := im.store.PutMainstem(ctx, m, g); err != nil {
				return res, err
			}
			res.Mainstems++
		case orb.Point:
			d := datasetFrom(f.Properties, g)
			if d.URL == "" {
				res.Skipped++
				continue
			}
			if err := im.store.PutDataset(ctx, d); err != nil {
				return res, err
			}
			res.Datasets++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (im *Importer) importDatasetDocument(ctx context.Context, data []byte) (ImportResult, error) {
	ds, err := mainstem.ParseDatasets(data, im.DatasetSelector)
	if err != nil {
		return ImportResult{}, err
	}
	var res ImportResult
	for _, d := range ds {
		if d.URL == "" {
			res.Skipped++
			continue
		}
		if err := im.store.PutDataset(ctx, d); err != nil {
			return res, err
		}
		res.Datasets++
	}
	return res, nil
}

func firstProp(props geojson.Properties, keys []string) string {
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		case int, int64:
			return fmt.Sprint(v)
		}
	}
	return ""
}

func mainstemFrom(props geojson.Properties) (mainstem.Mainstem, bool) {
	m := mainstem.Mainstem{
		ID:   firstProp(props, idFields),
		Name: firstProp(props, nameFields),
		URI:  firstProp(props, uriFields),
	}
	if m.ID == "" && m.URI != "" {
		m.ID = m.URI[strings.LastIndex(m.URI, "/")+1:]
	}
	return m, m.ID != ""
}

func datasetFrom(props geojson.Properties, p orb.Point) mainstem.Dataset {
	s := func(keys ...string) string { return firstProp(props, keys) }
	return mainstem.Dataset{
		URL:              s("url", "id", "@id"),
		MainstemID:       s("mainstemId", "mainstem_id", "mainstem"),
		SiteName:         s("siteName", "monitoringLocation", "name"),
		VariableMeasured: s("variableMeasured", "variable"),
		VariableUnit:     s("variableUnit", "unit"),
		Type:             s("type", "measurementTechnique"),
		WKT:              wkt.MarshalString(p),
		Description:      s("description", "datasetDescription"),
		TemporalCoverage: s("temporalCoverage"),
		DistributionURL:  s("distributionUrl", "distributionURL"),
	}
}
