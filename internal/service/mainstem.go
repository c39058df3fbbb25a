// Package service holds the explorer's storage-backed business logic:
// mainstem search and detail, dataset listing, imports and change events.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MainstemService stores and queries mainstems and their datasets.
type MainstemService struct {
	db  *sql.DB
	bus *EventBus
}

// NewMainstemService creates a service over an opened database.
func NewMainstemService(db *sql.DB, bus *EventBus) *MainstemService {
	if bus == nil {
		bus = NewEventBus()
	}
	return &MainstemService{db: db, bus: bus}
}

// Bus returns the bus that change events are published on.
func (s *MainstemService) Bus() *EventBus { return s.bus }

func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// Search returns mainstems whose name or URI contains q, case-insensitively,
// ordered by name, and the total number of matches.
func (s *MainstemService) Search(ctx context.Context, q string, offset, limit int) ([]mainstem.Mainstem, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	pattern := likePattern(strings.TrimSpace(q))

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM mainstems WHERE name ILIKE ? ESCAPE '\' OR uri ILIKE ? ESCAPE '\'`,
		pattern, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting mainstems: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.uri, m.name, m.length_km,
		       (SELECT count(*) FROM datasets d WHERE d.mainstem_id = m.id)
		FROM mainstems m
		WHERE m.name ILIKE ? ESCAPE '\' OR m.uri ILIKE ? ESCAPE '\'
		ORDER BY m.name, m.id
		LIMIT ? OFFSET ?`, pattern, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("searching mainstems: %w", err)
	}
	defer rows.Close()

	out := []mainstem.Mainstem{}
	for rows.Next() {
		var m mainstem.Mainstem
		if err := rows.Scan(&m.ID, &m.URI, &m.Name, &m.Length, &m.DatasetCount); err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// Get returns a mainstem with its geometry and datasets.
func (s *MainstemService) Get(ctx context.Context, id string) (*mainstem.Mainstem, error) {
	var m mainstem.Mainstem
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uri, name, length_km, geometry FROM mainstems WHERE id = ?`, id).
		Scan(&m.ID, &m.URI, &m.Name, &m.Length, &m.Geometry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mainstem %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading mainstem %q: %w", id, err)
	}
	m.Datasets, err = s.Datasets(ctx, DatasetFilter{MainstemID: id})
	if err != nil {
		return nil, err
	}
	m.DatasetCount = len(m.Datasets)
	return &m, nil
}

// DatasetFilter narrows Datasets. Empty fields match everything.
type DatasetFilter struct {
	MainstemID string
	Variable   string
	Type       string
}

// Datasets lists datasets matching f, ordered by site name.
func (s *MainstemService) Datasets(ctx context.Context, f DatasetFilter) ([]mainstem.Dataset, error) {
	var where []string
	var args []any
	if f.MainstemID != "" {
		where = append(where, "mainstem_id = ?")
		args = append(args, f.MainstemID)
	}
	if f.Variable != "" {
		where = append(where, "variable_measured ILIKE ?")
		args = append(args, f.Variable)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	query := `SELECT url, mainstem_id, site_name, variable_measured, variable_unit, type, wkt,
		description, temporal_coverage, distribution_url FROM datasets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY site_name, url"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	defer rows.Close()

	out := []mainstem.Dataset{}
	for rows.Next() {
		var d mainstem.Dataset
		if err := rows.Scan(&d.URL, &d.MainstemID, &d.SiteName, &d.VariableMeasured, &d.VariableUnit,
			&d.Type, &d.WKT, &d.Description, &d.TemporalCoverage, &d.DistributionURL); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DatasetFeatures returns matching datasets as point features.
func (s *MainstemService) DatasetFeatures(ctx context.Context, f DatasetFilter) (*geojson.FeatureCollection, error) {
	ds, err := s.Datasets(ctx, f)
	if err != nil {
		return nil, err
	}
	return mainstem.DatasetFeatures(ds), nil
}

// Features returns mainstem geometries whose bounding box intersects b.
func (s *MainstemService) Features(ctx context.Context, b orb.Bound) (*geojson.FeatureCollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uri, name, geometry FROM mainstems
		WHERE max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ?`,
		b.Min[0], b.Max[0], b.Min[1], b.Max[1])
	if err != nil {
		return nil, fmt.Errorf("querying mainstem features: %w", err)
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()
	for rows.Next() {
		var id, uri, name, geom string
		if err := rows.Scan(&id, &uri, &name, &geom); err != nil {
			return nil, err
		}
		g, err := wkt.Unmarshal(geom)
		if err != nil {
			continue
		}
		f := geojson.NewFeature(g)
		f.ID = id
		f.Properties["id"] = id
		f.Properties["uri"] = uri
		f.Properties["name"] = name
		fc.Append(f)
	}
	return fc, rows.Err()
}

// Extent returns the bounding box of every stored mainstem.
func (s *MainstemService) Extent(ctx context.Context) (orb.Bound, bool, error) {
	var minX, minY, maxX, maxY sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT min(min_x), min(min_y), max(max_x), max(max_y) FROM mainstems`).
		Scan(&minX, &minY, &maxX, &maxY)
	if err != nil {
		return orb.Bound{}, false, err
	}
	if !minX.Valid {
		return orb.Bound{}, false, nil
	}
	return orb.Bound{Min: orb.Point{minX.Float64, minY.Float64}, Max: orb.Point{maxX.Float64, maxY.Float64}}, true, nil
}

// Counts returns the number of stored mainstems and datasets.
func (s *MainstemService) Counts(ctx context.Context) (mainstems, datasets int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT count(*) FROM mainstems), (SELECT count(*) FROM datasets)`).Scan(&mainstems, &datasets)
	return mainstems, datasets, err
}

// PutMainstem inserts or replaces a mainstem. The geometry is given as a
// line or multi-line; its bounding box and length are derived from it.
func (s *MainstemService) PutMainstem(ctx context.Context, m mainstem.Mainstem, g orb.Geometry) error {
	if m.ID == "" {
		return fmt.Errorf("mainstem without id")
	}
	var minX, minY, maxX, maxY any
	if g != nil {
		b := g.Bound()
		minX, minY, maxX, maxY = b.Min[0], b.Min[1], b.Max[0], b.Max[1]
		m.Geometry = wkt.MarshalString(g)
		if m.Length == 0 {
			m.Length = geo.Length(g) / 1000
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mainstems (id, uri, name, length_km, geometry, min_x, min_y, max_x, max_y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.URI, m.Name, m.Length, m.Geometry, minX, minY, maxX, maxY)
	if err != nil {
		return fmt.Errorf("storing mainstem %q: %w", m.ID, err)
	}
	return nil
}

// PutDataset inserts or replaces a dataset.
func (s *MainstemService) PutDataset(ctx context.Context, d mainstem.Dataset) error {
	if d.URL == "" {
		return fmt.Errorf("dataset without url")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO datasets (url, mainstem_id, site_name, variable_measured, variable_unit, type,
			wkt, description, temporal_coverage, distribution_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.URL, d.MainstemID, d.SiteName, d.VariableMeasured, d.VariableUnit, d.Type,
		d.WKT, d.Description, d.TemporalCoverage, d.DistributionURL)
	if err != nil {
		return fmt.Errorf("storing dataset %q: %w", d.URL, err)
	}
	return nil
}
