package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Config holds database configuration. An empty DataDir opens an in-memory
// database.
type Config struct {
	DataDir string
	DBName  string
	// Extensions are installed and loaded on open. Failures are logged and
	// otherwise ignored.
	Extensions []string
}

const schema = `
CREATE TABLE IF NOT EXISTS mainstems (
	id        VARCHAR PRIMARY KEY,
	uri       VARCHAR NOT NULL DEFAULT '',
	name      VARCHAR NOT NULL DEFAULT '',
	length_km DOUBLE  NOT NULL DEFAULT 0,
	geometry  VARCHAR NOT NULL DEFAULT '',
	min_x     DOUBLE,
	min_y     DOUBLE,
	max_x     DOUBLE,
	max_y     DOUBLE
);
CREATE TABLE IF NOT EXISTS datasets (
	url               VARCHAR PRIMARY KEY,
	mainstem_id       VARCHAR NOT NULL DEFAULT '',
	site_name         VARCHAR NOT NULL DEFAULT '',
	variable_measured VARCHAR NOT NULL DEFAULT '',
	variable_unit     VARCHAR NOT NULL DEFAULT '',
	type              VARCHAR NOT NULL DEFAULT '',
	wkt               VARCHAR NOT NULL DEFAULT '',
	description       VARCHAR NOT NULL DEFAULT '',
	temporal_coverage VARCHAR NOT NULL DEFAULT '',
	distribution_url  VARCHAR NOT NULL DEFAULT ''
);
`

// Open opens a DuckDB database and applies the schema.
func Open(cfg Config) (*sql.DB, error) {
	dsn := ""
	if cfg.DataDir != "" {
		duckdbDir := filepath.Join(cfg.DataDir, "duckdb")
		if err := os.MkdirAll(duckdbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb directory: %w", err)
		}
		name := cfg.DBName
		if name == "" {
			name = "mainstems"
		}
		dsn = filepath.Join(duckdbDir, name+".duckdb")
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	for _, ext := range cfg.Extensions {
		if _, err := conn.Exec(fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext)); err != nil {
			slog.Warn("duckdb extension unavailable", "extension", ext, "error", err)
		}
	}

	if err := Migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Migrate creates the explorer tables if they do not exist.
func Migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
