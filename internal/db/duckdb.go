// Package db opens the DuckDB database that holds layer statistics.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Config holds database configuration. An empty DBName opens an in-memory
// database.
type Config struct {
	DataDir string
	DBName  string
}

// Path returns the database file path, or "" for an in-memory database.
func (c Config) Path() string {
	if c.DBName == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "duckdb", c.DBName+".duckdb")
}

// Open opens a DuckDB connection pool. The caller closes it.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path()
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb directory: %w", err)
		}
	}

	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open duckdb %q: %w", path, err)
	}

	// parquet backs statistics imports; it may already be bundled.
	conn.Exec("INSTALL parquet; LOAD parquet;")
	return conn, nil
}
