package api

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// maxQueryRows caps the rows returned by an ad-hoc query.
const maxQueryRows = 1000

// DBHandler exposes read-only access to the statistics database.
type DBHandler struct {
	db      *sql.DB
	console bool
}

// NewDBHandler creates a new database handler. db may be nil. The ad-hoc
// query console answers only when console is set; it shares the import
// connection, so it is meant for administrators.
func NewDBHandler(db *sql.DB, console bool) *DBHandler {
	return &DBHandler{db: db, console: console}
}

// RegisterRoutes registers database routes with Huma.
func (h *DBHandler) RegisterRoutes(api huma.API) {
	tags := huma.OperationTags("database")
	huma.Get(api, "/api/v1/tables", h.ListTables, tags)
	huma.Post(api, "/api/v1/query", h.Query, tags)
}

type TablesOutput struct {
	Body struct {
		Tables []string `json:"tables" doc:"List of table names"`
	}
}

// ListTables returns all DuckDB tables.
func (h *DBHandler) ListTables(ctx context.Context, input *struct{}) (*TablesOutput, error) {
	if h.db == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}

	rows, err := h.db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list tables", err)
	}
	defer rows.Close()

	out := &TablesOutput{}
	out.Body.Tables = []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, huma.Error500InternalServerError("Failed to list tables", err)
		}
		out.Body.Tables = append(out.Body.Tables, name)
	}
	return out, rows.Err()
}

type QueryInput struct {
	Body struct {
		Query string `json:"query" required:"true" minLength:"1" doc:"Read-only SQL (SELECT, WITH, DESCRIBE, SHOW or SUMMARIZE)" example:"SELECT country, avg(value) FROM layer_statistics GROUP BY country"`
	}
}

type QueryOutput struct {
	Body struct {
		Columns   []string         `json:"columns" doc:"Column names"`
		Rows      []map[string]any `json:"rows" doc:"Query results"`
		Count     int              `json:"count" doc:"Number of rows returned"`
		Truncated bool             `json:"truncated" doc:"Whether rows were cut at the row limit"`
	}
}

var readOnlyPrefixes = []string{"select", "with", "describe", "show", "summarize", "from"}

// fileAccess matches table functions and replacement scans that read
// from the filesystem or network.
var fileAccess = regexp.MustCompile(`\b(read_\w+|\w+_scan|glob|sniff_csv|parquet_\w+|iceberg_\w+|delta_\w+)\s*\(|\b(from|join)\s+['"]`)

func readOnly(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if strings.Contains(strings.TrimRight(q, "; \n\t"), ";") {
		return false
	}
	if fileAccess.MatchString(q) {
		return false
	}
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}

// Query runs a single read-only statement against DuckDB.
func (h *DBHandler) Query(ctx context.Context, input *QueryInput) (*QueryOutput, error) {
	if h.db == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}
	if !h.console {
		return nil, huma.Error403Forbidden("SQL console is disabled")
	}
	if !readOnly(input.Body.Query) {
		return nil, huma.Error422UnprocessableEntity("only single read-only statements over database tables are allowed")
	}

	rows, err := h.db.QueryContext(ctx, input.Body.Query)
	if err != nil {
		return nil, huma.Error400BadRequest("Query failed: " + err.Error())
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get columns", err)
	}

	out := &QueryOutput{}
	out.Body.Columns = columns
	out.Body.Rows = []map[string]any{}
	for rows.Next() {
		if len(out.Body.Rows) == maxQueryRows {
			out.Body.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, huma.Error500InternalServerError("Failed to scan row", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out.Body.Rows = append(out.Body.Rows, row)
	}
	out.Body.Count = len(out.Body.Rows)
	return out, nil
}
