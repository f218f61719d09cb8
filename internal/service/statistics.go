package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

const statisticsSchema = `CREATE TABLE IF NOT EXISTS layer_statistics (
	layer_id VARCHAR NOT NULL,
	country  VARCHAR NOT NULL,
	variable VARCHAR NOT NULL,
	value    DOUBLE  NOT NULL
)`

// StatisticsService stores per-country layer statistics in DuckDB.
type StatisticsService struct {
	db *sql.DB
}

// NewStatisticsService creates the statistics table if needed.
func NewStatisticsService(ctx context.Context, db *sql.DB) (*StatisticsService, error) {
	if _, err := db.ExecContext(ctx, statisticsSchema); err != nil {
		return nil, fmt.Errorf("create layer_statistics: %w", err)
	}
	return &StatisticsService{db: db}, nil
}

// Replace swaps the statistics of a layer for rows.
func (s *StatisticsService) Replace(ctx context.Context, layerID string, rows []CountryValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM layer_statistics WHERE layer_id = ?`, layerID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO layer_statistics (layer_id, country, variable, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, layerID, r.Country, r.Variable, r.Value); err != nil {
			return fmt.Errorf("insert %s/%s: %w", r.Country, r.Variable, err)
		}
	}
	return tx.Commit()
}

// Import loads the statistics of a layer from a CSV or Parquet file with
// country, variable and value columns.
func (s *StatisticsService) Import(ctx context.Context, layerID, path string) (int64, error) {
	var reader string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		reader = "read_csv_auto"
	case ".parquet":
		reader = "read_parquet"
	default:
		return 0, fmt.Errorf("unsupported statistics file %q", filepath.Base(path))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM layer_statistics WHERE layer_id = ?`, layerID); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`INSERT INTO layer_statistics
		SELECT ?, CAST(country AS VARCHAR), CAST(variable AS VARCHAR), CAST(value AS DOUBLE)
		FROM %s(%s)`, reader, quoteLiteral(path))
	res, err := tx.ExecContext(ctx, query, layerID)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", filepath.Base(path), err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// List returns the raw statistics of a layer.
func (s *StatisticsService) List(ctx context.Context, layerID string) ([]CountryValue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT country, variable, value FROM layer_statistics
		WHERE layer_id = ? ORDER BY country, variable`, layerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []CountryValue{}
	for rows.Next() {
		var v CountryValue
		if err := rows.Scan(&v.Country, &v.Variable, &v.Value); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// CountryValues returns country → variable → average value for a layer.
func (s *StatisticsService) CountryValues(ctx context.Context, layerID string) (map[string]map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT country, variable, avg(value) FROM layer_statistics
		WHERE layer_id = ? GROUP BY country, variable`, layerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]map[string]float64{}
	for rows.Next() {
		var country, variable string
		var value float64
		if err := rows.Scan(&country, &variable, &value); err != nil {
			return nil, err
		}
		if result[country] == nil {
			result[country] = map[string]float64{}
		}
		result[country][variable] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// GlobalAverage returns the mean of variable over every country of a
// layer, or nil when the layer has no such statistic.
func (s *StatisticsService) GlobalAverage(ctx context.Context, layerID, variable string) (*float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT avg(value) FROM layer_statistics
		WHERE layer_id = ? AND variable = ?`, layerID, variable).Scan(&avg)
	if err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

// Delete drops the statistics of a layer.
func (s *StatisticsService) Delete(ctx context.Context, layerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM layer_statistics WHERE layer_id = ?`, layerID)
	return err
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
