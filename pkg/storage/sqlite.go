package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattsync/wattsync/pkg/types"

	// registers the pure-Go sqlite driver
	_ "modernc.org/sqlite"
)

// SQLiteProvider implements the Database interface on a local SQLite file.
// It is the default store: statistics survive restarts without requiring any
// external service.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

// configuredSQLite sets up the SQLite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "wattsync.db", "Path to the SQLite statistics database file")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return fmt.Errorf("sqlite-path is required")
	}
	return nil
}

// Init opens the database file and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS series (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			unit TEXT NOT NULL,
			has_sum INTEGER NOT NULL,
			has_mean INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS points (
			series_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			sum REAL,
			PRIMARY KEY (series_id, ts)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database file.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetLastPoints returns up to maxCount of the newest points for the series,
// newest first.
func (s *SQLiteProvider) GetLastPoints(ctx context.Context, seriesID string, maxCount int) ([]types.StatisticPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, value, sum FROM points WHERE series_id = ? ORDER BY ts DESC LIMIT ?`,
		seriesID, maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []types.StatisticPoint
	for rows.Next() {
		var ts int64
		var value float64
		var sum sql.NullFloat64
		if err := rows.Scan(&ts, &value, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		p := types.StatisticPoint{
			TSStart: time.Unix(ts, 0).UTC(),
			Value:   value,
		}
		if sum.Valid {
			v := sum.Float64
			p.Sum = &v
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate points: %w", err)
	}
	return points, nil
}

// AppendPoints upserts the series metadata and all points in one
// transaction. Points at existing timestamps are overwritten.
func (s *SQLiteProvider) AppendPoints(ctx context.Context, meta types.SeriesMetadata, points []types.StatisticPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO series (id, name, unit, has_sum, has_mean) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, unit = excluded.unit,
		 has_sum = excluded.has_sum, has_mean = excluded.has_mean`,
		meta.ID, meta.Name, meta.Unit, boolToInt(meta.HasSum), boolToInt(meta.HasMean),
	); err != nil {
		return fmt.Errorf("failed to upsert series: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO points (series_id, ts, value, sum) VALUES (?, ?, ?, ?)
		 ON CONFLICT(series_id, ts) DO UPDATE SET value = excluded.value, sum = excluded.sum`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		var sum sql.NullFloat64
		if p.Sum != nil {
			sum = sql.NullFloat64{Float64: *p.Sum, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, meta.ID, p.TSStart.Unix(), p.Value, sum); err != nil {
			return fmt.Errorf("failed to upsert point at %s: %w", p.TSStart, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit points: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
