package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS run_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			query_hash TEXT NOT NULL,
			strategy TEXT NOT NULL,
			models_json TEXT NOT NULL DEFAULT '[]',
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			fallbacks INTEGER NOT NULL DEFAULT 0,
			wall_clock_secs REAL NOT NULL DEFAULT 0,
			winner_model TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_timestamp ON run_summaries(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRunSummary persists a race's terminal record.
func (s *SQLiteStore) SaveRunSummary(ctx context.Context, r RunSummary) error {
	modelsJSON, err := json.Marshal(r.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_summaries
		   (timestamp, query_hash, strategy, models_json, total_tokens, total_cost_usd, fallbacks, wall_clock_secs, winner_model, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, r.QueryHash, r.Strategy, string(modelsJSON), r.TotalTokens, r.TotalCostUSD, r.Fallbacks, r.WallClockSecs, r.WinnerModel, r.Outcome,
	)
	if err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

// ListRunSummaries returns the most recent run summaries, newest first.
func (s *SQLiteStore) ListRunSummaries(ctx context.Context, limit int, offset int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, query_hash, strategy, models_json, total_tokens, total_cost_usd, fallbacks, wall_clock_secs, winner_model, outcome
		 FROM run_summaries ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []RunSummary
	for rows.Next() {
		var r RunSummary
		var modelsJSON string
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.QueryHash, &r.Strategy, &modelsJSON,
			&r.TotalTokens, &r.TotalCostUSD, &r.Fallbacks, &r.WallClockSecs, &r.WinnerModel, &r.Outcome); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(modelsJSON), &r.Models); err != nil {
			return nil, fmt.Errorf("unmarshal models for run %d: %w", r.ID, err)
		}
		summaries = append(summaries, r)
	}
	return summaries, rows.Err()
}
