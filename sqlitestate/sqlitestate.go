// Package sqlitestate is an example npipeline.StateManager backed by
// SQLite: every successful node snapshot is upserted into a single
// "snapshots" table keyed by run id, grounded on
// 2389-research-mammoth/spec/store/sqlite.go's OpenSqlite/Exec/upsert
// shape (schema-on-open, ON CONFLICT upsert, database/sql throughout).
package sqlitestate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/creastat/npipeline/npipeline"
)

// Manager persists one row per run, overwritten on every snapshot.
type Manager struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path and ensures its schema.
func Open(path string) (*Manager, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT PRIMARY KEY,
			total_items INTEGER NOT NULL,
			last_retry_exhausted TEXT,
			updated_at TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Manager{db: db}, nil
}

// Close closes the underlying database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

// CreateSnapshot implements npipeline.StateManager.
func (m *Manager) CreateSnapshot(ctx context.Context, pctx *npipeline.PipelineContext) error {
	var lastErr *string
	if err := pctx.LastRetryExhausted(); err != nil {
		s := err.Error()
		lastErr = &s
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, total_items, last_retry_exhausted, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			total_items = excluded.total_items,
			last_retry_exhausted = excluded.last_retry_exhausted,
			updated_at = excluded.updated_at`,
		pctx.RunID,
		pctx.TotalProcessedItems.Load(),
		lastErr,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot for run %s: %w", pctx.RunID, err)
	}
	return nil
}

// Snapshot is a materialized row, returned by Load for inspection/tests.
type Snapshot struct {
	RunID              string
	TotalItems         int64
	LastRetryExhausted *string
	UpdatedAt          string
}

// Load reads back the latest snapshot for a run, if any.
func (m *Manager) Load(ctx context.Context, runID string) (Snapshot, bool, error) {
	var s Snapshot
	err := m.db.QueryRowContext(ctx,
		"SELECT run_id, total_items, last_retry_exhausted, updated_at FROM snapshots WHERE run_id = ?",
		runID,
	).Scan(&s.RunID, &s.TotalItems, &s.LastRetryExhausted, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query snapshot for run %s: %w", runID, err)
	}
	return s, true, nil
}
