package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between workers finishing at once.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := Bootstrap(ctx, db, DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
  id           TEXT PRIMARY KEY,
  sample_ref   TEXT NOT NULL,
  capability   TEXT NOT NULL,
  platform     TEXT NOT NULL DEFAULT '',
  arch         TEXT NOT NULL DEFAULT '',
  parameters   JSON,
  priority     INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL,
  code         TEXT,
  reason       TEXT,
  result       JSON,
  submitted_at TEXT NOT NULL,
  updated_at   TEXT NOT NULL,
  completed_at TEXT
);`,
	`CREATE TABLE IF NOT EXISTS task_log (
  id           TEXT PRIMARY KEY,
  task_id      TEXT NOT NULL,
  capability   TEXT NOT NULL,
  status       TEXT NOT NULL,
  code         TEXT,
  reason       TEXT,
  submitted_at TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS tasks_status_priority_idx ON tasks(status, priority, submitted_at);`,
	`CREATE INDEX IF NOT EXISTS task_log_completed_at_idx ON task_log(completed_at);`,
}
