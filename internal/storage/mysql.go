package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// OpenMySQL connects to a shared MySQL task store and ensures the schema.
func OpenMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql dsn is empty")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := Bootstrap(ctx, db, DialectMySQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes live in the table DDL.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
  id           VARCHAR(36) PRIMARY KEY,
  sample_ref   TEXT NOT NULL,
  capability   VARCHAR(255) NOT NULL,
  platform     VARCHAR(64) NOT NULL DEFAULT '',
  arch         VARCHAR(64) NOT NULL DEFAULT '',
  parameters   JSON,
  priority     INT NOT NULL DEFAULT 0,
  status       VARCHAR(16) NOT NULL,
  code         VARCHAR(32),
  reason       TEXT,
  result       JSON,
  submitted_at VARCHAR(32) NOT NULL,
  updated_at   VARCHAR(32) NOT NULL,
  completed_at VARCHAR(32),
  INDEX tasks_status_priority_idx (status, priority, submitted_at)
);`,
	`CREATE TABLE IF NOT EXISTS task_log (
  id           VARCHAR(36) PRIMARY KEY,
  task_id      VARCHAR(36) NOT NULL,
  capability   VARCHAR(255) NOT NULL,
  status       VARCHAR(16) NOT NULL,
  code         VARCHAR(32),
  reason       TEXT,
  submitted_at VARCHAR(32) NOT NULL,
  completed_at VARCHAR(32) NOT NULL,
  INDEX task_log_completed_at_idx (completed_at)
);`,
}
