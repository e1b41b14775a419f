// Package storage opens the task database for the configured driver and
// creates its tables.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// Open dispatches on driver. For sqlite, target is a file path; for mysql it
// is a DSN.
func Open(ctx context.Context, driver, target string) (*sql.DB, error) {
	switch Dialect(driver) {
	case DialectSQLite, "":
		return OpenSQLite(ctx, target)
	case DialectMySQL:
		return OpenMySQL(ctx, target)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
}

// Bootstrap creates tables and indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts := sqliteSchema
	if d == DialectMySQL {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", d, err)
		}
	}
	return nil
}
