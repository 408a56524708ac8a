// Package sqlitedb provides the shared SQLite connection setup used by both
// the metadata tier and the secrets tier: WAL journaling, a single writer
// connection, and goose-driven schema migration.
package sqlitedb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/stacklok/signond/pkg/logger"
)

// DB wraps a *sql.DB opened against a single SQLite file with the pragmas
// signond requires. Only one writer connection is ever opened: SQLite
// serializes writers regardless, and the daemon's single-threaded event
// loop (spec §5) never needs concurrent writers from this process.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas, and migrates it to the latest schema found in migrations using
// goose. tableName names the goose migration table so the metadata and
// secrets tiers — each versioned independently per spec §6.6 — don't share
// goose bookkeeping even when callers reuse this package for both.
func Open(ctx context.Context, path string, migrations embed.FS, migrationsDir, tableName string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	// A single connection avoids SQLITE_BUSY storms under WAL; the daemon's
	// event loop already serializes access.
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -2000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	migrationsFS, err := fs.Sub(migrations, migrationsDir)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to scope migrations for %s: %w", path, err)
	}

	goose.SetTableName(tableName)
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", path, err)
	}

	logger.Log.Infow("opened sqlite store", "path", path)
	return &DB{db: sqlDB, path: path}, nil
}

// DB returns the underlying *sql.DB for callers that need to build queries
// directly.
func (d *DB) DB() *sql.DB { return d.db }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.db.Close() }
