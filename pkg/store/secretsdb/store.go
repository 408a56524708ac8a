// Package secretsdb implements the secrets tier of the credentials store:
// the (id -> username, password) table and the per-(identity, method) blob
// store, normally the half of the two-tier design kept on encrypted media
// (spec §4.1, §6.6).
package secretsdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/stacklok/signond/pkg/store/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const gooseTableName = "secrets_goose_version"

// BlobBudgetBytes is the total key+value size budget per (identity, method)
// session data blob (spec §3). store_data enforces this before writing any
// row, rather than aborting mid-iteration like the original implementation
// (see DESIGN.md: "4 KiB budget enforcement").
const BlobBudgetBytes = 4096

// Store is the secrets tier of the credentials store.
type Store struct {
	db *sqlitedb.DB
}

// Open opens (and migrates) the secrets database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitedb.Open(ctx, path, migrationsFS, "migrations", gooseTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB, used by callers that need to run a
// query outside this package's helpers (none currently do; kept symmetric
// with metadata.Store.DB).
func (s *Store) DB() *sql.DB { return s.db.DB() }
