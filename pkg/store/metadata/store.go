// Package metadata implements the metadata tier of the credentials store:
// identity rows, method/mechanism catalogs, realms, ACL and owner token
// joins, and cross-identity references (spec §4.1, §6.6).
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/stacklok/signond/pkg/store/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const gooseTableName = "metadata_goose_version"

// Store is the metadata tier of the credentials store. Flag bits packed
// into CREDENTIALS.flags are defined once in pkg/wire (FlagValidated,
// FlagRememberPassword, FlagUserNameIsSecret).
type Store struct {
	db *sqlitedb.DB
}

// Open opens (and migrates) the metadata database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitedb.Open(ctx, path, migrationsFS, "migrations", gooseTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB. No code outside this package calls it
// at present.
func (s *Store) DB() *sql.DB { return s.db.DB() }
