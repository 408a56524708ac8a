package secretsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a secrets-tier row does not exist for the
// requested identity.
var ErrNotFound = errors.New("secret not found")

// SetCredentials upserts the (username, password) row for id. The row's id
// is assigned by the metadata tier: the secrets tier never generates its
// own identity ids (spec §6.6, "id is reused, not autoincremented here").
func (s *Store) SetCredentials(ctx context.Context, id uint32, username, password string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO CREDENTIALS (id, username, password) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, password = excluded.password`,
		id, username, password)
	if err != nil {
		return fmt.Errorf("failed to store secret for identity %d: %w", id, err)
	}
	return nil
}

// Credentials reads the (username, password) row for id.
func (s *Store) Credentials(ctx context.Context, id uint32) (username, password string, err error) {
	row := s.db.DB().QueryRowContext(ctx, `SELECT username, password FROM CREDENTIALS WHERE id = ?`, id)
	if err := row.Scan(&username, &password); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("failed to read secret for identity %d: %w", id, err)
	}
	return username, password, nil
}

// DeleteCredentials removes the secrets-tier row for id, cascading to its
// STORE rows. It is a no-op, not an error, if the row never existed: the
// façade calls this unconditionally on remove_credentials regardless of
// whether a secret was ever written (spec invariant 1 allows identities
// with no paired secrets row).
func (s *Store) DeleteCredentials(ctx context.Context, id uint32) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM CREDENTIALS WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete secret for identity %d: %w", id, err)
	}
	return nil
}

// Clear removes every row from the secrets tier.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM CREDENTIALS`)
	if err != nil {
		return fmt.Errorf("failed to clear secrets store: %w", err)
	}
	return nil
}
