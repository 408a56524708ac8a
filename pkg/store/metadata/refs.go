package metadata

import (
	"context"
	"fmt"
)

// Reference is a single cross-identity reference row: a caller (token)
// holding ref on an identity, used to track indirect ownership akin to a
// refcount (spec §4.1 add_reference/remove_reference/references).
type Reference struct {
	Token string
	Ref   string
}

// AddReference records that token holds ref on identity id.
func (s *Store) AddReference(ctx context.Context, id uint32, token, ref string) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tokenID, err := ensureCatalogRow(ctx, tx, "TOKENS", "token", token)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO REFS (identity_id, token_id, ref) VALUES (?, ?, ?)`,
		id, tokenID, ref); err != nil {
		return fmt.Errorf("failed to add reference %q/%q for identity %d: %w", token, ref, id, err)
	}
	return tx.Commit()
}

// RemoveReference drops a single (token, ref) pair from identity id. It is
// a no-op, not an error, if the reference was never recorded.
func (s *Store) RemoveReference(ctx context.Context, id uint32, token, ref string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM REFS WHERE identity_id = ? AND ref = ? AND token_id = (
			SELECT id FROM TOKENS WHERE token = ?
		)`, id, ref, token)
	if err != nil {
		return fmt.Errorf("failed to remove reference %q/%q for identity %d: %w", token, ref, id, err)
	}
	return nil
}

// References lists every (token, ref) pair recorded for identity id.
func (s *Store) References(ctx context.Context, id uint32) ([]Reference, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT t.token, r.ref FROM REFS r JOIN TOKENS t ON t.id = r.token_id
		WHERE r.identity_id = ? ORDER BY t.token, r.ref`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read references for identity %d: %w", id, err)
	}
	defer rows.Close()

	var out []Reference
	for rows.Next() {
		var ref Reference
		if err := rows.Scan(&ref.Token, &ref.Ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
