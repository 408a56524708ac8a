package secretsdb

import (
	"context"
	"fmt"

	"github.com/stacklok/signond/pkg/errors"
)

// StoreData replaces the session data blob for (id, methodID) with data,
// rejecting the write up front if it exceeds BlobBudgetBytes. Checking the
// total size before touching any row avoids the original implementation's
// destructive mid-iteration abort (spec §9 open question), at the cost of
// an all-or-nothing write instead of a partial one.
func (s *Store) StoreData(ctx context.Context, id uint32, methodID int64, data map[string][]byte) error {
	if size := blobSize(data); size > BlobBudgetBytes {
		return errors.New(errors.StoreFailed, "session data for identity %d exceeds %d byte budget (%d bytes)", id, BlobBudgetBytes, size)
	}

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM STORE WHERE identity_id = ? AND method_id = ?`, id, methodID); err != nil {
		return fmt.Errorf("failed to clear session data for identity %d: %w", id, err)
	}

	for key, value := range data {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO STORE (identity_id, method_id, key, value) VALUES (?, ?, ?, ?)`,
			id, methodID, key, value); err != nil {
			return fmt.Errorf("failed to store session data key %q for identity %d: %w", key, id, err)
		}
	}

	return tx.Commit()
}

// LoadData returns the session data blob for (id, methodID), or an empty
// map if nothing has been stored yet.
func (s *Store) LoadData(ctx context.Context, id uint32, methodID int64) (map[string][]byte, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT key, value FROM STORE WHERE identity_id = ? AND method_id = ?`, id, methodID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session data for identity %d: %w", id, err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// RemoveData deletes session data for identity id. When methodID is nil,
// every method's data for id is removed; otherwise only the named method's
// (spec §4.1 remove_data(id, method?)).
func (s *Store) RemoveData(ctx context.Context, id uint32, methodID *int64) error {
	var err error
	if methodID == nil {
		_, err = s.db.DB().ExecContext(ctx, `DELETE FROM STORE WHERE identity_id = ?`, id)
	} else {
		_, err = s.db.DB().ExecContext(ctx,
			`DELETE FROM STORE WHERE identity_id = ? AND method_id = ?`, id, *methodID)
	}
	if err != nil {
		return fmt.Errorf("failed to remove session data for identity %d: %w", id, err)
	}
	return nil
}

func blobSize(data map[string][]byte) int {
	size := 0
	for key, value := range data {
		size += len(key) + len(value)
	}
	return size
}
