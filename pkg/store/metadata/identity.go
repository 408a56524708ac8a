package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stacklok/signond/pkg/wire"
)

// ErrNotFound is returned by Get/Update/Delete when the identity id does not
// exist in the metadata tier.
var ErrNotFound = errors.New("identity not found")

// Insert persists a new identity row (without its secret) and the rows that
// depend on it, returning the assigned id. id assignment happens only here,
// satisfying invariant 2 (monotonic, first-persistence-only assignment).
func (s *Store) Insert(ctx context.Context, info *wire.Identity) (uint32, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	flags := packFlags(info)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO CREDENTIALS (caption, username, flags, type) VALUES (?, ?, ?, ?)`,
		info.Caption, metadataUsername(info), flags, int(info.Type),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert identity: %w", err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new identity id: %w", err)
	}
	id := uint32(id64)

	if err := writeDependents(ctx, tx, id, info); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit identity insert: %w", err)
	}
	return id, nil
}

// Update overwrites the metadata row and dependent rows of an existing
// identity. It fails with ErrNotFound if the identity has not been
// persisted yet (id == 0 or unknown id).
func (s *Store) Update(ctx context.Context, info *wire.Identity) error {
	if info.ID == 0 {
		return ErrNotFound
	}
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	flags := packFlags(info)
	res, err := tx.ExecContext(ctx,
		`UPDATE CREDENTIALS SET caption = ?, username = ?, flags = ?, type = ? WHERE id = ?`,
		info.Caption, metadataUsername(info), flags, int(info.Type), info.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity %d: %w", info.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := clearDependents(ctx, tx, info.ID); err != nil {
		return err
	}
	if err := writeDependents(ctx, tx, info.ID, info); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity update: %w", err)
	}
	return nil
}

// Get reads an identity's metadata row and its dependent rows. The returned
// Identity never carries a Password: that is the secrets tier's concern.
func (s *Store) Get(ctx context.Context, id uint32) (*wire.Identity, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT caption, username, flags, type FROM CREDENTIALS WHERE id = ?`, id)

	var caption, username string
	var flags, credType int
	if err := row.Scan(&caption, &username, &flags, &credType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read identity %d: %w", id, err)
	}

	info := &wire.Identity{
		ID:               id,
		Caption:          caption,
		UsernameIsSecret: flags&wire.FlagUserNameIsSecret != 0,
		StorePassword:    flags&wire.FlagRememberPassword != 0,
		Validated:        flags&wire.FlagValidated != 0,
		Type:             wire.CredentialsType(credType),
	}
	if !info.UsernameIsSecret {
		info.Username = username
	}

	methods, err := s.getMethods(ctx, id)
	if err != nil {
		return nil, err
	}
	info.Methods = methods

	realms, err := s.getRealms(ctx, id)
	if err != nil {
		return nil, err
	}
	info.Realms = realms

	acl, err := s.getTokens(ctx, "ACL", id)
	if err != nil {
		return nil, err
	}
	info.ACL = acl

	owner, err := s.getTokens(ctx, "OWNER", id)
	if err != nil {
		return nil, err
	}
	info.Owner = owner

	return info, nil
}

// Delete removes an identity row; ON DELETE triggers cascade into REALMS,
// ACL, OWNER, REFS and IDENTITY_METHODS (spec invariant 7).
func (s *Store) Delete(ctx context.Context, id uint32) error {
	res, err := s.db.DB().ExecContext(ctx, `DELETE FROM CREDENTIALS WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every identity in the metadata tier. filter is accepted but
// unused: spec §4.1 leaves credentials(filter) as a design hook with no
// currently defined semantics.
func (s *Store) List(ctx context.Context, _ map[string]string) ([]*wire.Identity, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT id FROM CREDENTIALS ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan identity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*wire.Identity, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Clear deletes every identity row (cascading to all dependents).
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM CREDENTIALS`)
	if err != nil {
		return fmt.Errorf("failed to clear metadata store: %w", err)
	}
	return nil
}

// EnsureMethodID returns the catalog id for method, inserting a new METHODS
// row if it has never been seen before. Used by the façade's store_data,
// which needs a method id to key the secrets-tier blob store by (spec
// §4.1, "method row lazy creation").
func (s *Store) EnsureMethodID(ctx context.Context, method string) (int64, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := ensureCatalogRow(ctx, tx, "METHODS", "method", method)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit method lookup: %w", err)
	}
	return id, nil
}

// metadataUsername returns the username to persist in CREDENTIALS.username:
// empty when the username itself is a secret (invariant: split across
// tiers), otherwise the plaintext username.
func metadataUsername(info *wire.Identity) string {
	if info.UsernameIsSecret {
		return ""
	}
	return info.Username
}

func packFlags(info *wire.Identity) int {
	flags := 0
	if info.Validated {
		flags |= wire.FlagValidated
	}
	if info.StorePassword {
		flags |= wire.FlagRememberPassword
	}
	if info.UsernameIsSecret {
		flags |= wire.FlagUserNameIsSecret
	}
	return flags
}

func writeDependents(ctx context.Context, tx *sql.Tx, id uint32, info *wire.Identity) error {
	for method, mechanisms := range info.Methods {
		methodID, err := ensureCatalogRow(ctx, tx, "METHODS", "method", method)
		if err != nil {
			return err
		}
		if len(mechanisms) == 0 {
			// No mechanism restriction: link against the reserved empty-name
			// mechanism row so the NOT NULL mechanism_id column (and the
			// foreign-key pragma) stay satisfied without a schema change.
			noMechanismID, err := ensureCatalogRow(ctx, tx, "MECHANISMS", "mechanism", "")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO IDENTITY_METHODS (identity_id, method_id, mechanism_id) VALUES (?, ?, ?)`,
				id, methodID, noMechanismID); err != nil {
				return fmt.Errorf("failed to link method %q: %w", method, err)
			}
			continue
		}
		for _, mechanism := range mechanisms {
			mechanismID, err := ensureCatalogRow(ctx, tx, "MECHANISMS", "mechanism", mechanism)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO IDENTITY_METHODS (identity_id, method_id, mechanism_id) VALUES (?, ?, ?)`,
				id, methodID, mechanismID); err != nil {
				return fmt.Errorf("failed to link method %q mechanism %q: %w", method, mechanism, err)
			}
		}
	}

	for _, realm := range info.Realms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO REALMS (identity_id, realm) VALUES (?, ?)`, id, realm); err != nil {
			return fmt.Errorf("failed to insert realm %q: %w", realm, err)
		}
	}

	for _, token := range info.ACL {
		tokenID, err := ensureCatalogRow(ctx, tx, "TOKENS", "token", token)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ACL (identity_id, method_id, mechanism_id, token_id) VALUES (?, NULL, NULL, ?)`,
			id, tokenID); err != nil {
			return fmt.Errorf("failed to insert ACL token: %w", err)
		}
	}

	for _, token := range info.Owner {
		tokenID, err := ensureCatalogRow(ctx, tx, "TOKENS", "token", token)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO OWNER (identity_id, token_id) VALUES (?, ?)`, id, tokenID); err != nil {
			return fmt.Errorf("failed to insert owner token: %w", err)
		}
	}

	return nil
}

func clearDependents(ctx context.Context, tx *sql.Tx, id uint32) error {
	stmts := []string{
		`DELETE FROM IDENTITY_METHODS WHERE identity_id = ?`,
		`DELETE FROM REALMS WHERE identity_id = ?`,
		`DELETE FROM ACL WHERE identity_id = ?`,
		`DELETE FROM OWNER WHERE identity_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to clear dependent rows: %w", err)
		}
	}
	return nil
}

// ensureCatalogRow looks up name in a catalog table (METHODS, MECHANISMS,
// TOKENS), inserting it if absent (spec §4.1 "method row lazy creation",
// generalized to every name-keyed catalog table).
func ensureCatalogRow(ctx context.Context, tx *sql.Tx, table, column, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE %s = ?`, table, column), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up %s %q: %w", table, name, err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?)`, table, column), name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s %q: %w", table, name, err)
	}
	return res.LastInsertId()
}

func (s *Store) getMethods(ctx context.Context, id uint32) (map[string][]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT m.method, COALESCE(mech.mechanism, '')
		FROM IDENTITY_METHODS im
		JOIN METHODS m ON m.id = im.method_id
		LEFT JOIN MECHANISMS mech ON mech.id = im.mechanism_id
		WHERE im.identity_id = ?
		ORDER BY m.method, mech.mechanism`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read methods for identity %d: %w", id, err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var method, mechanism string
		if err := rows.Scan(&method, &mechanism); err != nil {
			return nil, fmt.Errorf("failed to scan method row: %w", err)
		}
		if _, ok := out[method]; !ok {
			out[method] = nil
		}
		if mechanism != "" {
			out[method] = append(out[method], mechanism)
		}
	}
	return out, rows.Err()
}

func (s *Store) getRealms(ctx context.Context, id uint32) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT realm FROM REALMS WHERE identity_id = ? ORDER BY realm`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read realms for identity %d: %w", id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var realm string
		if err := rows.Scan(&realm); err != nil {
			return nil, err
		}
		out = append(out, realm)
	}
	return out, rows.Err()
}

func (s *Store) getTokens(ctx context.Context, table string, id uint32) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT t.token FROM %s x JOIN TOKENS t ON t.id = x.token_id
		WHERE x.identity_id = ? ORDER BY t.token`, table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s tokens for identity %d: %w", table, id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	return out, rows.Err()
}
