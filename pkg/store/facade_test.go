package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signond/pkg/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "signon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openSecretsTier(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.OpenSecretsTier(t.Context(), filepath.Join(t.TempDir(), "signon-secrets.db")))
}

func testIdentity() *wire.Identity {
	return &wire.Identity{
		Caption:       "my app",
		Username:      "u",
		Password:      "p",
		StorePassword: true,
		Methods:       map[string][]string{"password": {"pw"}},
		Realms:        []string{"r1"},
		ACL:           []string{"*"},
	}
}

// TestStore_CreateStoreQuery mirrors the "create, store, query" scenario
// from the credentials store's testable properties.
func TestStore_CreateStoreQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	openSecretsTier(t, s)

	id, err := s.InsertCredentials(t.Context(), testIdentity())
	require.NoError(t, err)
	require.NotZero(t, id)

	info, err := s.Credentials(t.Context(), id, false)
	require.NoError(t, err)
	assert.Equal(t, "my app", info.Caption)
	assert.Empty(t, info.Password)

	ok, err := s.CheckPassword(t.Context(), id, "u", "p")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckPassword(t.Context(), id, "u", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestStore_PasswordCachingUnderClosedTier mirrors the credentials store's
// second testable-property scenario: secrets written while the tier is
// closed are readable immediately from the cache, and store_password=false
// secrets never reach the tier once it opens.
func TestStore_PasswordCachingUnderClosedTier(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	infoA := testIdentity()
	infoA.Password = "P1"
	infoA.StorePassword = true
	idA, err := s.InsertCredentials(t.Context(), infoA)
	require.NoError(t, err)

	infoB := testIdentity()
	infoB.Password = "P2"
	infoB.StorePassword = false
	idB, err := s.InsertCredentials(t.Context(), infoB)
	require.NoError(t, err)

	gotA, err := s.Credentials(t.Context(), idA, true)
	require.NoError(t, err)
	assert.Equal(t, "P1", gotA.Password)

	gotB, err := s.Credentials(t.Context(), idB, true)
	require.NoError(t, err)
	assert.Equal(t, "P2", gotB.Password)

	openSecretsTier(t, s)

	okA, err := s.CheckPassword(t.Context(), idA, "u", "P1")
	require.NoError(t, err)
	assert.True(t, okA)

	okB, err := s.CheckPassword(t.Context(), idB, "u", "P2")
	require.NoError(t, err)
	assert.False(t, okB, "store_password=false secrets never reach the tier")

	// But it is still readable: it survives in the cache for process lifetime.
	gotB, err = s.Credentials(t.Context(), idB, true)
	require.NoError(t, err)
	assert.Equal(t, "P2", gotB.Password)
}

func TestStore_RemoveCredentials_RequiresOpenTier(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.InsertCredentials(t.Context(), testIdentity())
	require.NoError(t, err)

	err = s.RemoveCredentials(t.Context(), id)
	require.Error(t, err)
	assert.Equal(t, NotOpen, s.LastError())

	openSecretsTier(t, s)
	require.NoError(t, s.RemoveCredentials(t.Context(), id))

	_, err = s.Credentials(t.Context(), id, false)
	require.Error(t, err)
}

func TestStore_Clear_RequiresOpenTier(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Clear(t.Context())
	require.Error(t, err)
	assert.Equal(t, NotOpen, s.LastError())
}

func TestStore_LastError_ClearedAtStartOfNextCall(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_ = s.Clear(t.Context())
	assert.Equal(t, NotOpen, s.LastError())

	_, err := s.Credentials(t.Context(), 999, false)
	require.Error(t, err)
	assert.Equal(t, StatementError, s.LastError())
}

func TestStore_StoreAndLoadData_CachedWhileTierClosed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.InsertCredentials(t.Context(), testIdentity())
	require.NoError(t, err)

	data := map[string][]byte{"refresh_token": []byte("abc")}
	require.NoError(t, s.StoreData(t.Context(), id, "password", data))

	got, err := s.LoadData(t.Context(), id, "password")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	openSecretsTier(t, s)

	got, err = s.LoadData(t.Context(), id, "password")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_StoreData_RejectsOversizedBlob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.InsertCredentials(t.Context(), testIdentity())
	require.NoError(t, err)

	oversized := map[string][]byte{"k": make([]byte, 4097)}
	err = s.StoreData(t.Context(), id, "password", oversized)
	require.Error(t, err)
}

func TestStore_References(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.InsertCredentials(t.Context(), testIdentity())
	require.NoError(t, err)

	require.NoError(t, s.AddReference(t.Context(), id, "client-a", "handle-1"))
	refs, err := s.References(t.Context(), id)
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	require.NoError(t, s.RemoveReference(t.Context(), id, "client-a", "handle-1"))
	refs, err = s.References(t.Context(), id)
	require.NoError(t, err)
	assert.Empty(t, refs)
}
