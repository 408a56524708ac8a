package secretsdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigerrors "github.com/stacklok/signond/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "signon-secrets.db")
	store, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SetAndGetCredentials(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SetCredentials(t.Context(), 1, "alice", "hunter2"))

	username, password, err := store.Credentials(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "hunter2", password)
}

func TestStore_SetCredentials_Upsert(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SetCredentials(t.Context(), 1, "alice", "P1"))
	require.NoError(t, store.SetCredentials(t.Context(), 1, "alice", "P2"))

	_, password, err := store.Credentials(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "P2", password)
}

func TestStore_Credentials_NotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, _, err := store.Credentials(t.Context(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteCredentials(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SetCredentials(t.Context(), 1, "alice", "hunter2"))
	require.NoError(t, store.DeleteCredentials(t.Context(), 1))

	_, _, err := store.Credentials(t.Context(), 1)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an identity with no row is not an error.
	require.NoError(t, store.DeleteCredentials(t.Context(), 999))
}

func TestStore_DeleteCredentials_CascadesStoreData(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SetCredentials(t.Context(), 1, "alice", "hunter2"))
	require.NoError(t, store.StoreData(t.Context(), 1, 5, map[string][]byte{"refresh_token": []byte("abc")}))

	require.NoError(t, store.DeleteCredentials(t.Context(), 1))

	data, err := store.LoadData(t.Context(), 1, 5)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestStore_StoreAndLoadData(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	data := map[string][]byte{"refresh_token": []byte("abc"), "scope": []byte("read write")}
	require.NoError(t, store.StoreData(t.Context(), 1, 5, data))

	got, err := store.LoadData(t.Context(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_StoreData_ReplacesPreviousBlob(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.StoreData(t.Context(), 1, 5, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	require.NoError(t, store.StoreData(t.Context(), 1, 5, map[string][]byte{"a": []byte("3")}))

	got, err := store.LoadData(t.Context(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("3")}, got)
}

func TestStore_StoreData_RejectsOversizedBlob(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	oversized := map[string][]byte{"key": make([]byte, BlobBudgetBytes+1)}
	err := store.StoreData(t.Context(), 1, 5, oversized)
	require.Error(t, err)
	assert.Equal(t, sigerrors.StoreFailed, sigerrors.KindOf(err))

	// Rejected writes never touch existing rows.
	require.NoError(t, store.StoreData(t.Context(), 1, 5, map[string][]byte{"ok": []byte("v")}))
	err = store.StoreData(t.Context(), 1, 5, oversized)
	require.Error(t, err)

	got, loadErr := store.LoadData(t.Context(), 1, 5)
	require.NoError(t, loadErr)
	assert.Equal(t, map[string][]byte{"ok": []byte("v")}, got)
}

func TestStore_RemoveData_SingleMethod(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.StoreData(t.Context(), 1, 5, map[string][]byte{"a": []byte("1")}))
	require.NoError(t, store.StoreData(t.Context(), 1, 6, map[string][]byte{"b": []byte("2")}))

	methodID := int64(5)
	require.NoError(t, store.RemoveData(t.Context(), 1, &methodID))

	gotA, err := store.LoadData(t.Context(), 1, 5)
	require.NoError(t, err)
	assert.Empty(t, gotA)

	gotB, err := store.LoadData(t.Context(), 1, 6)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"b": []byte("2")}, gotB)
}

func TestStore_RemoveData_AllMethods(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.StoreData(t.Context(), 1, 5, map[string][]byte{"a": []byte("1")}))
	require.NoError(t, store.StoreData(t.Context(), 1, 6, map[string][]byte{"b": []byte("2")}))

	require.NoError(t, store.RemoveData(t.Context(), 1, nil))

	gotA, err := store.LoadData(t.Context(), 1, 5)
	require.NoError(t, err)
	assert.Empty(t, gotA)
	gotB, err := store.LoadData(t.Context(), 1, 6)
	require.NoError(t, err)
	assert.Empty(t, gotB)
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	require.NoError(t, store.SetCredentials(t.Context(), 1, "alice", "hunter2"))
	require.NoError(t, store.Clear(t.Context()))

	_, _, err := store.Credentials(t.Context(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}
