package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/wire"
)

// fakeStore is an in-memory credentialsStore double for identity tests.
type fakeStore struct {
	mu    sync.Mutex
	next  uint32
	rows  map[uint32]*wire.Identity
	refs  map[uint32]map[string][]string
	fails bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[uint32]*wire.Identity{}, refs: map[uint32]map[string][]string{}}
}

func (f *fakeStore) Credentials(_ context.Context, id uint32, _ bool) (*wire.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, assertNotFound{}
	}
	return row.Clone(), nil
}

func (f *fakeStore) InsertCredentials(_ context.Context, info *wire.Identity) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	clone := info.Clone()
	clone.ID = f.next
	f.rows[f.next] = clone
	return f.next, nil
}

func (f *fakeStore) UpdateCredentials(_ context.Context, info *wire.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[info.ID] = info.Clone()
	return nil
}

func (f *fakeStore) RemoveCredentials(_ context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) CheckPassword(_ context.Context, id uint32, _, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	return row.Password == password, nil
}

func (f *fakeStore) AddReference(_ context.Context, id uint32, token, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[id] == nil {
		f.refs[id] = map[string][]string{}
	}
	f.refs[id][token] = append(f.refs[id][token], ref)
	return nil
}

func (f *fakeStore) RemoveReference(_ context.Context, id uint32, token, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.refs[id][token][:0]
	for _, r := range f.refs[id][token] {
		if r != ref {
			kept = append(kept, r)
		}
	}
	f.refs[id][token] = kept
	return nil
}

// assertNotFound satisfies error without importing stdlib errors twice.
type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

// allowAllPolicy grants every peer access to every token.
type allowAllPolicy struct{}

func (allowAllPolicy) AppIDOf(_ context.Context, peer string) (string, error) { return peer, nil }
func (allowAllPolicy) IsPeerAllowedToAccess(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}
func (allowAllPolicy) KeychainWidgetAppID(_ context.Context) (string, error) { return "widget", nil }
func (allowAllPolicy) HandleRequest(_ context.Context, req accesscontrol.AccessRequest) (accesscontrol.AccessReply, error) {
	return accesscontrol.AccessReply{Granted: true}, nil
}

type fakeUI struct {
	password string
	errCode  int
}

func (f *fakeUI) QueryDialog(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"QueryErrorCode": f.errCode, "Password": f.password}, nil
}

func testIdentityInfo() *wire.Identity {
	return &wire.Identity{
		Caption:  "Test Service",
		Username: "alice",
		Password: "hunter2",
		Owner:    []string{"O"},
		ACL:      []string{"T1"},
	}
}

func newTestIdentity(t *testing.T) (*Identity, *fakeStore) {
	t.Helper()
	s := newFakeStore()
	gate := accesscontrol.NewGate(allowAllPolicy{})
	id, err := s.InsertCredentials(t.Context(), testIdentityInfo())
	require.NoError(t, err)
	return newIdentity(id, s, gate, nil), s
}

func TestIdentity_QueryInfo(t *testing.T) {
	t.Parallel()
	obj, _ := newTestIdentity(t)

	info, err := obj.QueryInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
}

func TestIdentity_Store_BroadcastsDataUpdated(t *testing.T) {
	t.Parallel()
	obj, _ := newTestIdentity(t)
	ch := obj.Subscribe("peer-1")

	info := testIdentityInfo()
	info.Caption = "Updated"
	require.NoError(t, obj.Store(t.Context(), info))

	sig := <-ch
	assert.Equal(t, DataUpdated, sig.Kind)
	assert.Equal(t, obj.ID(), sig.IdentityID)
}

func TestIdentity_Remove_BroadcastsRemovedAndBlocksFurtherCalls(t *testing.T) {
	t.Parallel()
	obj, _ := newTestIdentity(t)
	ch := obj.Subscribe("peer-1")

	require.NoError(t, obj.Remove(t.Context()))
	assert.Equal(t, Removed, (<-ch).Kind)

	_, err := obj.QueryInfo(t.Context())
	assert.Error(t, err)
}

func TestIdentity_VerifySecret(t *testing.T) {
	t.Parallel()
	obj, _ := newTestIdentity(t)

	ok, err := obj.VerifySecret(t.Context(), "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = obj.VerifySecret(t.Context(), "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdentity_VerifyUser_RoundTripsThroughUI(t *testing.T) {
	t.Parallel()
	s := newFakeStore()
	gate := accesscontrol.NewGate(allowAllPolicy{})
	id, err := s.InsertCredentials(t.Context(), testIdentityInfo())
	require.NoError(t, err)
	ui := &fakeUI{password: "hunter2"}
	obj := newIdentity(id, s, gate, ui)

	ok, err := obj.VerifyUser(t.Context(), map[string]any{"RequestId": "r1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdentity_VerifyUser_UICanceled(t *testing.T) {
	t.Parallel()
	s := newFakeStore()
	gate := accesscontrol.NewGate(allowAllPolicy{})
	id, err := s.InsertCredentials(t.Context(), testIdentityInfo())
	require.NoError(t, err)
	ui := &fakeUI{password: "hunter2", errCode: 1}
	obj := newIdentity(id, s, gate, ui)

	ok, err := obj.VerifyUser(t.Context(), map[string]any{"RequestId": "r1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdentity_AddAndRemoveReference(t *testing.T) {
	t.Parallel()
	obj, s := newTestIdentity(t)

	require.NoError(t, obj.AddReference(t.Context(), "peer-1", "ref-a"))
	assert.Equal(t, []string{"ref-a"}, s.refs[obj.ID()]["peer-1"])

	require.NoError(t, obj.RemoveReference(t.Context(), "peer-1", "ref-a"))
	assert.Empty(t, s.refs[obj.ID()]["peer-1"])
}

func TestIdentity_Unsubscribe_ClosesChannel(t *testing.T) {
	t.Parallel()
	obj, _ := newTestIdentity(t)
	ch := obj.Subscribe("peer-1")
	obj.Unsubscribe("peer-1")

	_, open := <-ch
	assert.False(t, open)
}
