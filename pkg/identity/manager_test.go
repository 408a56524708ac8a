package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signond/pkg/accesscontrol"
)

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *fakeStore) {
	t.Helper()
	s := newFakeStore()
	gate := accesscontrol.NewGate(allowAllPolicy{})
	return NewManager(s, gate, nil, timeout, nil), s
}

func TestManager_CreateAndGet(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, time.Hour)

	obj, err := m.Create(t.Context(), testIdentityInfo())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(t.Context(), "peer-1", obj.ID())
	require.NoError(t, err)
	assert.Equal(t, obj.ID(), got.ID())
}

func TestManager_Get_DeniesDisallowedPeer(t *testing.T) {
	t.Parallel()
	s := newFakeStore()
	gate := accesscontrol.NewGate(denyAllPolicy{})
	m := NewManager(s, gate, nil, time.Hour, nil)

	id, err := s.InsertCredentials(t.Context(), testIdentityInfo())
	require.NoError(t, err)

	_, err = m.Get(t.Context(), "peer-1", id)
	assert.Error(t, err)
}

func TestManager_Remove(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t, time.Hour)

	obj, err := m.Create(t.Context(), testIdentityInfo())
	require.NoError(t, err)

	require.NoError(t, m.Remove(t.Context(), "peer-1", obj.ID()))
	assert.Equal(t, 0, m.Len())
	_, ok := s.rows[obj.ID()]
	assert.False(t, ok)
}

func TestManager_IdleReap(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 20*time.Millisecond)

	obj, err := m.Create(t.Context(), testIdentityInfo())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	_ = obj
}

func TestManager_Touch_PreventsIdleReap(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 60*time.Millisecond)

	obj, err := m.Create(t.Context(), testIdentityInfo())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		_, err := m.Get(t.Context(), "peer-1", obj.ID())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Len())
}

// denyAllPolicy refuses every access check.
type denyAllPolicy struct{}

func (denyAllPolicy) AppIDOf(_ context.Context, peer string) (string, error) { return peer, nil }
func (denyAllPolicy) IsPeerAllowedToAccess(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}
func (denyAllPolicy) KeychainWidgetAppID(_ context.Context) (string, error) { return "", nil }
func (denyAllPolicy) HandleRequest(_ context.Context, _ accesscontrol.AccessRequest) (accesscontrol.AccessReply, error) {
	return accesscontrol.AccessReply{}, nil
}
