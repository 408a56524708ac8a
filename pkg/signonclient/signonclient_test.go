package signonclient

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(args, result any) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]func(args, result any) error{}}
}

func (f *fakeConn) on(method string, h func(args, result any) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeConn) Call(_ context.Context, _, method string, args, result any) error {
	f.mu.Lock()
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(args, result)
}

func TestClient_RegisterNewIdentityTransitionsToReady(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.on("register_new_identity", func(_, result any) error {
		*(result.(*string)) = "identity/1"
		return nil
	})
	c := New(conn)

	h, err := c.RegisterNewIdentity(t.Context(), conn)
	require.NoError(t, err)
	assert.Equal(t, Ready, h.State())
	assert.Equal(t, "identity/1", h.objectPath())
}

func TestClient_RegisterNewIdentityErrorReturnsNoHandle(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.on("register_new_identity", func(_, _ any) error {
		return assertErr
	})
	c := New(conn)

	h, err := c.RegisterNewIdentity(t.Context(), conn)
	assert.Error(t, err)
	assert.Nil(t, h)
}

type testErr struct{ msg string }

func (e testErr) Error() string { return e.msg }

var assertErr = testErr{"registration failed"}

func TestIdentity_InfoUpdatedTransitionsToNeedsUpdateThenBackToReady(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.on("register_new_identity", func(_, result any) error {
		*(result.(*string)) = "identity/1"
		return nil
	})
	conn.on("identity/1.get_info", func(_, _ any) error { return nil })
	c := New(conn)
	h, err := c.RegisterNewIdentity(t.Context(), conn)
	require.NoError(t, err)

	h.onInfoUpdated(DataUpdated)
	assert.Equal(t, NeedsUpdate, h.State())

	_, err = h.QueryInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Ready, h.State())
}

func TestIdentity_RemovedSignalBlocksFurtherCalls(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.on("register_new_identity", func(_, result any) error {
		*(result.(*string)) = "identity/1"
		return nil
	})
	c := New(conn)
	h, err := c.RegisterNewIdentity(t.Context(), conn)
	require.NoError(t, err)

	h.onInfoUpdated(RemovedKind)
	assert.Equal(t, Removed, h.State())

	_, err = h.QueryInfo(t.Context())
	assert.Error(t, err)
}

func TestSession_ProcessRejectsConcurrentCall(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	started := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	conn.on("session/1/password.process", func(_, result any) error {
		close(started)
		<-unblock
		*(result.(*map[string]any)) = map[string]any{"UserName": "alice"}
		return nil
	})
	s := newSession(conn, "session/1/password")

	go func() {
		defer close(done)
		_, _ = s.Process(t.Context(), map[string]any{}, "password", "ck-1")
	}()

	<-started

	_, err := s.Process(t.Context(), map[string]any{}, "password", "ck-2")
	require.Error(t, err)

	close(unblock)
	<-done
}

func TestSession_ProcessRoundTrip(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.on("session/1/password.process", func(_, result any) error {
		*(result.(*map[string]any)) = map[string]any{"UserName": "alice"}
		return nil
	})
	s := newSession(conn, "session/1/password")

	reply, err := s.Process(t.Context(), map[string]any{}, "password", "ck-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", reply["UserName"])
}
