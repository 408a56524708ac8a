package uiclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	lastMethod string
	lastArgs   any
	result     map[string]any
	err        error
}

func (f *fakeConn) Call(_ context.Context, _, method string, args, result any) error {
	f.lastMethod = method
	f.lastArgs = args
	if f.err != nil {
		return f.err
	}
	*(result.(*map[string]any)) = f.result
	return nil
}

func TestClient_QueryDialogSuccess(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{result: map[string]any{"QueryErrorCode": 0, "Password": "secret"}}
	c := New(conn)

	reply, err := c.QueryDialog(t.Context(), map[string]any{"RequestId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "secret", reply["Password"])
	assert.Equal(t, methodQueryDialog, conn.lastMethod)
}

func TestClient_QueryDialogNonZeroErrorCode(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{result: map[string]any{"QueryErrorCode": 1}}
	c := New(conn)

	_, err := c.QueryDialog(t.Context(), map[string]any{"RequestId": "r1"})
	assert.Error(t, err)
}

func TestClient_RefreshDialogUsesRefreshMethod(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{result: map[string]any{"QueryErrorCode": 0}}
	c := New(conn)

	_, err := c.RefreshDialog(t.Context(), map[string]any{"RequestId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, methodRefreshDialog, conn.lastMethod)
}

func TestClient_CancelUIRequest(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{result: map[string]any{}}
	c := New(conn)

	err := c.CancelUIRequest(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, methodCancelUIRequest, conn.lastMethod)
	assert.Equal(t, map[string]any{"RequestId": "r1"}, conn.lastArgs)
}
