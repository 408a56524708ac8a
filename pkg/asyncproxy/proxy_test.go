package asyncproxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu    sync.Mutex
	calls []string
	fn    func(method string, args, result any) error
}

func (f *fakeConn) Call(_ context.Context, _, method string, args, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(method, args, result)
	}
	return nil
}

func TestProxy_StartsIncomplete(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	assert.Equal(t, Incomplete, p.State())
}

func TestProxy_ReadyRequiresBothConnectionAndPath(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	p.SetConnection(&fakeConn{})
	assert.Equal(t, Incomplete, p.State())
	p.SetObjectPath("/obj/1")
	assert.Equal(t, Ready, p.State())
}

func TestProxy_QueuedCallDispatchesOnceReady(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	conn := &fakeConn{}

	call := p.QueueCall("DoThing", nil, nil)
	assert.Equal(t, 0, len(conn.calls))

	p.SetConnection(conn)
	p.SetObjectPath("/obj/1")

	err := call.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"DoThing"}, conn.calls)
}

func TestProxy_CallDispatchesImmediatelyWhenAlreadyReady(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	conn := &fakeConn{}
	p.SetConnection(conn)
	p.SetObjectPath("/obj/1")

	call := p.QueueCall("DoThing", nil, nil)
	err := call.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"DoThing"}, conn.calls)
}

func TestProxy_SetErrorFailsQueuedCalls(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	call := p.QueueCall("DoThing", nil, nil)

	p.SetError(assertErr)
	err := call.Wait(t.Context())
	assert.Equal(t, assertErr, err)
	assert.Equal(t, Invalid, p.State())
}

func TestProxy_CallAfterInvalidFailsImmediately(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	p.SetError(assertErr)

	call := p.QueueCall("DoThing", nil, nil)
	err := call.Wait(t.Context())
	assert.Equal(t, assertErr, err)
}

func TestProxy_CancelBeforeDispatchSucceeds(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	call := p.QueueCall("DoThing", nil, nil)

	ok := call.Cancel(p)
	assert.True(t, ok)
	err := call.Wait(t.Context())
	assert.Error(t, err)
}

func TestProxy_CancelAfterDispatchIsNoop(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	conn := &fakeConn{}
	p.SetConnection(conn)
	p.SetObjectPath("/obj/1")

	call := p.QueueCall("DoThing", nil, nil)
	_ = call.Wait(t.Context())

	ok := call.Cancel(p)
	assert.False(t, ok, "call already dispatched, cancel is advisory only")
}

func TestProxy_SignalHandlerSurvivesReadyTransitions(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	received := make(chan any, 4)
	p.ConnectSignal("info_updated", func(args any) { received <- args })

	p.DeliverSignal("info_updated", 1)
	p.SetConnection(&fakeConn{})
	p.SetObjectPath("/obj/1")
	p.SetDisconnected()
	p.SetConnection(&fakeConn{})
	p.DeliverSignal("info_updated", 2)

	assert.Equal(t, 1, <-received)
	assert.Equal(t, 2, <-received)
}

func TestProxy_RequestRequeueClearsPathAndRequeues(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	conn := &fakeConn{}
	p.SetConnection(conn)
	p.SetObjectPath("/obj/1")
	assert.Equal(t, Ready, p.State())

	inFlight := &PendingCall{method: "DoThing", done: make(chan error, 1)}
	p.RequestRequeue([]*PendingCall{inFlight})
	assert.Equal(t, Incomplete, p.State())

	p.SetObjectPath("/obj/2")
	err := inFlight.Wait(t.Context())
	require.NoError(t, err)
}

var assertErr = &testError{"transport failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestProxy_DispatchEventually(t *testing.T) {
	t.Parallel()
	p := New("svc", "iface")
	conn := &fakeConn{}
	p.SetConnection(conn)
	p.SetObjectPath("/obj/1")
	_ = p.QueueCall("A", nil, nil)
	_ = p.QueueCall("B", nil, nil)

	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.calls) == 2
	}, time.Second, time.Millisecond)
}
