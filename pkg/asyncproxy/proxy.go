// Package asyncproxy implements the client-side async IPC proxy (spec
// §4.5): it lets the client library queue method calls before the
// transport exists or the remote object path is known, and transparently
// requeues a call whose remote object was destroyed mid-flight.
package asyncproxy

import (
	"context"
	"sync"

	"github.com/stacklok/signond/pkg/errors"
)

// State is the proxy's connection readiness (spec §4.5 States).
type State int

// Recognized states.
const (
	Incomplete State = iota // no connection, no path, or both missing
	Ready                   // connection and path both present
	Invalid                 // a fatal error was observed on the transport
)

// Conn is the abstract transport a Proxy dispatches calls over. The
// concrete implementation (returned by pkg/ipc's Dial) speaks
// JSON-RPC 2.0 over the IPC bus; Proxy itself only needs to send a call
// and receive its reply.
type Conn interface {
	// Call invokes method at path with args, decoding the reply into
	// result (a pointer) if non-nil.
	Call(ctx context.Context, path, method string, args, result any) error
}

// PendingCall is a queued or dispatched call; its Wait blocks for the
// reply (or the proxy going Invalid, or the object being destroyed and
// the call transparently requeued and then completed).
type PendingCall struct {
	method string
	args   any
	result any

	done chan error
}

// Wait blocks until the call completes or ctx is done.
func (c *PendingCall) Wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel succeeds only before the call has been dispatched (spec §4.5:
// "cancel succeeds only before the call has been dispatched; after
// dispatch, cancel is advisory"). It reports whether the call was
// actually still queued.
func (c *PendingCall) Cancel(p *Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.queue {
		if queued == c {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			c.done <- errors.New(errors.SessionCanceled, "call canceled before dispatch")
			return true
		}
	}
	return false
}

// Proxy is one async IPC proxy instance, bound to a single service/
// interface pair over its lifetime; its object path may be reset and
// replaced (spec §4.5 Inputs).
type Proxy struct {
	service       string
	interfaceName string

	mu         sync.Mutex
	state      State
	path       string
	conn       Conn
	queue      []*PendingCall
	signals    map[string][]func(args any)
	invalidErr error

	requeueCh chan struct{}
}

// New builds a Proxy for the given service/interface. It starts
// Incomplete: no connection and no path yet.
func New(service, interfaceName string) *Proxy {
	return &Proxy{
		service:       service,
		interfaceName: interfaceName,
		signals:       map[string][]func(args any){},
		requeueCh:     make(chan struct{}, 1),
	}
}

// State reports the proxy's current state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) recomputeStateLocked() {
	if p.invalidErr != nil {
		p.state = Invalid
		return
	}
	if p.conn != nil && p.path != "" {
		p.state = Ready
		return
	}
	p.state = Incomplete
}

// SetConnection installs conn and clears any error set by SetError,
// possibly transitioning to Ready if a path is already known.
func (p *Proxy) SetConnection(conn Conn) {
	p.mu.Lock()
	p.conn = conn
	p.invalidErr = nil
	wasReady := p.state == Ready
	p.recomputeStateLocked()
	becameReady := !wasReady && p.state == Ready
	p.mu.Unlock()
	if becameReady {
		p.dispatchQueued()
	}
}

// SetDisconnected drops the connection, returning the proxy to
// Incomplete (unless it was Invalid; only a later SetConnection clears
// that).
func (p *Proxy) SetDisconnected() {
	p.mu.Lock()
	p.conn = nil
	p.recomputeStateLocked()
	p.mu.Unlock()
}

// SetObjectPath installs path, possibly transitioning to Ready. Passing
// "" resets the path (spec §4.5 Inputs: "possibly reset to empty when
// the remote is destroyed").
func (p *Proxy) SetObjectPath(path string) {
	p.mu.Lock()
	p.path = path
	wasReady := p.state == Ready
	p.recomputeStateLocked()
	becameReady := !wasReady && p.state == Ready
	p.mu.Unlock()
	if becameReady {
		p.dispatchQueued()
	}
}

// SetError marks the proxy Invalid; every pending call is failed with err
// (spec §4.5: "errors are delivered to pending calls on Invalid").
func (p *Proxy) SetError(err error) {
	p.mu.Lock()
	p.invalidErr = err
	p.state = Invalid
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, c := range queued {
		c.done <- err
	}
}

// RequestRequeue implements the "remote object destroyed during a call"
// recovery path (spec §4.5): the path is cleared (forcing Incomplete
// until re-registration sets a new one) and every in-flight call the
// caller names is requeued rather than failed.
func (p *Proxy) RequestRequeue(inFlight []*PendingCall) {
	p.mu.Lock()
	p.path = ""
	p.recomputeStateLocked()
	p.queue = append(inFlight, p.queue...)
	p.mu.Unlock()
}

// ConnectSignal remembers handler for signal name; it fires for every
// matching signal passed to DeliverSignal, whatever the proxy's state,
// and survives state transitions.
func (p *Proxy) ConnectSignal(name string, handler func(args any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals[name] = append(p.signals[name], handler)
}

// DeliverSignal invokes every handler registered for name.
func (p *Proxy) DeliverSignal(name string, args any) {
	p.mu.Lock()
	handlers := append([]func(args any){}, p.signals[name]...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(args)
	}
}

// QueueCall enqueues method(args), dispatching immediately if Ready.
func (p *Proxy) QueueCall(method string, args, result any) *PendingCall {
	call := &PendingCall{method: method, args: args, result: result, done: make(chan error, 1)}

	p.mu.Lock()
	if p.state == Invalid {
		err := p.invalidErr
		p.mu.Unlock()
		call.done <- err
		return call
	}
	if p.state == Ready {
		conn, path := p.conn, p.path
		p.mu.Unlock()
		go p.dispatch(conn, path, call)
		return call
	}
	p.queue = append(p.queue, call)
	p.mu.Unlock()
	return call
}

func (p *Proxy) dispatchQueued() {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	conn, path := p.conn, p.path
	p.mu.Unlock()

	for _, call := range queued {
		go p.dispatch(conn, path, call)
	}
}

func (p *Proxy) dispatch(conn Conn, path string, call *PendingCall) {
	err := conn.Call(context.Background(), path, call.method, call.args, call.result)
	call.done <- err
}
