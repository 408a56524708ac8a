package signonclient

import (
	"context"
	"sync"

	"github.com/stacklok/signond/pkg/asyncproxy"
	"github.com/stacklok/signond/pkg/errors"
)

// StateChange mirrors the session's state_changed signal (spec.md §6.3).
type StateChange struct {
	Code    int
	Message string
}

// Session is a client-side handle to one authentication session object
// (spec.md §6.3). Like Identity, it is affine to its creating goroutine;
// its only lock is processMu, below.
type Session struct {
	proxy      *asyncproxy.Proxy
	objectPath string
	states     chan StateChange

	// processMu guards processing, which tracks whether a process
	// request is currently in flight (spec.md §3 invariant 8). Unlike
	// the rest of Session's state, this is shared across goroutines: a
	// caller can issue Process from one goroutine while still awaiting
	// a previous call on another.
	processMu  sync.Mutex
	processing bool
}

func newSession(conn asyncproxy.Conn, objectPath string) *Session {
	p := asyncproxy.New("signond", "session")
	p.SetConnection(conn)
	p.SetObjectPath(objectPath)
	s := &Session{proxy: p, objectPath: objectPath, states: make(chan StateChange, 8)}
	p.ConnectSignal("state_changed", s.onStateChanged)
	return s
}

// States returns the channel of pushed state_changed signals.
func (s *Session) States() <-chan StateChange { return s.states }

func (s *Session) onStateChanged(args any) {
	change, ok := args.(StateChange)
	if !ok {
		return
	}
	select {
	case s.states <- change:
	default:
	}
}

// QueryAvailableMechanisms filters requested against what the plugin
// actually supports (spec.md §6.3 query_available_mechanisms).
func (s *Session) QueryAvailableMechanisms(ctx context.Context, requested []string) ([]string, error) {
	var mechs []string
	call := s.proxy.QueueCall(s.objectPath+".query_available_mechanisms", map[string]any{"mechanisms": requested}, &mechs)
	return mechs, call.Wait(ctx)
}

// Process issues process(sessionData, mechanism) and waits for the
// authenticated reply (spec.md §6.3 process). Submitting a second
// process while one is already in flight fails with WrongState (spec.md
// §3 invariant 8).
func (s *Session) Process(ctx context.Context, sessionData map[string]any, mechanism, cancelKey string) (map[string]any, error) {
	s.processMu.Lock()
	if s.processing {
		s.processMu.Unlock()
		return nil, errors.New(errors.WrongState, "a process request is already in flight for this session")
	}
	s.processing = true
	s.processMu.Unlock()

	defer func() {
		s.processMu.Lock()
		s.processing = false
		s.processMu.Unlock()
	}()

	var reply map[string]any
	call := s.proxy.QueueCall(s.objectPath+".process", map[string]any{
		"params":     sessionData,
		"mechanism":  mechanism,
		"cancel_key": cancelKey,
	}, &reply)
	return reply, call.Wait(ctx)
}

// Cancel requests cancellation of cancelKey's request (spec.md §6.3
// cancel).
func (s *Session) Cancel(ctx context.Context, cancelKey string) error {
	var ignored any
	call := s.proxy.QueueCall(s.objectPath+".cancel", map[string]any{"cancel_key": cancelKey}, &ignored)
	return call.Wait(ctx)
}
