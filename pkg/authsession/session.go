// Package authsession implements the authentication session engine (spec
// §4.3): one FIFO-queued plugin conversation per (identity_id,
// method_name), interleaving UI prompts and storage updates while
// preserving FIFO ordering and supporting cancellation.
package authsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/logger"
	"github.com/stacklok/signond/pkg/pluginproxy"
	"github.com/stacklok/signond/pkg/wire"
)

// State is a plugin "state changed" code (spec §4.3 "State events").
type State int

// Recognized states, in the order spec.md lists them.
const (
	SessionNotStarted State = iota
	HostResolving
	ServerConnecting
	DataSending
	ReplyWaiting
	UserPending
	UiRefreshing
	ProcessPending
	SessionStarted
	ProcessCanceling
	ProcessDone
	CustomState
)

// StateEvent is one state_changed notification, relayed to every client
// handle attached to the session's cancel-key.
type StateEvent struct {
	CancelKey string
	Code      int
	Message   string
}

// UIDialoger is the subset of the UI service contract (spec §6.4) the
// session engine drives.
type UIDialoger interface {
	QueryDialog(ctx context.Context, params map[string]any) (map[string]any, error)
	RefreshDialog(ctx context.Context, params map[string]any) (map[string]any, error)
	CancelUIRequest(ctx context.Context, id string) error
}

// credentialsStore is the slice of *store.Store the session engine needs.
type credentialsStore interface {
	Credentials(ctx context.Context, id uint32, withPassword bool) (*wire.Identity, error)
	UpdateCredentials(ctx context.Context, info *wire.Identity) error
	LoadData(ctx context.Context, id uint32, method string) (map[string][]byte, error)
	StoreData(ctx context.Context, id uint32, method string, data map[string][]byte) error
}

// Key identifies a session: (identity_id, method_name). identity_id 0
// means an unpersisted, ad hoc identity (spec §4.3 lifecycle).
type Key struct {
	IdentityID uint32
	Method     string
}

// Request is one inbound process(session_data, mechanism) call.
type Request struct {
	Peer      string
	Params    map[string]any
	Mechanism string
	CancelKey string

	reply chan Result
}

// Result is what a Request resolves to.
type Result struct {
	Data map[string]any
	Err  error
}

const subscriptionBuffer = 16

type stateSub struct {
	peer string
	ch   chan StateEvent
}

// pluginProxy is the slice of *pluginproxy.Proxy the session engine
// drives, kept as an interface so tests can substitute a fake plugin.
type pluginProxy interface {
	Events() <-chan pluginproxy.Event
	Process(params map[string]any, mechanism string) error
	ProcessUI(reply map[string]any) error
	ProcessRefresh(reply map[string]any) error
	Cancel() error
	QueryMechanisms() error
	Close() error
}

type mechanismsRequest struct {
	requested []string
	reply     chan mechanismsResult
}

type mechanismsResult struct {
	mechanisms []string
	err        error
}

// Session is one live (identity_id, method_name) plugin conversation.
type Session struct {
	key   Key
	store credentialsStore
	gate  *accesscontrol.Gate
	ui    UIDialoger
	proxy pluginProxy

	mu              sync.Mutex
	queue           []*Request
	active          *Request
	cancelRequested bool
	uiCancelID      string
	clientData      map[string]any
	tmpUsername     string
	tmpPassword     string
	subs            []*stateSub
	lastUsed        time.Time

	incoming     chan *Request
	cancelCh     chan string
	mechanismsCh chan mechanismsRequest
	done         chan struct{}
	closed       bool
}

// New builds a Session for key, backed by proxy. The caller owns proxy's
// lifecycle up to Session.Close, which also closes proxy.
func New(key Key, st credentialsStore, gate *accesscontrol.Gate, ui UIDialoger, proxy pluginProxy) *Session {
	s := &Session{
		key:          key,
		store:        st,
		gate:         gate,
		ui:           ui,
		proxy:        proxy,
		incoming:     make(chan *Request, 32),
		cancelCh:     make(chan string, 8),
		mechanismsCh: make(chan mechanismsRequest, 4),
		done:         make(chan struct{}),
		lastUsed:     time.Now(),
	}
	go s.loop()
	return s
}

// touch updates the session's last-used timestamp (spec §4.3: "each
// event... refreshes the session's last used timestamp").
func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the last time the session processed an event.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// QueueLen reports how many requests are queued, including the active one.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Process enqueues a process(session_data, mechanism) request and blocks
// until it completes, is canceled, or ctx is done.
func (s *Session) Process(ctx context.Context, peer string, params map[string]any, mechanism, cancelKey string) (map[string]any, error) {
	s.touch()
	req := &Request{Peer: peer, Params: params, Mechanism: mechanism, CancelKey: cancelKey, reply: make(chan Result, 1)}

	select {
	case s.incoming <- req:
	case <-s.done:
		return nil, errors.New(errors.ServiceNotAvailable, "session is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation of the request identified by cancelKey
// (spec §4.3 Cancellation).
func (s *Session) Cancel(cancelKey string) {
	s.touch()
	select {
	case s.cancelCh <- cancelKey:
	case <-s.done:
	}
}

// QueryAvailableMechanisms asks the plugin which mechanisms it supports
// and intersects the answer with requested (spec §6.3
// query_available_mechanisms); an empty requested list returns the
// plugin's full mechanism set unfiltered.
func (s *Session) QueryAvailableMechanisms(ctx context.Context, requested []string) ([]string, error) {
	s.touch()
	reply := make(chan mechanismsResult, 1)
	select {
	case s.mechanismsCh <- mechanismsRequest{requested: requested, reply: reply}:
	case <-s.done:
		return nil, errors.New(errors.WrongState, "session is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		if len(requested) == 0 {
			return r.mechanisms, nil
		}
		supported := map[string]bool{}
		for _, m := range r.mechanisms {
			supported[m] = true
		}
		var filtered []string
		for _, m := range requested {
			if supported[m] {
				filtered = append(filtered, m)
			}
		}
		return filtered, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) handleMechanisms(mr mechanismsRequest) {
	if err := s.proxy.QueryMechanisms(); err != nil {
		mr.reply <- mechanismsResult{err: err}
		return
	}
	for {
		select {
		case ev, ok := <-s.proxy.Events():
			if !ok {
				mr.reply <- mechanismsResult{err: errors.New(errors.InternalCommunication, "plugin exited before replying to mechanisms query")}
				return
			}
			if ev.Kind == pluginproxy.EventMechanismsReply {
				mr.reply <- mechanismsResult{mechanisms: ev.Mechanisms}
				return
			}
			s.handleEvent(ev)
		case <-s.done:
			mr.reply <- mechanismsResult{err: errors.New(errors.SessionCanceled, "session closed")}
			return
		}
	}
}

// SubscribeState registers peer to receive state_changed events.
func (s *Session) SubscribeState(peer string) <-chan StateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &stateSub{peer: peer, ch: make(chan StateEvent, subscriptionBuffer)}
	s.subs = append(s.subs, sub)
	return sub.ch
}

// UnsubscribeState removes peer's state subscription.
func (s *Session) UnsubscribeState(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.peer == peer {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	s.subs = kept
}

// Close terminates the session's plugin process and processing loop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.proxy.Close()
}

func (s *Session) emitState(cancelKey string, code int, message string) {
	s.mu.Lock()
	subs := append([]*stateSub(nil), s.subs...)
	s.mu.Unlock()

	ev := StateEvent{CancelKey: cancelKey, Code: code, Message: message}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			logger.Log.Debugw("dropped state_changed event, subscriber channel full", "cancel_key", cancelKey)
		}
	}
}

func (s *Session) loop() {
	for {
		select {
		case req := <-s.incoming:
			s.mu.Lock()
			s.queue = append(s.queue, req)
			startable := s.active == nil
			s.mu.Unlock()
			if startable {
				s.startNext()
			}
		case key := <-s.cancelCh:
			s.handleCancel(key)
		case mr := <-s.mechanismsCh:
			s.handleMechanisms(mr)
		case ev, ok := <-s.proxy.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Session) startNext() {
	s.mu.Lock()
	if s.active != nil || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	req := s.queue[0]
	s.active = req
	s.cancelRequested = false
	s.mu.Unlock()

	ctx := context.Background()
	var info *wire.Identity
	var storedBlob map[string][]byte
	var applicableACL []string
	if s.key.IdentityID != 0 {
		info, _ = s.store.Credentials(ctx, s.key.IdentityID, true)
		storedBlob, _ = s.store.LoadData(ctx, s.key.IdentityID, s.key.Method)
		if info != nil {
			applicableACL, _ = s.gate.ApplicableACLTokens(ctx, req.Peer, info.ACL)
		}
	}

	merged := mergeParams(req.Params, info, storedBlob, applicableACL)
	merged = stripPasswordForPolicy(merged)
	username, password := snapshotCredentials(merged)

	s.mu.Lock()
	s.clientData = req.Params
	s.tmpUsername = username
	s.tmpPassword = password
	s.mu.Unlock()

	s.emitState(req.CancelKey, int(SessionStarted), "")

	if err := s.proxy.Process(merged, req.Mechanism); err != nil {
		s.finishActive(nil, err)
	}
}

func (s *Session) handleEvent(ev pluginproxy.Event) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		logger.Log.Debugw("plugin event with no active request", "kind", ev.Kind)
		return
	}
	s.touch()

	switch ev.Kind {
	case pluginproxy.EventResult:
		s.handleResult(active, ev.Data)
	case pluginproxy.EventStore:
		s.handleStore(ev.Data)
	case pluginproxy.EventUIRequest:
		s.handleUIRequest(active, ev.Data)
	case pluginproxy.EventRefreshRequest:
		s.handleRefreshRequest(active, ev.Data)
	case pluginproxy.EventError:
		s.emitState(active.CancelKey, int(ProcessDone), ev.Message)
		s.finishActive(nil, errors.FromPluginCode(ev.Code, ev.Message))
	case pluginproxy.EventStateChanged:
		s.emitState(active.CancelKey, ev.Code, ev.Message)
	}
}

func (s *Session) handleResult(active *Request, data map[string]any) {
	ctx := context.Background()
	if s.key.IdentityID != 0 {
		if info, err := s.store.Credentials(ctx, s.key.IdentityID, true); err == nil && info != nil {
			s.mu.Lock()
			username, password := s.tmpUsername, s.tmpPassword
			s.mu.Unlock()
			if !info.Validated && username != "" {
				info.Username = username
			}
			if password != "" {
				info.Password = password
			}
			info.Validated = true
			if err := s.store.UpdateCredentials(ctx, info); err != nil {
				logger.Log.Warnw("failed to commit credentials after plugin result", "identity_id", s.key.IdentityID, "error", err)
			}
		}
	}
	s.emitState(active.CancelKey, int(ProcessDone), "")
	s.finishActive(filterResult(data, s.key.Method), nil)
}

func (s *Session) handleStore(data map[string]any) {
	if s.key.IdentityID == 0 {
		return
	}
	blob := storableKeys(data)
	if err := s.store.StoreData(context.Background(), s.key.IdentityID, s.key.Method, blob); err != nil {
		logger.Log.Warnw("failed to persist plugin store request", "identity_id", s.key.IdentityID, "method", s.key.Method, "error", err)
	}
}

func (s *Session) handleUIRequest(active *Request, data map[string]any) {
	s.dispatchUI(active, data, false)
}

func (s *Session) handleRefreshRequest(active *Request, data map[string]any) {
	s.dispatchUI(active, data, true)
}

func (s *Session) dispatchUI(active *Request, data map[string]any, refresh bool) {
	augmented := make(map[string]any, len(data)+5)
	for k, v := range data {
		augmented[k] = v
	}
	s.mu.Lock()
	for k, v := range s.clientData {
		if _, present := augmented[k]; !present {
			augmented[k] = v
		}
	}
	cancelID := uuid.NewString()
	s.uiCancelID = cancelID
	s.mu.Unlock()

	augmented["RequestId"] = cancelID
	augmented["Identity"] = s.key.IdentityID
	augmented["Method"] = s.key.Method
	augmented["Mechanism"] = active.Mechanism

	go func() {
		ctx := context.Background()
		var result map[string]any
		var err error
		if refresh {
			result, err = s.ui.RefreshDialog(ctx, augmented)
		} else {
			result, err = s.ui.QueryDialog(ctx, augmented)
		}
		if err != nil {
			s.finishActive(nil, err)
			return
		}
		if refresh {
			err = s.proxy.ProcessRefresh(result)
		} else {
			err = s.proxy.ProcessUI(result)
		}
		if err != nil {
			s.finishActive(nil, err)
		}
	}()
}

func (s *Session) handleCancel(cancelKey string) {
	s.mu.Lock()
	if s.active != nil && s.active.CancelKey == cancelKey {
		s.cancelRequested = true
		uiCancelID := s.uiCancelID
		s.mu.Unlock()

		if err := s.proxy.Cancel(); err != nil {
			logger.Log.Warnw("failed to forward cancel to plugin", "error", err)
		}
		if uiCancelID != "" {
			if err := s.ui.CancelUIRequest(context.Background(), uiCancelID); err != nil {
				logger.Log.Debugw("failed to cancel outstanding UI request", "error", err)
			}
		}
		s.emitState(cancelKey, int(ProcessCanceling), "")
		return
	}

	for idx, req := range s.queue {
		if idx == 0 || req.CancelKey != cancelKey {
			continue
		}
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.mu.Unlock()
		req.reply <- Result{Err: errors.New(errors.SessionCanceled, "request canceled before it started")}
		close(req.reply)
		return
	}
	s.mu.Unlock()
}

func (s *Session) finishActive(data map[string]any, err error) {
	s.mu.Lock()
	req := s.active
	wasCanceled := s.cancelRequested
	if req != nil && len(s.queue) > 0 && s.queue[0] == req {
		s.queue = s.queue[1:]
	}
	s.active = nil
	s.cancelRequested = false
	s.uiCancelID = ""
	s.mu.Unlock()

	if req == nil {
		return
	}
	if wasCanceled {
		err = errors.New(errors.SessionCanceled, "session canceled")
		data = nil
	}
	req.reply <- Result{Data: data, Err: err}
	close(req.reply)

	s.startNext()
}

func registryKeyOf(key Key) string {
	return fmt.Sprintf("session:%d:%s", key.IdentityID, key.Method)
}
