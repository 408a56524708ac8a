package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/disposable"
	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/wire"
)

// DefaultTimeout is the idle timeout a server-side identity is reaped
// after if no operation has touched it (spec §4.2: "configurable
// identity_timeout (default 300 s)").
const DefaultTimeout = 300 * time.Second

// Manager owns every live server-side Identity, keyed by store id, and
// idle-reaps them through a shared disposable.Registry (spec §4.2,
// §4.6).
type Manager struct {
	store   credentialsStore
	gate    *accesscontrol.Gate
	ui      UIDialoger
	timeout time.Duration
	reaper  *disposable.Registry

	mu         sync.Mutex
	identities map[uint32]*Identity
}

// NewManager builds a Manager. onAllIdle, if non-nil, is forwarded to the
// underlying disposable.Registry and fires once every time every tracked
// identity has been reaped (the daemon can use it to schedule its own
// exit after prolonged global idleness).
func NewManager(store credentialsStore, gate *accesscontrol.Gate, ui UIDialoger, timeout time.Duration, onAllIdle func()) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		store:      store,
		gate:       gate,
		ui:         ui,
		timeout:    timeout,
		reaper:     disposable.New(onAllIdle),
		identities: map[uint32]*Identity{},
	}
}

func (m *Manager) registryKey(id uint32) string { return fmt.Sprintf("identity:%d", id) }

// track registers id in the idle reaper and the live-identity table;
// callers must already hold no lock on id's Identity.
func (m *Manager) track(obj *Identity) {
	m.mu.Lock()
	m.identities[obj.id] = obj
	m.mu.Unlock()

	m.reaper.Register(m.registryKey(obj.id), m.timeout, true, func() {
		m.evict(obj.id)
	})
}

func (m *Manager) evict(id uint32) {
	m.mu.Lock()
	obj, ok := m.identities[id]
	delete(m.identities, id)
	m.mu.Unlock()
	if ok {
		obj.broadcast(Removed)
	}
}

// touch resets id's idle clock. Every successful identity operation calls
// this so an active identity is never reaped out from under a caller.
func (m *Manager) touch(id uint32) {
	m.reaper.Touch(m.registryKey(id))
}

// Create inserts a brand-new identity (spec §6.2 store when no id is
// known yet: "credentials_stored(new_id)") and returns its live object.
func (m *Manager) Create(ctx context.Context, info *wire.Identity) (*Identity, error) {
	id, err := m.store.InsertCredentials(ctx, info)
	if err != nil {
		return nil, err
	}
	obj := newIdentity(id, m.store, m.gate, m.ui)
	m.track(obj)
	return obj, nil
}

// Get returns the live Identity for id, access-checked for peer against
// the identity's recorded owner/ACL (spec §4.4). It creates and tracks the
// in-memory object on first access (lazy activation, spec §4.2: the
// server-side object is the unit of idle reaping, not a permanent
// in-memory table).
func (m *Manager) Get(ctx context.Context, peer string, id uint32) (*Identity, error) {
	m.mu.Lock()
	obj, ok := m.identities[id]
	m.mu.Unlock()

	if !ok {
		info, err := m.store.Credentials(ctx, id, false)
		if err != nil {
			return nil, err
		}
		allowed, err := m.gate.IsPeerAllowedToUseIdentity(ctx, peer, info.Owner, info.ACL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, errors.New(errors.PermissionDenied, "peer is not allowed to use this identity")
		}
		obj = newIdentity(id, m.store, m.gate, m.ui)
		m.track(obj)
	} else {
		info, err := m.store.Credentials(ctx, id, false)
		if err != nil {
			return nil, err
		}
		allowed, err := m.gate.IsPeerAllowedToUseIdentity(ctx, peer, info.Owner, info.ACL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, errors.New(errors.PermissionDenied, "peer is not allowed to use this identity")
		}
	}

	m.touch(id)
	return obj, nil
}

// Remove deletes id from the store, evicts its live object and stops
// idle-tracking it.
func (m *Manager) Remove(ctx context.Context, peer string, id uint32) error {
	obj, err := m.Get(ctx, peer, id)
	if err != nil {
		return err
	}
	m.reaper.Unregister(m.registryKey(id))
	m.mu.Lock()
	delete(m.identities, id)
	m.mu.Unlock()
	return obj.Remove(ctx)
}

// Len reports how many identities are currently live in memory (test/
// diagnostic hook).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.identities)
}
