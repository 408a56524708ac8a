package authsession

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/disposable"
	"github.com/stacklok/signond/pkg/pluginproxy"
)

// DefaultTimeout is the idle timeout a session is reaped after once its
// queue empties (spec §4.3 Idle reaping).
const DefaultTimeout = 300 * time.Second

// Manager owns every live Session. Sessions for a persisted identity are
// singletons keyed by (identity_id, method_name); a second caller
// requesting the same key gets the same instance (spec §4.3 Lifecycle).
// Sessions for identity_id 0 are never shared: each call gets a fresh one.
type Manager struct {
	pluginDir string
	store     credentialsStore
	gate      *accesscontrol.Gate
	ui        UIDialoger
	timeout   time.Duration
	reaper    *disposable.Registry

	mu        sync.Mutex
	sessions  map[Key]*Session
	ephemeral map[string]*Session

	// newProxy spawns a method plugin. Overridable in tests to avoid
	// spawning a real subprocess; defaults to pluginproxy.New.
	newProxy func(ctx context.Context, method, path string) (pluginProxy, error)
}

// NewManager builds a Manager. pluginDir is where method plugin
// executables live, named "signond-plugin-<method>" (spec §6.5: "a
// plugin is an executable spawned per session").
func NewManager(pluginDir string, store credentialsStore, gate *accesscontrol.Gate, ui UIDialoger, timeout time.Duration, onAllIdle func()) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		pluginDir: pluginDir,
		store:     store,
		gate:      gate,
		ui:        ui,
		timeout:   timeout,
		reaper:    disposable.New(onAllIdle),
		sessions:  map[Key]*Session{},
		ephemeral: map[string]*Session{},
		newProxy: func(ctx context.Context, method, path string) (pluginProxy, error) {
			return pluginproxy.New(ctx, method, path)
		},
	}
}

func (m *Manager) pluginPath(method string) string {
	return filepath.Join(m.pluginDir, "signond-plugin-"+method)
}

// GetOrCreate returns the session for (identityID, method), spawning its
// plugin proxy and constructing it on first use (spec §4.3 Lifecycle:
// "on construction, the session instantiates a plugin proxy for
// method_name. Failure to load the plugin fails construction").
func (m *Manager) GetOrCreate(ctx context.Context, identityID uint32, method string) (*Session, error) {
	if identityID == 0 {
		return m.createEphemeral(ctx, method)
	}

	key := Key{IdentityID: identityID, Method: method}
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		m.reaper.Touch(registryKeyOf(key))
		return s, nil
	}
	m.mu.Unlock()

	proxy, err := m.newProxy(ctx, method, m.pluginPath(method))
	if err != nil {
		return nil, err
	}
	s := New(key, m.store, m.gate, m.ui, proxy)

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		_ = s.Close()
		m.reaper.Touch(registryKeyOf(key))
		return existing, nil
	}
	m.sessions[key] = s
	m.mu.Unlock()

	m.reaper.Register(registryKeyOf(key), m.timeout, true, func() { m.evict(key) })
	return s, nil
}

func (m *Manager) createEphemeral(ctx context.Context, method string) (*Session, error) {
	proxy, err := m.newProxy(ctx, method, m.pluginPath(method))
	if err != nil {
		return nil, err
	}
	s := New(Key{IdentityID: 0, Method: method}, m.store, m.gate, m.ui, proxy)

	id := uuid.NewString()
	m.mu.Lock()
	m.ephemeral[id] = s
	m.mu.Unlock()

	m.reaper.Register("session-ephemeral:"+id, m.timeout, true, func() { m.evictEphemeral(id) })
	return s, nil
}

func (m *Manager) evict(key Key) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

func (m *Manager) evictEphemeral(id string) {
	m.mu.Lock()
	s, ok := m.ephemeral[id]
	delete(m.ephemeral, id)
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Len reports how many sessions (persisted plus ephemeral) are currently
// live (test/diagnostic hook).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) + len(m.ephemeral)
}
