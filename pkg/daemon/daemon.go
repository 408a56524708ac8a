// Package daemon is the root object of the signond process (spec.md §6.1):
// it owns the single command loop every IPC handler, timer tick, and
// plugin-proxy event funnels into (SPEC_FULL.md §5), and routes incoming
// calls to the credentials store, the identity manager, and the
// authentication session manager.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/authsession"
	"github.com/stacklok/signond/pkg/config"
	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/identity"
	"github.com/stacklok/signond/pkg/pluginproxy"
	"github.com/stacklok/signond/pkg/store"
	"github.com/stacklok/signond/pkg/wire"
)

const pluginPrefix = "signond-plugin-"

type command struct {
	peer   string
	method string
	params map[string]any
	reply  chan result
}

type result struct {
	value any
	err   error
}

// credentialsLister is the subset of *store.Store query_identities and
// clear need.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=daemon.go credentialsLister
type credentialsLister interface {
	CredentialsList(ctx context.Context, filter map[string]string) ([]*wire.Identity, error)
	Clear(ctx context.Context) error
}

// Daemon is the process-wide router. All of its state is only ever
// touched from the goroutine running Run, matching spec.md §5's
// single-threaded cooperative model: Call hands each command to that
// goroutine, which dispatches commands one at a time.
type Daemon struct {
	pluginsDir string
	store      credentialsLister
	gate       *accesscontrol.Gate
	identities *identity.Manager
	sessions   *authsession.Manager

	cmds chan command
}

// New builds a Daemon. The caller must start Run in its own goroutine
// before issuing any Call.
func New(cfg *config.Config, st *store.Store, gate *accesscontrol.Gate, identities *identity.Manager, sessions *authsession.Manager) *Daemon {
	return &Daemon{
		pluginsDir: cfg.PluginsDir,
		store:      st,
		gate:       gate,
		identities: identities,
		sessions:   sessions,
		cmds:       make(chan command),
	}
}

// Run drains the command channel until ctx is canceled. It is the
// daemon's single event loop: every Call executes here, one at a time.
func (d *Daemon) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmds:
			value, err := d.dispatch(ctx, cmd.peer, cmd.method, cmd.params)
			cmd.reply <- result{value: value, err: err}
		}
	}
}

// Call submits method(params) from peer and blocks for its result. It is
// the only entry point the transport layer (pkg/ipc's Serve) uses.
func (d *Daemon) Call(ctx context.Context, peer, method string, params map[string]any) (any, error) {
	cmd := command{peer: peer, method: method, params: params, reply: make(chan result, 1)}
	select {
	case d.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Daemon) dispatch(ctx context.Context, peer, method string, params map[string]any) (any, error) {
	switch method {
	case "register_new_identity":
		return d.registerNewIdentity(ctx)
	case "get_identity":
		return d.getIdentity(ctx, peer, params)
	case "get_auth_session_object_path":
		return d.getAuthSessionObjectPath(ctx, peer, params)
	case "query_methods":
		return d.queryMethods()
	case "query_mechanisms":
		return d.queryMechanisms(ctx, params)
	case "query_identities":
		return d.queryIdentities(ctx, peer, params)
	case "clear":
		return d.clear(ctx, peer)
	}

	if strings.HasPrefix(method, "identity/") {
		return d.dispatchIdentity(ctx, peer, method, params)
	}
	if strings.HasPrefix(method, "session/") {
		return d.dispatchSession(ctx, peer, method, params)
	}
	return nil, errors.New(errors.MethodNotKnown, fmt.Sprintf("unknown method %q", method))
}

func identityObjectPath(id uint32) string {
	return fmt.Sprintf("identity/%d", id)
}

func sessionObjectPath(identityID uint32, authMethod string) string {
	return fmt.Sprintf("session/%d/%s", identityID, authMethod)
}

// parseObjectMethod splits "identity/<id>.<op>" or "session/<id>/<method>.<op>"
// into its object path and trailing operation name (SPEC_FULL.md §6: "the
// Go stand-in for D-Bus object paths").
func parseObjectMethod(method string) (objectPath, op string, ok bool) {
	idx := strings.LastIndex(method, ".")
	if idx < 0 {
		return "", "", false
	}
	return method[:idx], method[idx+1:], true
}

func (d *Daemon) registerNewIdentity(ctx context.Context) (any, error) {
	obj, err := d.identities.Create(ctx, &wire.Identity{})
	if err != nil {
		return nil, err
	}
	return identityObjectPath(obj.ID()), nil
}

func (d *Daemon) getIdentity(ctx context.Context, peer string, params map[string]any) (any, error) {
	id, err := uintParam(params, "id")
	if err != nil {
		return nil, err
	}
	obj, err := d.identities.Get(ctx, peer, id)
	if err != nil {
		return nil, err
	}
	info, err := obj.QueryInfo(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"object_path": identityObjectPath(id), "info": info}, nil
}

func (d *Daemon) getAuthSessionObjectPath(ctx context.Context, peer string, params map[string]any) (any, error) {
	id, err := uintParam(params, "id")
	if err != nil {
		return nil, err
	}
	authMethod, _ := params["method"].(string)
	if authMethod == "" {
		return nil, errors.New(errors.InvalidQuery, "method is required")
	}
	if id != 0 {
		if _, err := d.identities.Get(ctx, peer, id); err != nil {
			return nil, err
		}
	}
	if _, err := d.sessions.GetOrCreate(ctx, id, authMethod); err != nil {
		return nil, err
	}
	return sessionObjectPath(id, authMethod), nil
}

func (d *Daemon) queryMethods() (any, error) {
	entries, err := os.ReadDir(d.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(errors.InternalServer, err, "failed to read plugins directory")
	}
	var methods []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutPrefix(e.Name(), pluginPrefix); ok {
			methods = append(methods, name)
		}
	}
	sort.Strings(methods)
	return methods, nil
}

func (d *Daemon) queryMechanisms(ctx context.Context, params map[string]any) (any, error) {
	authMethod, _ := params["method"].(string)
	if authMethod == "" {
		return nil, errors.New(errors.InvalidQuery, "method is required")
	}
	path := filepath.Join(d.pluginsDir, pluginPrefix+authMethod)
	proxy, err := pluginproxy.New(ctx, authMethod, path)
	if err != nil {
		return nil, errors.Wrap(errors.MethodNotKnown, err, fmt.Sprintf("method %q is not available", authMethod))
	}
	defer func() { _ = proxy.Close() }()

	if err := proxy.QueryMechanisms(); err != nil {
		return nil, err
	}
	select {
	case ev := <-proxy.Events():
		switch ev.Kind {
		case pluginproxy.EventMechanismsReply:
			return ev.Mechanisms, nil
		case pluginproxy.EventError:
			return nil, errors.FromPluginCode(ev.Code, ev.Message)
		default:
			return nil, errors.New(errors.InternalCommunication, "unexpected plugin reply to mechanisms query")
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Daemon) queryIdentities(ctx context.Context, peer string, params map[string]any) (any, error) {
	if err := d.requireKeychainWidget(ctx, peer); err != nil {
		return nil, err
	}
	filter, _ := params["filter"].(map[string]string)
	return d.store.CredentialsList(ctx, filter)
}

func (d *Daemon) clear(ctx context.Context, peer string) (any, error) {
	if err := d.requireKeychainWidget(ctx, peer); err != nil {
		return nil, err
	}
	if err := d.store.Clear(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Daemon) requireKeychainWidget(ctx context.Context, peer string) error {
	ok, err := d.gate.IsPeerKeychainWidget(ctx, peer)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.PermissionDenied, "this operation is restricted to the keychain widget")
	}
	return nil
}

func uintParam(params map[string]any, key string) (uint32, error) {
	v, ok := params[key]
	if !ok {
		return 0, errors.New(errors.InvalidQuery, fmt.Sprintf("%s is required", key))
	}
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int:
		return uint32(n), nil
	case float64:
		return uint32(n), nil
	case string:
		parsed, err := strconv.ParseUint(n, 10, 32)
		if err != nil {
			return 0, errors.New(errors.InvalidQuery, fmt.Sprintf("%s is not a valid id", key))
		}
		return uint32(parsed), nil
	default:
		return 0, errors.New(errors.InvalidQuery, fmt.Sprintf("%s has an unsupported type", key))
	}
}
