// Package signonclient is the client library built on top of
// pkg/asyncproxy and pkg/uiclient's wire contract: a root Client for
// daemon-level operations, and per-identity/per-session handles
// implementing the client-side registration state machine of spec.md
// §4.2. Every handle (Client, Identity, Session) is affine to the
// goroutine that created it, matching spec.md §5's "client libraries run
// on the caller's event loop" rule. Client and Identity carry no lock;
// Session's only lock guards its in-flight process flag.
package signonclient

import (
	"context"

	"github.com/stacklok/signond/pkg/asyncproxy"
	"github.com/stacklok/signond/pkg/wire"
)

const daemonObjectPath = "daemon"

// Client is the root handle, bound to the daemon's well-known root object
// (spec.md §6.1).
type Client struct {
	proxy *asyncproxy.Proxy
}

// New builds a Client already bound to conn; the root object path is
// fixed and known at startup, unlike identity/session paths which are
// only known once registered.
func New(conn asyncproxy.Conn) *Client {
	p := asyncproxy.New("signond", "daemon")
	p.SetConnection(conn)
	p.SetObjectPath(daemonObjectPath)
	return &Client{proxy: p}
}

// RegisterNewIdentity allocates a new identity and returns a handle to it.
// The handle is in PendingRegistration while the registration call is in
// flight and is returned in Ready once it completes; on error no handle
// is returned (spec.md §4.2: "begins in NeedsRegistration and
// immediately issues a registration call, moving to PendingRegistration").
func (c *Client) RegisterNewIdentity(ctx context.Context, conn asyncproxy.Conn) (*Identity, error) {
	h := newIdentityHandle(0)
	h.state = PendingRegistration
	var path string
	call := c.proxy.QueueCall("register_new_identity", nil, &path)
	if err := call.Wait(ctx); err != nil {
		h.state = NeedsRegistration
		return nil, err
	}
	h.bind(conn, path)
	return h, nil
}

// GetIdentity builds a handle for an existing identity id and registers
// it (spec.md §6.1 get_identity).
func (c *Client) GetIdentity(ctx context.Context, conn asyncproxy.Conn, id uint32) (*Identity, error) {
	h := newIdentityHandle(id)
	h.state = PendingRegistration
	type getIdentityReply struct {
		ObjectPath string        `json:"object_path"`
		Info       *wire.Identity `json:"info"`
	}
	var reply getIdentityReply
	call := c.proxy.QueueCall("get_identity", map[string]any{"id": id}, &reply)
	if err := call.Wait(ctx); err != nil {
		h.state = NeedsRegistration
		return nil, err
	}
	h.bind(conn, reply.ObjectPath)
	h.cached = reply.Info
	return h, nil
}

// GetAuthSessionObjectPath resolves a (identity_id, method) pair to a
// live Session handle (spec.md §6.1 get_auth_session_object_path).
func (c *Client) GetAuthSessionObjectPath(ctx context.Context, conn asyncproxy.Conn, identityID uint32, method string) (*Session, error) {
	var path string
	call := c.proxy.QueueCall("get_auth_session_object_path", map[string]any{"id": identityID, "method": method}, &path)
	if err := call.Wait(ctx); err != nil {
		return nil, err
	}
	return newSession(conn, path), nil
}

// QueryMethods enumerates available plugin names (spec.md §6.1
// query_methods).
func (c *Client) QueryMethods(ctx context.Context) ([]string, error) {
	var methods []string
	call := c.proxy.QueueCall("query_methods", nil, &methods)
	return methods, call.Wait(ctx)
}

// QueryMechanisms asks which mechanisms a method plugin supports
// (spec.md §6.1 query_mechanisms).
func (c *Client) QueryMechanisms(ctx context.Context, method string) ([]string, error) {
	var mechs []string
	call := c.proxy.QueueCall("query_mechanisms", map[string]any{"method": method}, &mechs)
	return mechs, call.Wait(ctx)
}

// QueryIdentities lists identities matching filter; restricted to the
// keychain widget peer (spec.md §6.1).
func (c *Client) QueryIdentities(ctx context.Context, filter map[string]string) ([]*wire.Identity, error) {
	var infos []*wire.Identity
	call := c.proxy.QueueCall("query_identities", map[string]any{"filter": filter}, &infos)
	return infos, call.Wait(ctx)
}

// Clear removes every identity; restricted to the keychain widget peer
// (spec.md §6.1).
func (c *Client) Clear(ctx context.Context) error {
	var ok bool
	call := c.proxy.QueueCall("clear", nil, &ok)
	return call.Wait(ctx)
}
