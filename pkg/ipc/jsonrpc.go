// Package ipc is the transport binding between the daemon and its
// clients: JSON-RPC 2.0 over the per-user Unix-domain socket described
// in spec.md §6.7, using golang.org/x/exp/jsonrpc2. It is the Go stand-in
// for the D-Bus session bus the original daemon spoke on
// (SPEC_FULL.md §6).
package ipc

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/signond/pkg/asyncproxy"
	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/logger"
)

// CallHandler is the signature pkg/daemon.Daemon.Call already has; it is
// what binds an inbound JSON-RPC method call to the daemon's single
// command loop.
type CallHandler func(ctx context.Context, peer, method string, params map[string]any) (any, error)

// conn adapts *jsonrpc2.Connection to asyncproxy.Conn.
type conn struct {
	jc *jsonrpc2.Connection
}

// Call implements asyncproxy.Conn. path is folded into the method name
// the same way pkg/daemon's router expects it (object-path-shaped
// prefix), since JSON-RPC has no native notion of an object path.
func (c *conn) Call(ctx context.Context, path, method string, args, result any) error {
	full := method
	if path != "" && path != "daemon" {
		full = path + "." + method
	}
	return c.jc.Call(ctx, full, args).Await(ctx, result)
}

// Dial connects to the daemon's Unix-domain socket at socketPath and
// returns an asyncproxy.Conn. Any server-to-client notification
// (info_updated, state_changed, unregistered) is delivered to onNotify,
// which callers use to drive their asyncproxy.Proxy.DeliverSignal.
func Dial(ctx context.Context, socketPath string, onNotify func(method string, params map[string]any)) (asyncproxy.Conn, error) {
	binder := jsonrpc2.BinderFunc(func(_ context.Context, jc *jsonrpc2.Connection) (jsonrpc2.ConnectionOptions, error) {
		return jsonrpc2.ConnectionOptions{
			Handler: jsonrpc2.HandlerFunc(func(_ context.Context, req *jsonrpc2.Request) (any, error) {
				if req.IsCall() {
					return nil, nil
				}
				var params map[string]any
				if err := req.UnmarshalParams(&params); err == nil {
					onNotify(req.Method, params)
				}
				return nil, nil
			}),
		}, nil
	})

	jc, err := jsonrpc2.Dial(ctx, jsonrpc2.NetDialer("unix", socketPath), binder)
	if err != nil {
		return nil, errors.Wrap(errors.NoConnection, err, "failed to connect to signond daemon socket")
	}
	return &conn{jc: jc}, nil
}

// Serve listens on socketPath (created with 0700 permissions per
// spec.md §6.7) and dispatches every inbound call to handle. It blocks
// until ctx is canceled.
func Serve(ctx context.Context, socketPath string, handle CallHandler) error {
	_ = os.Remove(socketPath)

	listener, err := jsonrpc2.NetListener(ctx, "unix", socketPath, jsonrpc2.NetListenOptions{})
	if err != nil {
		return errors.Wrap(errors.InternalServer, err, "failed to listen on signond daemon socket")
	}
	if err := os.Chmod(socketPath, 0o700); err != nil {
		return errors.Wrap(errors.InternalServer, err, "failed to set socket permissions")
	}

	binder := jsonrpc2.BinderFunc(func(_ context.Context, jc *jsonrpc2.Connection) (jsonrpc2.ConnectionOptions, error) {
		peer := peerCredentials(jc)
		return jsonrpc2.ConnectionOptions{
			Handler: jsonrpc2.HandlerFunc(func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
				var params map[string]any
				if err := req.UnmarshalParams(&params); err != nil && req.HasParams() {
					return nil, errors.New(errors.InvalidQuery, "malformed request parameters")
				}
				value, err := handle(ctx, peer, req.Method, params)
				if err != nil {
					return nil, err
				}
				return value, nil
			}),
		}, nil
	})

	server, err := jsonrpc2.Serve(ctx, listener, binder)
	if err != nil {
		return errors.Wrap(errors.InternalServer, err, "failed to start signond daemon server")
	}
	logger.Log.Infof("daemon listening on %s", socketPath)
	return server.Wait()
}

// peerCredentials extracts a stable peer identifier for the access
// control gate: the connection object's pointer value, distinct for each
// live connection. SO_PEERCRED is not read.
func peerCredentials(jc *jsonrpc2.Connection) string {
	return fmt.Sprintf("%p", jc)
}
