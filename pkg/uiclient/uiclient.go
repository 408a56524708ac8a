// Package uiclient is the consumed side of the UI service contract (spec
// §6.4): it dispatches query_dialog/refresh_dialog/cancel_ui_request to
// the UI service process over the async IPC proxy, and satisfies the
// UIDialoger interfaces that pkg/identity and pkg/authsession depend on
// so the daemon only needs to wire up one concrete client.
package uiclient

import (
	"context"

	"github.com/stacklok/signond/pkg/asyncproxy"
	"github.com/stacklok/signond/pkg/errors"
)

const (
	uiService   = "com.signond.UI"
	uiInterface = "com.signond.UI"
	uiObjectPath = "/com/signond/UI"

	methodQueryDialog     = "query_dialog"
	methodRefreshDialog   = "refresh_dialog"
	methodCancelUIRequest = "cancel_ui_request"
)

// queryErrorCode mirrors the result-map field every dialog reply carries
// (spec §6.4): 0 means ok.
const queryErrorCode = "QueryErrorCode"

// Client talks to the UI service. It implements both pkg/identity's and
// pkg/authsession's UIDialoger interfaces: they're structurally distinct
// (one persists no cancel affordance, the other does) but both reduce to
// the same three wire calls.
type Client struct {
	proxy *asyncproxy.Proxy
}

// New builds a Client bound to conn, already registered at the UI
// service's well-known object path (the UI service, unlike identities and
// sessions, is a singleton with a fixed path known at startup).
func New(conn asyncproxy.Conn) *Client {
	p := asyncproxy.New(uiService, uiInterface)
	p.SetConnection(conn)
	p.SetObjectPath(uiObjectPath)
	return &Client{proxy: p}
}

// QueryDialog issues query_dialog and waits for its result (spec §6.4:
// "blocking (async reply), arbitrary timeout").
func (c *Client) QueryDialog(ctx context.Context, params map[string]any) (map[string]any, error) {
	return c.call(ctx, methodQueryDialog, params)
}

// RefreshDialog issues refresh_dialog, same schema as query_dialog.
func (c *Client) RefreshDialog(ctx context.Context, params map[string]any) (map[string]any, error) {
	return c.call(ctx, methodRefreshDialog, params)
}

// CancelUIRequest asks the UI service to cancel the dialog identified by
// id. Per spec §5, UI requests are "cancelled transparently on session
// cancellation, plugin error, or session destruction" — the caller is
// pkg/authsession, not the end user, so failures here are logged by the
// caller rather than surfaced further.
func (c *Client) CancelUIRequest(ctx context.Context, id string) error {
	var reply map[string]any
	call := c.proxy.QueueCall(methodCancelUIRequest, map[string]any{"RequestId": id}, &reply)
	return call.Wait(ctx)
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	var reply map[string]any
	call := c.proxy.QueueCall(method, params, &reply)
	if err := call.Wait(ctx); err != nil {
		return nil, err
	}
	if code, ok := reply[queryErrorCode]; ok {
		if n, isInt := code.(int); isInt && n != 0 {
			return reply, errors.New(errors.UserInteraction, "dialog returned a non-zero QueryErrorCode")
		}
	}
	return reply, nil
}
