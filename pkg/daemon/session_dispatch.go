package daemon

import (
	"context"
	"strconv"
	"strings"

	"github.com/stacklok/signond/pkg/errors"
)

// dispatchSession routes "session/<id>/<method>.<op>" calls (spec.md §6.3)
// to the live Session, spawning its plugin proxy on first touch via
// authsession.Manager.GetOrCreate.
func (d *Daemon) dispatchSession(ctx context.Context, peer, method string, params map[string]any) (any, error) {
	objPath, op, ok := parseObjectMethod(method)
	if !ok {
		return nil, errors.New(errors.MethodNotKnown, "malformed session method")
	}
	rest := strings.TrimPrefix(objPath, "session/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return nil, errors.New(errors.InvalidQuery, "malformed session object path")
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, errors.New(errors.InvalidQuery, "malformed session object path")
	}
	authMethod := parts[1]

	if id != 0 {
		if _, err := d.identities.Get(ctx, peer, uint32(id)); err != nil {
			return nil, err
		}
	}
	sess, err := d.sessions.GetOrCreate(ctx, uint32(id), authMethod)
	if err != nil {
		return nil, err
	}

	switch op {
	case "query_available_mechanisms":
		requested, _ := params["mechanisms"].([]string)
		return sess.QueryAvailableMechanisms(ctx, requested)
	case "process":
		data, _ := params["params"].(map[string]any)
		mechanism, _ := params["mechanism"].(string)
		cancelKey, _ := params["cancel_key"].(string)
		return sess.Process(ctx, peer, data, mechanism, cancelKey)
	case "cancel":
		cancelKey, _ := params["cancel_key"].(string)
		sess.Cancel(cancelKey)
		return nil, nil
	default:
		return nil, errors.New(errors.MethodNotKnown, "unknown session operation "+op)
	}
}
