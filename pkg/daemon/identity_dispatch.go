package daemon

import (
	"context"
	"strconv"
	"strings"

	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/wire"
)

// dispatchIdentity routes "identity/<id>.<op>" calls (spec.md §6.2) to the
// live Identity object, fetching/gate-checking it on first touch via
// identity.Manager.Get.
func (d *Daemon) dispatchIdentity(ctx context.Context, peer, method string, params map[string]any) (any, error) {
	objPath, op, ok := parseObjectMethod(method)
	if !ok {
		return nil, errors.New(errors.MethodNotKnown, "malformed identity method")
	}
	idStr := strings.TrimPrefix(objPath, "identity/")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, errors.New(errors.InvalidQuery, "malformed identity object path")
	}

	obj, err := d.identities.Get(ctx, peer, uint32(id))
	if err != nil {
		return nil, err
	}

	switch op {
	case "get_info":
		return obj.QueryInfo(ctx)
	case "store":
		info, ok := params["info"].(*wire.Identity)
		if !ok {
			return nil, errors.New(errors.InvalidQuery, "info is required")
		}
		return nil, obj.Store(ctx, info)
	case "request_credentials_update":
		info, _ := params["info"].(*wire.Identity)
		return nil, obj.RequestCredentialsUpdate(ctx, info)
	case "remove":
		return nil, obj.Remove(ctx)
	case "sign_out":
		return nil, obj.SignOut(ctx, peer)
	case "add_reference":
		ref, _ := params["reference"].(string)
		return nil, obj.AddReference(ctx, peer, ref)
	case "remove_reference":
		ref, _ := params["reference"].(string)
		return nil, obj.RemoveReference(ctx, peer, ref)
	case "verify_secret":
		secret, _ := params["secret"].(string)
		return obj.VerifySecret(ctx, secret)
	case "verify_user":
		return obj.VerifyUser(ctx, params)
	default:
		return nil, errors.New(errors.MethodNotKnown, "unknown identity operation "+op)
	}
}
