package signonclient

import (
	"context"
	"fmt"

	"github.com/stacklok/signond/pkg/asyncproxy"
	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/wire"
)

// State is the client-side registration state machine (spec.md §4.2
// States).
type State int

// Recognized states, in the order spec.md lists them.
const (
	PendingRegistration State = iota
	NeedsRegistration
	NeedsUpdate
	PendingUpdate
	Removed
	Ready
)

// UpdateKind mirrors the server-side info_updated signal payload (spec.md
// §6.2): DataUpdated, Removed, or SignedOut.
type UpdateKind int

// Recognized update kinds.
const (
	DataUpdated UpdateKind = iota
	RemovedKind
	SignedOut
)

// Identity is a client-side handle to one server-side identity object. It
// is not safe for concurrent use: it carries no lock by design, and must
// only be touched from the goroutine that created it (package doc).
type Identity struct {
	id     uint32
	state  State
	cached *wire.Identity
	proxy  *asyncproxy.Proxy

	updates chan UpdateKind
}

func newIdentityHandle(id uint32) *Identity {
	return &Identity{
		id:      id,
		state:   NeedsRegistration,
		proxy:   asyncproxy.New("signond", "identity"),
		updates: make(chan UpdateKind, 8),
	}
}

func (h *Identity) objectPath() string { return fmt.Sprintf("identity/%d", h.id) }

func (h *Identity) bind(conn asyncproxy.Conn, path string) {
	_, _ = fmt.Sscanf(path, "identity/%d", &h.id)
	h.proxy.SetConnection(conn)
	h.proxy.SetObjectPath(path)
	h.proxy.ConnectSignal("info_updated", h.onInfoUpdated)
	h.proxy.ConnectSignal("unregistered", h.onUnregistered)
	h.state = Ready
}

// Updates returns the channel of pushed info_updated signals (spec.md
// §6.2). Callers that only poll via QueryInfo may ignore it.
func (h *Identity) Updates() <-chan UpdateKind { return h.updates }

// State reports the handle's current client-side state.
func (h *Identity) State() State { return h.state }

func (h *Identity) onInfoUpdated(args any) {
	kind, _ := args.(UpdateKind)
	switch kind {
	case RemovedKind:
		h.state = Removed
	case SignedOut:
		h.pushUpdate(SignedOut)
	default:
		if h.state == Ready {
			h.state = NeedsUpdate
		}
	}
	if kind != SignedOut {
		h.pushUpdate(kind)
	}
}

func (h *Identity) onUnregistered(_ any) {
	if h.state != Removed {
		h.state = NeedsRegistration
	}
}

func (h *Identity) pushUpdate(kind UpdateKind) {
	select {
	case h.updates <- kind:
	default:
	}
}

// checkUsable fails fast for a Removed handle (spec.md §4.2: "further
// client calls fail with IdentityNotFound").
func (h *Identity) checkUsable() error {
	if h.state == Removed {
		return errors.New(errors.IdentityNotFound, "identity has been removed")
	}
	return nil
}

// QueryInfo fetches the identity's current info (spec.md §6.2 get_info).
// Called while NeedsUpdate, it transitions PendingUpdate -> Ready on
// reply and replaces the cached copy (spec.md §4.2).
func (h *Identity) QueryInfo(ctx context.Context) (*wire.Identity, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	if h.state == NeedsUpdate {
		h.state = PendingUpdate
	}
	var info wire.Identity
	call := h.proxy.QueueCall(h.objectPath()+".get_info", nil, &info)
	if err := call.Wait(ctx); err != nil {
		return nil, err
	}
	h.cached = &info
	if h.state == PendingUpdate {
		h.state = Ready
	}
	return h.cached, nil
}

// StoreCredentials persists info as an update (spec.md §6.2 store). A nil
// info re-saves the current record (request_credentials_update's
// degenerate case).
func (h *Identity) StoreCredentials(ctx context.Context, info *wire.Identity) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	var ignored any
	call := h.proxy.QueueCall(h.objectPath()+".store", map[string]any{"info": info}, &ignored)
	return call.Wait(ctx)
}

// RequestCredentialsUpdate asks the server to refresh this identity's
// credentials (spec.md §6.2 request_credentials_update).
func (h *Identity) RequestCredentialsUpdate(ctx context.Context, info *wire.Identity) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	var ignored any
	call := h.proxy.QueueCall(h.objectPath()+".request_credentials_update", map[string]any{"info": info}, &ignored)
	return call.Wait(ctx)
}

// Remove deletes the identity (spec.md §6.2 remove).
func (h *Identity) Remove(ctx context.Context) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	var ignored any
	call := h.proxy.QueueCall(h.objectPath()+".remove", nil, &ignored)
	if err := call.Wait(ctx); err != nil {
		return err
	}
	h.state = Removed
	return nil
}

// SignOut signs the identity out of every session (spec.md §6.2
// sign_out).
func (h *Identity) SignOut(ctx context.Context) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	var ignored any
	call := h.proxy.QueueCall(h.objectPath()+".sign_out", nil, &ignored)
	return call.Wait(ctx)
}

// AddReference records ref under the caller's access token (spec.md
// §6.2 add_reference).
func (h *Identity) AddReference(ctx context.Context, ref string) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	var ignored any
	call := h.proxy.QueueCall(h.objectPath()+".add_reference", map[string]any{"reference": ref}, &ignored)
	return call.Wait(ctx)
}

// RemoveReference removes ref from the caller's access token (spec.md
// §6.2 remove_reference).
func (h *Identity) RemoveReference(ctx context.Context, ref string) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	var ignored any
	call := h.proxy.QueueCall(h.objectPath()+".remove_reference", map[string]any{"reference": ref}, &ignored)
	return call.Wait(ctx)
}

// VerifySecret checks secret directly against stored credentials (spec.md
// §6.2 verify_secret).
func (h *Identity) VerifySecret(ctx context.Context, secret string) (bool, error) {
	if err := h.checkUsable(); err != nil {
		return false, err
	}
	var ok bool
	call := h.proxy.QueueCall(h.objectPath()+".verify_secret", map[string]any{"secret": secret}, &ok)
	return ok, call.Wait(ctx)
}

// VerifyUser verifies a user interactively through the UI service
// (spec.md §6.2 verify_user).
func (h *Identity) VerifyUser(ctx context.Context, params map[string]any) (bool, error) {
	if err := h.checkUsable(); err != nil {
		return false, err
	}
	var ok bool
	call := h.proxy.QueueCall(h.objectPath()+".verify_user", params, &ok)
	return ok, call.Wait(ctx)
}
