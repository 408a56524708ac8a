// Package identity implements the server-side identity object (spec
// §4.2): the unit of idle reaping behind every identity id, exposing the
// store-backed operations a client handle calls and broadcasting
// info_updated/unregistered signals to every subscriber watching that id.
package identity

import (
	"context"
	"sync"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/logger"
	"github.com/stacklok/signond/pkg/wire"
)

// UpdateKind is the info_updated signal's payload (spec §6.2).
type UpdateKind int

// Recognized update kinds.
const (
	DataUpdated UpdateKind = iota
	Removed
	SignedOut
)

// UIDialoger is the subset of the UI service contract (spec §6.4)
// verify_user needs: a blocking (from the caller's perspective) query that
// returns a filled-in result map. pkg/uiclient implements this.
type UIDialoger interface {
	QueryDialog(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Signal is one info_updated event, bound to the identity id it came from.
type Signal struct {
	IdentityID uint32
	Kind       UpdateKind
}

// subscription is a bounded per-subscriber channel (SPEC_FULL.md §4.2
// domain-stack wiring: "bounded broadcast channels per subscriber" rather
// than a single shared fan-out channel, so one slow subscriber can't stall
// delivery to the others).
type subscription struct {
	peer string
	ch   chan Signal
}

const subscriptionBuffer = 8

// Identity is the server-side object backing one credentials-store id. It
// holds no secret material itself; every read goes through the store
// façade so the cache/tier split stays in one place.
type Identity struct {
	id    uint32
	store credentialsStore
	gate  *accesscontrol.Gate
	ui    UIDialoger

	mu            sync.Mutex
	subscriptions []*subscription
	removed       bool
}

// credentialsStore is the slice of *store.Store identity needs, kept as an
// interface so tests can substitute an in-memory fake.
type credentialsStore interface {
	Credentials(ctx context.Context, id uint32, withPassword bool) (*wire.Identity, error)
	InsertCredentials(ctx context.Context, info *wire.Identity) (uint32, error)
	UpdateCredentials(ctx context.Context, info *wire.Identity) error
	RemoveCredentials(ctx context.Context, id uint32) error
	CheckPassword(ctx context.Context, id uint32, username, password string) (bool, error)
	AddReference(ctx context.Context, id uint32, token, ref string) error
	RemoveReference(ctx context.Context, id uint32, token, ref string) error
}

func newIdentity(id uint32, s credentialsStore, gate *accesscontrol.Gate, ui UIDialoger) *Identity {
	return &Identity{id: id, store: s, gate: gate, ui: ui}
}

// ID returns the identity's store id.
func (i *Identity) ID() uint32 { return i.id }

// Subscribe registers peer to receive info_updated/unregistered signals for
// this identity. The returned channel is closed when Unsubscribe is called;
// removing or evicting the identity does not close it.
func (i *Identity) Subscribe(peer string) <-chan Signal {
	i.mu.Lock()
	defer i.mu.Unlock()
	sub := &subscription{peer: peer, ch: make(chan Signal, subscriptionBuffer)}
	i.subscriptions = append(i.subscriptions, sub)
	return sub.ch
}

// Unsubscribe removes peer's subscription and closes its channel.
func (i *Identity) Unsubscribe(peer string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.subscriptions[:0]
	for _, sub := range i.subscriptions {
		if sub.peer == peer {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	i.subscriptions = kept
}

// broadcast fans Signal out to every subscriber's bounded channel. A full
// channel drops the signal for that subscriber rather than blocking the
// others (spec §9's "bounded broadcast channels" note implies drop, not
// backpressure, since signals are advisory: a client that missed one can
// still query_info for the current state).
func (i *Identity) broadcast(kind UpdateKind) {
	i.mu.Lock()
	subs := append([]*subscription(nil), i.subscriptions...)
	i.mu.Unlock()

	sig := Signal{IdentityID: i.id, Kind: kind}
	for _, sub := range subs {
		select {
		case sub.ch <- sig:
		default:
			logger.Log.Debugw("dropped info_updated signal, subscriber channel full", "identity_id", i.id, "peer", sub.peer)
		}
	}
}

// QueryInfo returns the identity's info without its secret (spec §6.2
// get_info).
func (i *Identity) QueryInfo(ctx context.Context) (*wire.Identity, error) {
	if err := i.checkNotRemoved(); err != nil {
		return nil, err
	}
	return i.store.Credentials(ctx, i.id, false)
}

// Store persists info as an update to this identity (spec §6.2 store).
// Passing a nil info re-saves the identity's current record unchanged,
// matching request_credentials_update's degenerate "touch" case.
func (i *Identity) Store(ctx context.Context, info *wire.Identity) error {
	if err := i.checkNotRemoved(); err != nil {
		return err
	}
	if info == nil {
		current, err := i.store.Credentials(ctx, i.id, true)
		if err != nil {
			return err
		}
		info = current
	}
	info.ID = i.id
	if err := i.store.UpdateCredentials(ctx, info); err != nil {
		return err
	}
	i.broadcast(DataUpdated)
	return nil
}

// RequestCredentialsUpdate asks the identity to refresh its stored
// credentials, identical to Store for the server-side object (spec §4.2:
// the distinction between request_credentials_update and store is a
// client-side UI affordance, not a server-side behavior difference).
func (i *Identity) RequestCredentialsUpdate(ctx context.Context, info *wire.Identity) error {
	return i.Store(ctx, info)
}

// Remove deletes the identity from the store and notifies subscribers
// (spec §6.2 remove, info_updated(Removed)).
func (i *Identity) Remove(ctx context.Context) error {
	if err := i.checkNotRemoved(); err != nil {
		return err
	}
	if err := i.store.RemoveCredentials(ctx, i.id); err != nil {
		return err
	}
	i.mu.Lock()
	i.removed = true
	i.mu.Unlock()
	i.broadcast(Removed)
	return nil
}

// SignOut raises a SignedOut update to every subscriber, peer included
// (spec §4.2 transitions: a SignedOut update on a different peer cancels
// that peer's local auth sessions). It clears no state itself; session
// cancellation is the auth-session engine's responsibility.
func (i *Identity) SignOut(_ context.Context, _ string) error {
	if err := i.checkNotRemoved(); err != nil {
		return err
	}
	i.broadcast(SignedOut)
	return nil
}

// AddReference records ref under peer's access token (spec §6.2
// add_reference).
func (i *Identity) AddReference(ctx context.Context, peer, ref string) error {
	if err := i.checkNotRemoved(); err != nil {
		return err
	}
	appID, err := i.gate.AppIDOf(ctx, peer)
	if err != nil {
		return err
	}
	return i.store.AddReference(ctx, i.id, appID, ref)
}

// RemoveReference removes ref from peer's access token (spec §6.2
// remove_reference).
func (i *Identity) RemoveReference(ctx context.Context, peer, ref string) error {
	if err := i.checkNotRemoved(); err != nil {
		return err
	}
	appID, err := i.gate.AppIDOf(ctx, peer)
	if err != nil {
		return err
	}
	return i.store.RemoveReference(ctx, i.id, appID, ref)
}

// VerifySecret checks secret against the stored credentials directly, with
// no UI round trip (spec §6.2 verify_secret).
func (i *Identity) VerifySecret(ctx context.Context, secret string) (bool, error) {
	if err := i.checkNotRemoved(); err != nil {
		return false, err
	}
	info, err := i.store.Credentials(ctx, i.id, false)
	if err != nil {
		return false, err
	}
	return i.store.CheckPassword(ctx, i.id, info.Username, secret)
}

// VerifyUser verifies a user interactively: it asks the UI service to
// collect a password (spec §6.4 query_dialog) and checks it against the
// secrets tier (spec §4.2: "requires a round-trip through the UI
// service"). params is forwarded to the dialog request verbatim plus the
// identity's username and caption; the caller-provided RequestId is
// required by the UI contract and must already be set.
func (i *Identity) VerifyUser(ctx context.Context, params map[string]any) (bool, error) {
	if err := i.checkNotRemoved(); err != nil {
		return false, err
	}
	if i.ui == nil {
		return false, errors.New(errors.NoConnection, "no UI service configured")
	}
	info, err := i.store.Credentials(ctx, i.id, false)
	if err != nil {
		return false, err
	}

	dialogParams := make(map[string]any, len(params)+3)
	for k, v := range params {
		dialogParams[k] = v
	}
	dialogParams["QueryPassword"] = true
	dialogParams["UserName"] = info.Username
	dialogParams["Caption"] = info.Caption

	result, err := i.ui.QueryDialog(ctx, dialogParams)
	if err != nil {
		return false, err
	}
	if code, ok := result["QueryErrorCode"]; ok {
		if n, ok := code.(int); ok && n != 0 {
			return false, nil
		}
	}
	password, _ := result["Password"].(string)
	return i.store.CheckPassword(ctx, i.id, info.Username, password)
}

func (i *Identity) checkNotRemoved() error {
	i.mu.Lock()
	removed := i.removed
	i.mu.Unlock()
	if removed {
		return errors.New(errors.IdentityNotFound, "identity has been removed")
	}
	return nil
}
