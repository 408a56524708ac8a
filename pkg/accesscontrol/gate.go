// Package accesscontrol implements the access-control gate (spec §4.4): a
// thin wrapper around an injected Policy that answers every per-identity
// authorization question the daemon's IPC entry points need, plus the
// peer metadata (app id, keychain-widget identity) the policy derives.
package accesscontrol

import "context"

// AccessRequest is the asynchronous "please grant this peer access"
// prompt the gate raises when a peer is denied only for lack of
// per-identity privilege (spec §4.4, used for get_identity/
// get_auth_session).
type AccessRequest struct {
	Peer       string
	IdentityID uint32
	Token      string
}

// AccessReply is the policy's answer to an AccessRequest.
type AccessReply struct {
	Granted bool
}

// Policy is the abstract hook the gate is built on (spec §4.4). The
// core never implements a policy itself: it is out of scope (spec.md §2
// non-goals list the access-control policy plugin as an external
// collaborator with only its contract defined here).
type Policy interface {
	// AppIDOf returns peer's opaque, stable application identifier.
	AppIDOf(ctx context.Context, peer string) (string, error)
	// IsPeerAllowedToAccess reports whether peer may use token.
	IsPeerAllowedToAccess(ctx context.Context, peer, token string) (bool, error)
	// KeychainWidgetAppID returns the app id of the trusted keychain UI,
	// which is exempt from per-identity ownership checks.
	KeychainWidgetAppID(ctx context.Context) (string, error)
	// HandleRequest asynchronously prompts for access the peer does not
	// currently have.
	HandleRequest(ctx context.Context, req AccessRequest) (AccessReply, error)
}

// OwnershipStatus is the three-valued result of an ownership check (spec
// §4.4 is_peer_owner_of).
type OwnershipStatus int

// Recognized ownership statuses.
const (
	// NoOwner means the identity has no owner tokens recorded at all
	// (spec invariant 6: such identities are treated as un-owned, and any
	// peer may be considered an owner by default).
	NoOwner OwnershipStatus = iota
	Owner
	NotOwner
)

// Gate is a thin wrapper around a Policy implementing the derived checks
// in spec §4.4.
type Gate struct {
	policy Policy
}

// NewGate wraps policy in a Gate.
func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// AppIDOf forwards to the policy.
func (g *Gate) AppIDOf(ctx context.Context, peer string) (string, error) {
	return g.policy.AppIDOf(ctx, peer)
}

// IsPeerKeychainWidget reports whether peer is the trusted keychain UI.
func (g *Gate) IsPeerKeychainWidget(ctx context.Context, peer string) (bool, error) {
	widgetID, err := g.policy.KeychainWidgetAppID(ctx)
	if err != nil {
		return false, err
	}
	appID, err := g.policy.AppIDOf(ctx, peer)
	if err != nil {
		return false, err
	}
	return appID == widgetID, nil
}

// IsPeerOwnerOf reports peer's ownership status against owners, the
// identity's recorded owner tokens (spec §4.4 is_peer_owner_of).
func (g *Gate) IsPeerOwnerOf(ctx context.Context, peer string, owners []string) (OwnershipStatus, error) {
	if len(owners) == 0 {
		return NoOwner, nil
	}
	for _, token := range owners {
		allowed, err := g.policy.IsPeerAllowedToAccess(ctx, peer, token)
		if err != nil {
			return NotOwner, err
		}
		if allowed {
			return Owner, nil
		}
	}
	return NotOwner, nil
}

// IsPeerAllowedToUseIdentity reports whether peer may use an identity
// with the given owner and ACL token sets. Owner short-circuits to true;
// otherwise an ACL wildcard ("*") grants everyone; otherwise at least one
// ACL token must allow the peer (spec §4.4, spec invariant 5).
func (g *Gate) IsPeerAllowedToUseIdentity(ctx context.Context, peer string, owners, acl []string) (bool, error) {
	status, err := g.IsPeerOwnerOf(ctx, peer, owners)
	if err != nil {
		return false, err
	}
	if status == Owner || status == NoOwner {
		return true, nil
	}

	for _, token := range acl {
		if token == "*" {
			return true, nil
		}
	}
	for _, token := range acl {
		allowed, err := g.policy.IsPeerAllowedToAccess(ctx, peer, token)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// IsPeerAllowedToUseAuthSession is identical to IsPeerAllowedToUseIdentity
// (spec §4.4: "identical to the identity check").
func (g *Gate) IsPeerAllowedToUseAuthSession(ctx context.Context, peer string, owners, acl []string) (bool, error) {
	return g.IsPeerAllowedToUseIdentity(ctx, peer, owners, acl)
}

// ApplicableACLTokens returns the subset of acl that peer is allowed to
// access (spec §4.3 step 1: "compute the subset of the ACL that applies
// to the calling peer and pass it as AccessControlTokens"). An ACL
// wildcard makes every token applicable.
func (g *Gate) ApplicableACLTokens(ctx context.Context, peer string, acl []string) ([]string, error) {
	for _, token := range acl {
		if token == "*" {
			return append([]string(nil), acl...), nil
		}
	}
	var applicable []string
	for _, token := range acl {
		allowed, err := g.policy.IsPeerAllowedToAccess(ctx, peer, token)
		if err != nil {
			return nil, err
		}
		if allowed {
			applicable = append(applicable, token)
		}
	}
	return applicable, nil
}

// RequestAccess forwards an interactive access prompt to the policy.
func (g *Gate) RequestAccess(ctx context.Context, req AccessRequest) (AccessReply, error) {
	return g.policy.HandleRequest(ctx, req)
}
