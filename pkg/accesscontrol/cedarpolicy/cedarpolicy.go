// Package cedarpolicy is the bundled default accesscontrol.Policy, backed
// by a single static Cedar policy: the peer is the principal and carries
// its granted tokens as a set attribute, each token is a resource, and
// "use" is the only action. It is used whenever the daemon is not
// configured with an external access-control plugin.
package cedarpolicy

import (
	"context"
	"fmt"
	"sync"

	"github.com/cedar-policy/cedar-go"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/errors"
)

const (
	peerEntityType  = cedar.EntityType("Peer")
	tokenEntityType = cedar.EntityType("Token")

	tokensAttr = "tokens"
)

// useAction is the bundled policy's only action; a struct literal can't be
// a Go const, so it's a package-level var instead.
var useAction = cedar.NewEntityUID(cedar.EntityType("Action"), cedar.String("use"))

// policyText grants the "use" action on a token whenever the principal's
// tokens attribute contains it. This is the entirety of the bundled
// policy: anything finer-grained belongs in an external plugin.
const policyText = `permit (
  principal,
  action == Action::"use",
  resource
) when {
  principal.tokens.contains(resource.name)
};`

// peerInfo is what RegisterPeer records about a connected peer.
type peerInfo struct {
	appID  string
	tokens []cedar.Value
}

// Policy is the default Cedar-backed accesscontrol.Policy.
type Policy struct {
	mu               sync.RWMutex
	peers            map[string]peerInfo
	keychainWidgetID string
	policySet        *cedar.PolicySet
}

// New parses the bundled policy and returns a ready Policy. keychainWidgetID
// is the app id of the trusted keychain UI, exempt from per-identity
// ownership checks (spec §4.4).
func New(keychainWidgetID string) (*Policy, error) {
	ps, err := cedar.NewPolicySetFromBytes("signond-default.cedar", []byte(policyText))
	if err != nil {
		return nil, errors.New(errors.InternalServer, fmt.Sprintf("parse bundled cedar policy: %v", err))
	}
	return &Policy{
		peers:            map[string]peerInfo{},
		keychainWidgetID: keychainWidgetID,
		policySet:        ps,
	}, nil
}

// RegisterPeer associates a connected peer's stable app id and currently
// granted tokens for later policy evaluation. Re-registering a peer
// replaces its prior record.
func (p *Policy) RegisterPeer(peer, appID string, tokens []string) {
	values := make([]cedar.Value, len(tokens))
	for i, t := range tokens {
		values[i] = cedar.String(t)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer] = peerInfo{appID: appID, tokens: values}
}

// UnregisterPeer forgets a disconnected peer.
func (p *Policy) UnregisterPeer(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, peer)
}

// AppIDOf returns the app id a peer registered with.
func (p *Policy) AppIDOf(_ context.Context, peer string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peers[peer].appID, nil
}

// KeychainWidgetAppID returns the configured trusted keychain UI app id.
func (p *Policy) KeychainWidgetAppID(_ context.Context) (string, error) {
	return p.keychainWidgetID, nil
}

// IsPeerAllowedToAccess evaluates the bundled policy for peer and token.
func (p *Policy) IsPeerAllowedToAccess(_ context.Context, peer, token string) (bool, error) {
	p.mu.RLock()
	info, ok := p.peers[peer]
	p.mu.RUnlock()
	if !ok {
		return false, nil
	}

	principalUID := cedar.NewEntityUID(peerEntityType, cedar.String(peer))
	resourceUID := cedar.NewEntityUID(tokenEntityType, cedar.String(token))

	entities := cedar.EntityMap{
		principalUID: {
			UID: principalUID,
			Attributes: cedar.NewRecord(cedar.RecordMap{
				tokensAttr: cedar.NewSet(info.tokens...),
			}),
		},
		resourceUID: {
			UID: resourceUID,
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"name": cedar.String(token),
			}),
		},
	}

	req := cedar.Request{
		Principal: principalUID,
		Action:    useAction,
		Resource:  resourceUID,
		Context:   cedar.NewRecord(nil),
	}

	decision, _ := p.policySet.IsAuthorized(entities, req)
	return decision == cedar.Allow, nil
}

// HandleRequest is deny-by-default: the bundled policy has no interactive
// prompt surface. An external plugin overrides this with a real prompt.
func (p *Policy) HandleRequest(ctx context.Context, req accesscontrol.AccessRequest) (accesscontrol.AccessReply, error) {
	allowed, err := p.IsPeerAllowedToAccess(ctx, req.Peer, req.Token)
	return accesscontrol.AccessReply{Granted: allowed}, err
}

// var _ ensures Policy satisfies accesscontrol.Policy at compile time.
var _ accesscontrol.Policy = (*Policy)(nil)
