package peers

import (
	"errors"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

var ErrNotFound = errors.New("peers: user not found")

// Effective is get_policy's layered view: the raw explicit override (if
// any) alongside the resolved effective values used for authorization.
type Effective struct {
	Pubkey             string `json:"pubkey"`
	AllowSend          *bool  `json:"allowSend"`
	AllowReceive       *bool  `json:"allowReceive"`
	EffectiveSend      bool   `json:"effectiveSend"`
	EffectiveReceive   bool   `json:"effectiveReceive"`
	HasExplicitPolicy  bool   `json:"hasExplicitPolicy"`
	Source             string `json:"source"` // "admin" override or "default"
	LastUpdated        int64  `json:"lastUpdated"`
}

// PolicyEngine layers per-user explicit overrides (internal/store.PeerPolicy)
// over the runtime-configured default policy, per spec.md §4.2.
type PolicyEngine struct {
	store   *store.Store
	runtime *config.Runtime
}

func NewPolicyEngine(st *store.Store, runtime *config.Runtime) *PolicyEngine {
	return &PolicyEngine{store: st, runtime: runtime}
}

// GetPolicy implements get_policy: the effective policy for one peer under
// the given owning user.
func (p *PolicyEngine) GetPolicy(userID, pubkeyHex string) (Effective, error) {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return Effective{}, err
	}
	user, err := p.store.GetUserByID(userID)
	if errors.Is(err, store.ErrNotFound) {
		return Effective{}, ErrNotFound
	}
	if err != nil {
		return Effective{}, err
	}
	return p.resolve(user, norm), nil
}

// ListPolicies returns the effective policy for every peer with an explicit
// override, used by GET /api/peers to annotate each known peer.
func (p *PolicyEngine) ListPolicies(userID string) (map[string]Effective, error) {
	user, err := p.store.GetUserByID(userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]Effective, len(user.PeerPolicies))
	for pubkey := range user.PeerPolicies {
		out[pubkey] = p.resolve(user, pubkey)
	}
	return out, nil
}

func (p *PolicyEngine) resolve(user *store.User, pubkey string) Effective {
	defaultSend, defaultReceive := p.runtime.GetDefaultPolicy()
	eff := Effective{
		Pubkey:           pubkey,
		EffectiveSend:    defaultSend,
		EffectiveReceive: defaultReceive,
		Source:           "default",
	}

	override, ok := user.PeerPolicies[pubkey]
	if !ok {
		return eff
	}
	eff.AllowSend = override.AllowSend
	eff.AllowReceive = override.AllowReceive
	eff.HasExplicitPolicy = true
	eff.Source = "admin"
	eff.LastUpdated = override.LastUpdated
	if override.AllowSend != nil {
		eff.EffectiveSend = *override.AllowSend
	}
	if override.AllowReceive != nil {
		eff.EffectiveReceive = *override.AllowReceive
	}
	return eff
}

// SetPolicy implements set_policy: an explicit, possibly partial, override.
// A nil field leaves that axis following the runtime default.
func (p *PolicyEngine) SetPolicy(userID, pubkeyHex string, allowSend, allowReceive *bool) (Effective, error) {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return Effective{}, err
	}
	user, err := p.store.GetUserByID(userID)
	if errors.Is(err, store.ErrNotFound) {
		return Effective{}, ErrNotFound
	}
	if err != nil {
		return Effective{}, err
	}

	existing := user.PeerPolicies[norm]
	if allowSend != nil {
		existing.AllowSend = allowSend
	}
	if allowReceive != nil {
		existing.AllowReceive = allowReceive
	}
	existing.Source = "admin"
	existing.LastUpdated = time.Now().UnixMilli()

	if err := p.store.SetPeerPolicy(userID, norm, existing); err != nil {
		return Effective{}, err
	}
	return p.resolve(user, norm), nil
}

// ResetPolicy implements reset_policy: drops the explicit override so the
// peer reverts to following the runtime default.
func (p *PolicyEngine) ResetPolicy(userID, pubkeyHex string) error {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return err
	}
	return p.store.ResetPeerPolicy(userID, norm)
}

// PolicyDenied is spec.md §4.2's PolicyDenied{direction, peer}: dispatch
// never reaches the signer node when raised.
type PolicyDenied struct {
	Direction string // "out" or "in"
	Peer      string
}

func (e *PolicyDenied) Error() string {
	return "peers: policy denied (" + e.Direction + ") for " + e.Peer
}

// AuthorizeSend is the gate the signer dispatch path calls before handing an
// outbound event/response to a given peer. Returns *PolicyDenied on deny.
func (p *PolicyEngine) AuthorizeSend(userID, pubkeyHex string) error {
	eff, err := p.GetPolicy(userID, pubkeyHex)
	if err != nil {
		return err
	}
	if !eff.EffectiveSend {
		return &PolicyDenied{Direction: "out", Peer: eff.Pubkey}
	}
	return nil
}

// AuthorizeReceive is the inbound half of spec.md §4.2's gate: the signer
// supervisor calls this before letting an incoming /sign/ or /ecdh/
// tagged request from a co-signer peer stand. Returns *PolicyDenied on
// deny.
func (p *PolicyEngine) AuthorizeReceive(userID, pubkeyHex string) error {
	eff, err := p.GetPolicy(userID, pubkeyHex)
	if err != nil {
		return err
	}
	if !eff.EffectiveReceive {
		return &PolicyDenied{Direction: "in", Peer: eff.Pubkey}
	}
	return nil
}
