// Package signer owns the single Bifrost/FROST signer node instance and
// its health loop, per spec.md §4.1. The node itself is an external
// collaborator — the package only defines the contract and supervises
// whatever concrete implementation is wired in at startup.
package signer

import (
	"context"
	"errors"
	"time"
)

// TaggedMessage is one event emitted by the node: a `/sign/…`, `/ecdh/…`,
// or `/ping/…` tagged message, or an untagged keepalive.
type TaggedMessage struct {
	ID   string
	Tag  string
	Data interface{}
}

// EventHandler receives every tagged message the node emits.
type EventHandler func(msg TaggedMessage)

// SignShare is one partial signature contributed by a shareholder,
// `[id, pubkey, sig]` per spec.md §9.
type SignShare struct {
	ID     string
	Pubkey string
	Sig    string
}

// SignResult is req.sign's settlement.
type SignResult struct {
	OK   bool
	Data []SignShare
	Err  string
}

// PingResult is ping(peer)'s settlement.
type PingResult struct {
	OK        bool
	LatencyMs int64
}

// Node is the opaque object that speaks the FROST/Bifrost protocol over
// relays (spec.md §9's "Bifrost signer contract"). A concrete
// implementation is supplied by whatever library binds to the real
// protocol; this package only consumes the interface.
type Node interface {
	On(event string, handler EventHandler)
	Off(event string)
	Disconnect()

	ReqSign(ctx context.Context, eventHash []byte) (SignResult, error)
	ReqECDH(ctx context.Context, peerPubkey string) (string, error)
	Ping(ctx context.Context, peerPubkey string) (PingResult, error)

	// GroupPubkey returns group.group_pk: 33-byte compressed or 32-byte
	// x-only hex.
	GroupPubkey() string
}

// RelayStatusNode is an optional capability a Node may implement to expose
// its underlying relay pool's per-relay connection status, per spec.md
// §4.1 step 1 ("if the node's underlying relay pool exposes per-relay
// connection status…").
type RelayStatusNode interface {
	ListConnectionStatus() map[string]bool
	EnsureRelay(ctx context.Context, url string, timeout time.Duration) error
}

// Config is the (group, share, relays) triple start()/recreate() need to
// construct a node.
type Config struct {
	GroupCredential string
	ShareCredential string
	Relays          []string
}

// Factory constructs a Node from a Config. minimal requests the fallback
// "minimal constructor" start() falls back to after exhausting retries
// with the full constructor.
type Factory func(ctx context.Context, cfg Config, minimal bool) (Node, error)

// NodeStartupError wraps the cause of a failed start(), per spec.md §4.1.
type NodeStartupError struct {
	Cause error
}

func (e *NodeStartupError) Error() string {
	return "signer: node startup failed: " + e.Cause.Error()
}

func (e *NodeStartupError) Unwrap() error { return e.Cause }

// UnimplementedFactory is the default Factory: spec.md §9 declares the
// Bifrost/FROST signer transport out of scope for this module, so
// nothing here constructs a real Node. cmd/igloo-signerd wires this in
// unless a real implementation is supplied at build time via a
// replace directive pointing at the actual protocol binding.
func UnimplementedFactory(ctx context.Context, cfg Config, minimal bool) (Node, error) {
	return nil, errors.New("signer: no Bifrost/FROST node factory wired; see spec.md §9")
}
