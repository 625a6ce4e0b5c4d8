package signer

import (
	"context"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/metrics"
	"github.com/FROSTR-ORG/igloo-signerd/internal/peers"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

// Dispatcher wraps a Supervisor with the Peer Registry's authorization
// gate and the configured suspension-point timeout, so every sign/ECDH
// request a NIP-46 session issues goes through PolicyDenied checks and
// settles within SignTimeout.
type Dispatcher struct {
	sup     *Supervisor
	policy  *peers.PolicyEngine
	timeout func() time.Duration
	metrics *metrics.Metrics // nil-safe: tests construct a Dispatcher without one
}

func NewDispatcher(sup *Supervisor, policy *peers.PolicyEngine, timeout func() time.Duration) *Dispatcher {
	return &Dispatcher{sup: sup, policy: policy, timeout: timeout}
}

// WithMetrics attaches the daemon-wide metrics registry, returning d for
// chaining at construction time.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) observe(method string, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.ObserveSignOp(method, outcome)
}

// Sign dispatches req.sign(event_hash). When peerPubkey is non-empty the
// request is gated on that peer's effective_send policy (spec.md §4.2),
// since issuing a sign request fans out to that co-signer over relay.
func (d *Dispatcher) Sign(ctx context.Context, userID string, eventHash []byte, peerPubkey string) (SignResult, error) {
	if peerPubkey != "" {
		if err := d.policy.AuthorizeSend(userID, peerPubkey); err != nil {
			return SignResult{}, err
		}
	}
	node, err := d.sup.Node()
	if err != nil {
		return SignResult{}, err
	}
	res, err := util.WithTimeout(ctx, d.timeout(), func(ctx context.Context) (SignResult, error) {
		return node.ReqSign(ctx, eventHash)
	})
	d.observe("sign", err)
	return res, err
}

// ECDH dispatches req.ecdh(peer_pubkey), gated the same way as Sign.
func (d *Dispatcher) ECDH(ctx context.Context, userID, peerPubkey string) (string, error) {
	if err := d.policy.AuthorizeSend(userID, peerPubkey); err != nil {
		return "", err
	}
	node, err := d.sup.Node()
	if err != nil {
		return "", err
	}
	res, err := util.WithTimeout(ctx, d.timeout(), func(ctx context.Context) (string, error) {
		return node.ReqECDH(ctx, peerPubkey)
	})
	d.observe("ecdh", err)
	return res, err
}

// Ping implements ping(pubkey | "all") from spec.md §4.2: a single
// pubkey dispatches directly; "all" fans out to every known peer, best
// effort, and never returns a per-peer error to the caller.
func (d *Dispatcher) Ping(ctx context.Context, registry *peers.Registry, target string) error {
	node, err := d.sup.Node()
	if err != nil {
		return err
	}

	targets := []string{target}
	if target == "all" {
		targets = registry.Pubkeys()
	}

	for _, peer := range targets {
		res, err := util.WithTimeout(ctx, pingTimeout, func(ctx context.Context) (PingResult, error) {
			return node.Ping(ctx, peer)
		})
		success := err == nil && res.OK
		if rErr := registry.RecordPingAttempt(peer, success); rErr != nil {
			continue
		}
		if success {
			latency := res.LatencyMs
			registry.ObservePing(peer, &latency, nil)
		}
	}
	return nil
}
