package signer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
	"github.com/FROSTR-ORG/igloo-signerd/internal/peers"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

func newTestSupervisor(t *testing.T, factory Factory) (*Supervisor, *peers.Registry) {
	t.Helper()
	registry := peers.NewRegistry()
	bus := eventbus.New("", discardLog())
	sup := NewSupervisor(factory, registry, bus, discardLog())
	t.Cleanup(sup.Shutdown)
	return sup, registry
}

func TestSupervisorStartAndNode(t *testing.T) {
	node := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) { return node, nil }
	sup, _ := newTestSupervisor(t, factory)

	if _, err := sup.Node(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before Start, got %v", err)
	}

	if err := sup.Start(context.Background(), Config{GroupCredential: "g"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := sup.Node()
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got != node {
		t.Error("expected Node() to return the factory-constructed node")
	}
	if node.handlers["message"] == nil {
		t.Error("expected Start to register a message handler on the node")
	}
}

func TestSupervisorStopDisconnectsNode(t *testing.T) {
	node := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) { return node, nil }
	sup, _ := newTestSupervisor(t, factory)

	if err := sup.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !node.disconnected {
		t.Error("expected Stop to disconnect the node")
	}
	if _, err := sup.Node(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted after Stop, got %v", err)
	}
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	node := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) { return node, nil }
	sup, _ := newTestSupervisor(t, factory)

	if err := sup.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("second Stop must also succeed, got %v", err)
	}
}

func TestSupervisorRecreateReplacesNode(t *testing.T) {
	first := newFakeNode()
	second := newFakeNode()
	calls := 0
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}
	sup, _ := newTestSupervisor(t, factory)

	if err := sup.Start(context.Background(), Config{GroupCredential: "g"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Recreate(context.Background()); err != nil {
		t.Fatalf("Recreate: %v", err)
	}

	got, err := sup.Node()
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got != second {
		t.Error("expected Recreate to swap in the new node")
	}
	if !first.disconnected {
		t.Error("expected Recreate to disconnect the old node")
	}
}

func TestSupervisorStartFallsBackToMinimalConstructor(t *testing.T) {
	minimalNode := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) {
		if minimal {
			return minimalNode, nil
		}
		return nil, errors.New("full constructor unavailable")
	}
	sup, _ := newTestSupervisor(t, factory)

	if err := sup.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("expected fallback to the minimal constructor to succeed, got %v", err)
	}
	got, err := sup.Node()
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got != minimalNode {
		t.Error("expected the minimal-constructor node to be active")
	}
}

func TestSupervisorStartSurfacesNodeStartupError(t *testing.T) {
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) {
		return nil, errors.New("always fails")
	}
	sup, _ := newTestSupervisor(t, factory)

	err := sup.Start(context.Background(), Config{})
	var startupErr *NodeStartupError
	if !errors.As(err, &startupErr) {
		t.Fatalf("expected NodeStartupError, got %v", err)
	}
}

func TestSupervisorHandleMessageDedupesEvents(t *testing.T) {
	node := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) { return node, nil }
	sup, registry := newTestSupervisor(t, factory)

	if err := sup.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	handler := node.handlers["message"]
	if handler == nil {
		t.Fatal("expected message handler to be registered")
	}

	peerPubkey := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990ee2"
	handler(TaggedMessage{ID: "evt-1", Tag: "/ping/" + peerPubkey})
	handler(TaggedMessage{ID: "evt-1", Tag: "/ping/" + peerPubkey}) // duplicate, must be ignored

	status, ok := registry.Get(peerPubkey)
	if !ok {
		t.Fatal("expected ping tag to register the peer")
	}
	if !status.Online {
		t.Error("expected peer to be marked online from a ping tag")
	}
}

func newTestPolicyEngine(t *testing.T) (*peers.PolicyEngine, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateUser("user-1", "alice", "hash", "salt", "admin"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	runtime, err := config.LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	return peers.NewPolicyEngine(st, runtime), "user-1"
}

func TestSupervisorBouncesInboundSignWhenReceiveDenied(t *testing.T) {
	node := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) { return node, nil }
	sup, _ := newTestSupervisor(t, factory)

	policy, userID := newTestPolicyEngine(t)
	peerPubkey := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990ee2"
	deny := false
	if _, err := policy.SetPolicy(userID, peerPubkey, nil, &deny); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	sup.WithPolicy(policy, userID)

	if err := sup.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	events, unsubscribe := sup.bus.Subscribe()
	defer unsubscribe()

	handler := node.handlers["message"]
	handler(TaggedMessage{ID: "evt-1", Tag: "/sign/" + peerPubkey})

	seenDenial := false
	for i := 0; i < 2; i++ {
		evt := <-events
		if evt.Kind == "signer:policy-denied" {
			seenDenial = true
			data, ok := evt.Data.(map[string]string)
			if !ok || data["peer"] != peerPubkey || data["method"] != "sign" {
				t.Errorf("unexpected policy-denied event payload: %+v", evt.Data)
			}
		}
	}
	if !seenDenial {
		t.Error("expected a signer:policy-denied event for a peer with receive denied")
	}
}

func TestSupervisorAllowsInboundSignWhenReceivePermitted(t *testing.T) {
	node := newFakeNode()
	factory := func(ctx context.Context, cfg Config, minimal bool) (Node, error) { return node, nil }
	sup, _ := newTestSupervisor(t, factory)

	policy, userID := newTestPolicyEngine(t)
	sup.WithPolicy(policy, userID)

	if err := sup.Start(context.Background(), Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	events, unsubscribe := sup.bus.Subscribe()
	defer unsubscribe()

	peerPubkey := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990ee2"
	handler := node.handlers["message"]
	handler(TaggedMessage{ID: "evt-1", Tag: "/ecdh/" + peerPubkey})

	evt := <-events
	if evt.Kind == "signer:policy-denied" {
		t.Error("expected no policy-denied event for a peer with no explicit deny")
	}
}
