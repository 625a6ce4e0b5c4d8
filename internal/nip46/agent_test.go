package nip46

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FROSTR-ORG/igloo-signerd/internal/relay"
	"github.com/FROSTR-ORG/igloo-signerd/internal/types"
)

// newCapturingRelay answers REQ with EOSE and records every published EVENT
// payload on publishedCh, standing in for a real relay in agent tests.
func newCapturingRelay(t *testing.T) (wsURL string, published chan []interface{}) {
	t.Helper()
	published = make(chan []interface{}, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg []interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) < 2 {
				continue
			}
			msgType, _ := msg[0].(string)
			switch msgType {
			case "REQ":
				subID, _ := msg[1].(string)
				conn.WriteJSON([]interface{}{"EOSE", subID})
			case "EVENT":
				published <- msg
				conn.WriteJSON([]interface{}{"OK", "id", true, ""})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), published
}

func TestAgentEnsureStartedSubscribes(t *testing.T) {
	wsURL, _ := newCapturingRelay(t)
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)

	priv, pubXOnly := newKeypair(t)
	agent := NewAgent(pool, discardLog(), "user-1", priv, pubXOnly, []string{wsURL}, nil)

	if err := agent.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if err := agent.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("second EnsureStarted must be a no-op, got %v", err)
	}
	agent.Stop()
}

func TestAgentEnsureStartedFailsWithNoRelays(t *testing.T) {
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)
	priv, pubXOnly := newKeypair(t)
	agent := NewAgent(pool, discardLog(), "user-1", priv, pubXOnly, nil, nil)

	if err := agent.EnsureStarted(context.Background()); err != errNoRelays {
		t.Errorf("expected errNoRelays, got %v", err)
	}
}

func TestAgentReplyPublishesEncryptedSignedEvent(t *testing.T) {
	wsURL, published := newCapturingRelay(t)
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)

	priv, pubXOnly := newKeypair(t)
	_, clientXOnly := newKeypair(t)

	agent := NewAgent(pool, discardLog(), "user-1", priv, pubXOnly, []string{wsURL}, nil)
	resp := Response{ID: "r1", Result: "pong"}

	if err := agent.Reply(clientXOnly, resp, SchemeNip44); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	select {
	case msg := <-published:
		if msg[0] != "EVENT" {
			t.Errorf("expected EVENT frame, got %v", msg[0])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the reply to be published")
	}
}

func TestAgentHandleEventDecryptsAndDispatches(t *testing.T) {
	wsURL, _ := newCapturingRelay(t)
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)

	agentPriv, agentXOnly := newKeypair(t)
	clientPriv, clientXOnly := newKeypair(t)

	var gotMethod string
	handler := func(ctx context.Context, clientPubkey string, req Request, scheme Scheme) (Response, bool) {
		gotMethod = req.Method
		return Response{ID: req.ID, Result: "ok"}, true
	}

	agent := NewAgent(pool, discardLog(), "user-1", agentPriv, agentXOnly, []string{wsURL}, handler)

	reqBody, _ := json.Marshal(Request{ID: "req-1", Method: "ping"})
	sealed, err := EncryptEnvelope(string(reqBody), clientPriv, agentXOnly, SchemeNip44)
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}

	evt := types.Event{PubKey: clientXOnly, Content: sealed}
	agent.handleEvent(evt)

	if gotMethod != "ping" {
		t.Errorf("expected the handler to see method=ping, got %q", gotMethod)
	}
}

func TestAgentHandleEventDropsUndecryptableEnvelope(t *testing.T) {
	wsURL, _ := newCapturingRelay(t)
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)

	agentPriv, agentXOnly := newKeypair(t)
	_, clientXOnly := newKeypair(t)

	called := false
	handler := func(ctx context.Context, clientPubkey string, req Request, scheme Scheme) (Response, bool) {
		called = true
		return Response{}, true
	}
	agent := NewAgent(pool, discardLog(), "user-1", agentPriv, agentXOnly, []string{wsURL}, handler)

	evt := types.Event{PubKey: clientXOnly, Content: "not-a-valid-envelope"}
	agent.handleEvent(evt)

	if called {
		t.Error("expected an undecryptable envelope to never reach the request handler")
	}
}

func TestAgentTransportPubkeyAndRelays(t *testing.T) {
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)
	priv, pubXOnly := newKeypair(t)
	agent := NewAgent(pool, discardLog(), "user-1", priv, pubXOnly, []string{"wss://relay.example.com"}, nil)

	if agent.TransportPubkey() != pubXOnly {
		t.Errorf("expected transport pubkey %s, got %s", pubXOnly, agent.TransportPubkey())
	}
	if len(agent.Relays()) != 1 || agent.Relays()[0] != "wss://relay.example.com" {
		t.Errorf("unexpected relays: %v", agent.Relays())
	}
}
