package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
)

// dialEventStream spins up the real server behind an httptest server and
// connects to /api/events as a websocket client, mirroring the fake-relay
// pattern used in internal/relay and internal/nip46 but with the daemon
// on the server side instead of the client side.
func dialEventStream(t *testing.T, fx *testFixture, cookie *http.Cookie) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(fx.server.Handler())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial event stream: %v (status %v)", err, resp)
	}
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	fx := newTestFixture(t)
	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail without a session cookie")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := -1
		if resp != nil {
			status = resp.StatusCode
		}
		t.Errorf("expected 401 for an unauthenticated upgrade attempt, got %d", status)
	}
}

func TestEventStreamRelaysPublishedEvents(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "alice", "password1234", "admin")

	conn, cleanup := dialEventStream(t, fx, cookie)
	defer cleanup()

	fx.bus.Publish(eventbus.Event{Kind: "signer:started", Source: "test"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event frame: %v", err)
	}

	var evt eventbus.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode event frame: %v", err)
	}
	if evt.Kind != "signer:started" || evt.Source != "test" {
		t.Errorf("unexpected event on the stream: %+v", evt)
	}
}

func TestEventStreamDeliversMultipleEventsInOrder(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "bob", "password1234", "admin")

	conn, cleanup := dialEventStream(t, fx, cookie)
	defer cleanup()

	fx.bus.Publish(eventbus.Event{Kind: "peer:online", Source: "test", Data: "first"})
	fx.bus.Publish(eventbus.Event{Kind: "peer:online", Source: "test", Data: "second"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []string
	for i := 0; i < 2; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event frame %d: %v", i, err)
		}
		var evt eventbus.Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("decode event frame %d: %v", i, err)
		}
		data, _ := evt.Data.(string)
		got = append(got, data)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("expected events in publish order, got %+v", got)
	}
}
