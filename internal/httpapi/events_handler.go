package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventStreamPingInterval = 30 * time.Second

var eventStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Admin surface is same-origin; cross-origin upgrade is never legitimate
	// here. A nil CheckOrigin makes gorilla reject any request whose Origin
	// header names a different host.
	CheckOrigin: nil,
}

// handleEventStream serves GET /api/events: upgrades to a websocket and
// relays every eventbus.Event published after the connection opens, the
// way the teacher's relay dialer consumes a relay's own event stream but
// in the opposite direction — here this daemon is the server side.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := eventStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	// Drain client-initiated control frames (pings/close) on their own
	// goroutine; the admin surface never sends data frames, so a read
	// error just signals the client went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventStreamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			buf, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				s.metrics.IncDroppedEvent()
				return
			}
		}
	}
}
