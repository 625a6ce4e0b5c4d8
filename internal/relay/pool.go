// Package relay adapts the teacher's connection-pooled websocket relay
// client into the NIP-46 agent's transport: subscribing for inbound
// nostrconnect/NIP-46 envelopes and publishing signer responses, over the
// same SSRF-safe, reconnect-on-demand pool shape.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nostr"
	"github.com/FROSTR-ORG/igloo-signerd/internal/types"
)

var ErrUnsafeRelayURL = errors.New("relay: url blocked or malformed")

// Subscription delivers events matching one REQ filter from one relay.
type Subscription struct {
	ID        string
	RelayURL  string
	EventChan chan types.Event
	EOSEChan  chan struct{}
	Done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

type conn struct {
	ws            *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	closed        bool
	lastActivity  time.Time
}

// Pool manages one websocket connection per relay URL, reconnecting lazily
// on the next Subscribe/Publish rather than eagerly.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*conn
	log         *slog.Logger

	stopCleanup chan struct{}
}

func NewPool(log *slog.Logger) *Pool {
	p := &Pool{
		connections: make(map[string]*conn),
		log:         log,
		stopCleanup: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// ConnectionStatus mirrors the Bifrost node's listConnectionStatus()
// contract (spec.md §9) for the relays this pool currently tracks.
func (p *Pool) ConnectionStatus() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.connections))
	for url, c := range p.connections {
		c.mu.Lock()
		out[url] = !c.closed
		c.mu.Unlock()
	}
	return out
}

// EnsureRelay reconnects url if it is absent or closed, within timeout.
func (p *Pool) EnsureRelay(ctx context.Context, relayURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := p.getOrCreate(ctx, relayURL)
	return err
}

func (p *Pool) getOrCreate(ctx context.Context, relayURL string) (*conn, error) {
	norm := nostr.NormalizeRelayURL(relayURL)
	if norm == "" {
		return nil, ErrUnsafeRelayURL
	}

	p.mu.RLock()
	c := p.connections[norm]
	p.mu.RUnlock()
	if c != nil && !c.isClosed() {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c = p.connections[norm]
	if c != nil && !c.isClosed() {
		return c, nil
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, norm, nil)
	if err != nil {
		return nil, err
	}
	c = &conn{
		ws:            ws,
		relayURL:      norm,
		subscriptions: make(map[string]*Subscription),
		lastActivity:  time.Now(),
	}
	p.connections[norm] = c
	go p.readLoop(c)
	return c, nil
}

// Subscribe issues a REQ for filter on relayURL and streams matching
// events until Close or relay disconnect.
func (p *Pool) Subscribe(ctx context.Context, relayURL, subID string, filter map[string]interface{}) (*Subscription, error) {
	c, err := p.getOrCreate(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:        subID,
		RelayURL:  c.relayURL,
		EventChan: make(chan types.Event, 64),
		EOSEChan:  make(chan struct{}, 1),
		Done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("relay: connection closed")
	}
	c.subscriptions[subID] = sub
	c.mu.Unlock()

	req := []interface{}{"REQ", subID, filter}
	c.writeMu.Lock()
	err = c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.subscriptions, subID)
		c.mu.Unlock()
		c.markClosed()
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe sends CLOSE and releases the subscription.
func (p *Pool) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.RLock()
	c := p.connections[sub.RelayURL]
	p.mu.RUnlock()
	if c == nil {
		sub.Close()
		return
	}

	c.mu.Lock()
	_, exists := c.subscriptions[sub.ID]
	shouldClose := !c.closed && exists
	if exists {
		delete(c.subscriptions, sub.ID)
	}
	c.mu.Unlock()

	if shouldClose {
		c.writeMu.Lock()
		c.ws.WriteJSON([]interface{}{"CLOSE", sub.ID})
		c.writeMu.Unlock()
	}
	sub.Close()
}

// Publish sends an EVENT message to every listed relay, returning the
// first error encountered while still attempting the remainder — one
// unreachable relay never blocks delivery to the others.
func (p *Pool) Publish(ctx context.Context, relayURLs []string, evt types.Event) error {
	var firstErr error
	for _, url := range relayURLs {
		c, err := p.getOrCreate(ctx, url)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err = c.ws.WriteJSON([]interface{}{"EVENT", evt})
		c.ws.SetWriteDeadline(time.Time{})
		c.writeMu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.markClosed()
			continue
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
	return firstErr
}

func (p *Pool) readLoop(c *conn) {
	defer c.markClosed()
	for {
		var msg []interface{}
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !c.isClosed() {
				p.log.Warn("relay read error", "relay", c.relayURL, "error", err)
			}
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			c.mu.Lock()
			sub := c.subscriptions[subID]
			c.mu.Unlock()
			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
				}
			}
		case "EOSE":
			if len(msg) < 2 {
				continue
			}
			subID, _ := msg[1].(string)
			c.mu.Lock()
			sub := c.subscriptions[subID]
			c.mu.Unlock()
			if sub != nil {
				select {
				case sub.EOSEChan <- struct{}{}:
				default:
				}
			}
		case "CLOSED":
			if len(msg) < 2 {
				continue
			}
			subID, _ := msg[1].(string)
			c.mu.Lock()
			sub := c.subscriptions[subID]
			if sub != nil {
				delete(c.subscriptions, subID)
			}
			c.mu.Unlock()
			if sub != nil {
				sub.Close()
			}
		case "NOTICE":
			if len(msg) >= 2 {
				notice, _ := msg[1].(string)
				p.log.Debug("relay notice", "relay", c.relayURL, "notice", notice)
			}
		case "OK":
			if len(msg) >= 3 {
				ok, _ := msg[2].(bool)
				if !ok {
					reason := ""
					if len(msg) >= 4 {
						reason, _ = msg[3].(string)
					}
					p.log.Warn("relay rejected publish", "relay", c.relayURL, "reason", reason)
				}
			}
		}
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close()
	for _, sub := range c.subscriptions {
		sub.Close()
	}
	c.subscriptions = make(map[string]*Subscription)
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCleanup:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for url, c := range p.connections {
		c.mu.Lock()
		idle := len(c.subscriptions) == 0 && now.Sub(c.lastActivity) > 2*time.Minute
		closed := c.closed
		c.mu.Unlock()
		if closed || idle {
			if !closed {
				c.markClosed()
			}
			delete(p.connections, url)
		}
	}
}

// Close tears down every tracked connection and stops the cleanup loop.
func (p *Pool) Close() {
	close(p.stopCleanup)
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.connections {
		c.markClosed()
		delete(p.connections, url)
	}
}

// BuildFilter converts a types.Filter into the wire-format map a REQ
// message expects (NIP-01 `#p`/`#e` style tag keys).
func BuildFilter(f types.Filter) map[string]interface{} {
	m := map[string]interface{}{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.ATags) > 0 {
		m["#a"] = f.ATags
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return m
}

// MarshalEventForWire re-marshals a types.Event into the ["EVENT", {...}]
// payload shape, used when publishing a fully-signed response event.
func MarshalEventForWire(evt types.Event) (json.RawMessage, error) {
	return json.Marshal(evt)
}
