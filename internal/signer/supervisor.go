package signer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
	"github.com/FROSTR-ORG/igloo-signerd/internal/peers"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

const (
	startMaxRetries     = 5
	startBackoffBase    = 500 * time.Millisecond
	startBackoffCap     = 10 * time.Second
	healthLoopPeriod    = 60 * time.Second
	idleThreshold       = 45 * time.Second
	deadEventThreshold  = 10 * time.Minute
	pingTimeout         = 10 * time.Second
	relayEnsureTimeout  = 10 * time.Second
	failureThreshold    = 3
	dedupWindowSize     = 5
)

var ErrNotStarted = errors.New("signer: node not started")

type eventKey struct {
	id  string
	tag string
}

// opRequest is one entry on the supervisor's serialized operation queue:
// start/stop/recreate never run concurrently with each other, and one
// op's error never blocks the next op from running.
type opRequest struct {
	run  func() error
	done chan error
}

// Supervisor owns exactly one Node and its health loop (spec.md §4.1).
type Supervisor struct {
	factory  Factory
	registry *peers.Registry
	bus      *eventbus.Bus
	log      *slog.Logger

	// policy/userID gate inbound /sign/ and /ecdh/ tagged messages against
	// the requesting peer's effective_receive policy (spec.md §4.2's
	// inbound half). Both are nil-safe zero values until WithPolicy is
	// called, so a bare Supervisor (as most tests construct) never panics.
	policy *peers.PolicyEngine
	userID string

	opCh chan opRequest
	quit chan struct{}
	wg   sync.WaitGroup

	mu                 sync.Mutex
	node               Node
	cfg                Config
	started            bool
	lastActivity       time.Time
	consecutiveFailures int
	recentEvents       []eventKey

	healthStop chan struct{}
}

func NewSupervisor(factory Factory, registry *peers.Registry, bus *eventbus.Bus, log *slog.Logger) *Supervisor {
	s := &Supervisor{
		factory:  factory,
		registry: registry,
		bus:      bus,
		log:      log,
		opCh:     make(chan opRequest),
		quit:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runQueue()
	return s
}

// WithPolicy attaches the policy engine that gates inbound /sign/ and
// /ecdh/ messages for userID, returning s for chaining at construction
// time the way WithMetrics does elsewhere.
func (s *Supervisor) WithPolicy(policy *peers.PolicyEngine, userID string) *Supervisor {
	s.policy = policy
	s.userID = userID
	return s
}

// runQueue is the single serialization point for start/stop/recreate: a
// failed op is reported to its caller but never stalls the queue.
func (s *Supervisor) runQueue() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.opCh:
			req.done <- req.run()
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) submit(run func() error) error {
	done := make(chan error, 1)
	select {
	case s.opCh <- opRequest{run: run, done: done}:
		return <-done
	case <-s.quit:
		return errors.New("signer: supervisor shut down")
	}
}

// Start implements start(group, share, relays): creates a node, retrying
// up to startMaxRetries with exponential backoff capped at
// startBackoffCap, falling back to a minimal constructor once before
// surfacing NodeStartupError.
func (s *Supervisor) Start(ctx context.Context, cfg Config) error {
	return s.submit(func() error { return s.doStart(ctx, cfg) })
}

func (s *Supervisor) doStart(ctx context.Context, cfg Config) error {
	node, err := s.createWithRetries(ctx, cfg)
	if err != nil {
		minimal, mErr := s.factory(ctx, cfg, true)
		if mErr != nil {
			return &NodeStartupError{Cause: err}
		}
		node = minimal
	}

	s.mu.Lock()
	s.node = node
	s.cfg = cfg
	s.started = true
	s.lastActivity = time.Now()
	s.consecutiveFailures = 0
	s.recentEvents = nil
	s.mu.Unlock()

	s.registerHandlers(node)
	s.startHealthLoop()

	s.bus.Publish(eventbus.Event{Kind: "signer:started", Source: "supervisor"})
	return nil
}

func (s *Supervisor) createWithRetries(ctx context.Context, cfg Config) (Node, error) {
	var lastErr error
	delay := startBackoffBase
	for attempt := 0; attempt < startMaxRetries; attempt++ {
		node, err := s.factory(ctx, cfg, false)
		if err == nil {
			return node, nil
		}
		lastErr = err
		s.log.Warn("signer node start attempt failed", "attempt", attempt+1, "error", err)
		if attempt == startMaxRetries-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > startBackoffCap {
			delay = startBackoffCap
		}
	}
	return nil, lastErr
}

// Stop implements stop(): idempotent, never returns an error to the
// caller's observable state even on a messy underlying disconnect.
func (s *Supervisor) Stop() error {
	return s.submit(func() error {
		s.doStop()
		return nil
	})
}

func (s *Supervisor) doStop() {
	s.stopHealthLoop()

	s.mu.Lock()
	node := s.node
	s.node = nil
	s.started = false
	s.mu.Unlock()

	if node != nil {
		node.Off("message")
		node.Disconnect()
	}
	s.bus.Publish(eventbus.Event{Kind: "signer:stopped", Source: "supervisor"})
}

// Recreate implements recreate(): stop() + start() with the last known
// config, used by the health loop and explicit credential reload.
func (s *Supervisor) Recreate(ctx context.Context) error {
	return s.submit(func() error {
		s.doStop()
		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()
		return s.doStart(ctx, cfg)
	})
}

// Shutdown stops the node and tears down the operation queue. Call once,
// at process exit.
func (s *Supervisor) Shutdown() {
	s.Stop()
	close(s.quit)
	s.wg.Wait()
}

func (s *Supervisor) Node() (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.node == nil {
		return nil, ErrNotStarted
	}
	return s.node, nil
}

func (s *Supervisor) registerHandlers(node Node) {
	node.On("message", func(msg TaggedMessage) {
		s.handleMessage(msg)
	})
}

// handleMessage implements the event fan-out: activity tracking, peer
// registry updates on ping tags, an admin log event, and 5-entry
// (id, tag) duplicate suppression.
func (s *Supervisor) handleMessage(msg TaggedMessage) {
	s.mu.Lock()
	key := eventKey{id: msg.ID, tag: msg.Tag}
	for _, k := range s.recentEvents {
		if k == key {
			s.mu.Unlock()
			return
		}
	}
	s.recentEvents = append(s.recentEvents, key)
	if len(s.recentEvents) > dedupWindowSize {
		s.recentEvents = s.recentEvents[len(s.recentEvents)-dedupWindowSize:]
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(msg.Tag, "/ping/"):
		peer := strings.TrimPrefix(msg.Tag, "/ping/")
		if err := s.registry.ObservePing(peer, nil, nil); err != nil {
			s.log.Warn("signer ping observation rejected", "peer", peer, "error", err)
		}
	case strings.HasPrefix(msg.Tag, "/sign/"):
		s.checkInboundPolicy(strings.TrimPrefix(msg.Tag, "/sign/"), "sign")
	case strings.HasPrefix(msg.Tag, "/ecdh/"):
		s.checkInboundPolicy(strings.TrimPrefix(msg.Tag, "/ecdh/"), "ecdh")
	}

	s.bus.Publish(eventbus.Event{Kind: "signer:event", Source: "node", Data: msg})
}

// checkInboundPolicy implements spec.md §4.2's inbound gate: a /sign/ or
// /ecdh/ tagged message is this node responding, as a co-signer, to a
// request from peer. The Bifrost node contract (spec.md §9) is
// fire-and-forget — it has already answered by the time this event
// fires, so there is no hook here to veto the response itself. What this
// can and does do is bounce it at the policy layer: deny logs a warning
// and publishes a policy-denied event the admin surface can alert on,
// exactly the observable half of "rejected and bounced" the opaque
// transport leaves to the daemon.
func (s *Supervisor) checkInboundPolicy(peer, method string) {
	if s.policy == nil || peer == "" {
		return
	}
	if err := s.policy.AuthorizeReceive(s.userID, peer); err != nil {
		s.log.Warn("inbound signer request denied by peer policy", "peer", peer, "method", method, "error", err)
		s.bus.Publish(eventbus.Event{
			Kind:   "signer:policy-denied",
			Source: "supervisor",
			Data:   map[string]string{"peer": peer, "method": method},
		})
	}
}

func (s *Supervisor) startHealthLoop() {
	s.healthStop = make(chan struct{})
	stop := s.healthStop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(healthLoopPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.healthTick()
			}
		}
	}()
}

func (s *Supervisor) stopHealthLoop() {
	if s.healthStop != nil {
		close(s.healthStop)
		s.healthStop = nil
	}
}

// healthTick runs one pass of the four-step keepalive/health loop
// described in spec.md §4.1.
func (s *Supervisor) healthTick() {
	node, err := s.Node()
	if err != nil {
		return
	}

	ctx := context.Background()

	// 1. Relay reconnect sweep, if the node exposes connection status.
	if rsNode, ok := node.(RelayStatusNode); ok {
		status := rsNode.ListConnectionStatus()
		anyDown := false
		for url, up := range status {
			if up {
				continue
			}
			if err := rsNode.EnsureRelay(ctx, url, relayEnsureTimeout); err != nil {
				anyDown = true
				continue
			}
			if again := rsNode.ListConnectionStatus(); !again[url] {
				anyDown = true
			}
		}
		if anyDown {
			s.bumpFailure()
		}
	}

	// 2. Idle ping.
	s.mu.Lock()
	idle := time.Since(s.lastActivity) > idleThreshold
	dead := time.Since(s.lastActivity) > deadEventThreshold
	s.mu.Unlock()

	if idle {
		peer := s.anyKnownPeer()
		if peer != "" {
			_, err := util.WithTimeout(ctx, pingTimeout, func(ctx context.Context) (PingResult, error) {
				return node.Ping(ctx, peer)
			})
			if err := s.registry.RecordPingAttempt(peer, err == nil); err != nil {
				s.log.Warn("ping attempt bookkeeping failed", "peer", peer, "error", err)
			}
			if err == nil {
				s.resetFailures()
			} else {
				s.bumpFailure()
			}
		}
	}

	// 3. Consecutive-failure threshold.
	if s.failures() >= failureThreshold {
		s.log.Warn("signer consecutive failure threshold reached, recreating node")
		if err := s.Recreate(ctx); err != nil {
			s.log.Error("signer recreate after failure threshold failed", "error", err)
		}
		return
	}

	// 4. Dead-event threshold, regardless of ping outcome.
	if dead {
		s.log.Warn("signer node idle beyond dead-event threshold, recreating")
		if err := s.Recreate(ctx); err != nil {
			s.log.Error("signer recreate after dead-event threshold failed", "error", err)
		}
	}
}

func (s *Supervisor) anyKnownPeer() string {
	keys := s.registry.Pubkeys()
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func (s *Supervisor) bumpFailure() {
	s.mu.Lock()
	s.consecutiveFailures++
	s.mu.Unlock()
}

func (s *Supervisor) resetFailures() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

func (s *Supervisor) failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}
