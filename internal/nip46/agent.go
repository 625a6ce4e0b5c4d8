package nip46

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
	"github.com/FROSTR-ORG/igloo-signerd/internal/relay"
	"github.com/FROSTR-ORG/igloo-signerd/internal/types"
)

const kindNip46 = 24133

var errNoRelays = errors.New("nip46: agent has no relays configured")

// RequestHandler processes one decoded request from clientPubkey, given the
// envelope scheme it arrived under. shouldReply is false when the request
// was filed as a pending Nip46Request awaiting manual approval (spec.md
// §4.3) — no envelope is sent back in that case; a later admin approval
// triggers its own reply out of band.
type RequestHandler func(ctx context.Context, clientPubkey string, req Request, scheme Scheme) (resp Response, shouldReply bool)

// Agent is the per-user inbound half of the NIP-46 Session Service
// (spec.md §4.3): it subscribes for kind 24133 events tagged to the
// user's transport pubkey, decrypts each envelope (NIP-44 preferred,
// NIP-04 fallback), and republishes the dispatcher's reply under a
// matching envelope. A closed relay subscription marks the agent stopped;
// the next EnsureStarted call (SetActiveUser on an already-active user)
// subscribes again. The agent does not restart itself on closure.
type Agent struct {
	pool        *relay.Pool
	log         *slog.Logger
	userID      string
	privKey     []byte
	pubKeyXOnly string
	relays      []string
	onRequest   RequestHandler

	mu      sync.Mutex
	sub     *relay.Subscription
	running bool
}

func NewAgent(pool *relay.Pool, log *slog.Logger, userID string, privKey []byte, pubKeyXOnly string, relays []string, onRequest RequestHandler) *Agent {
	return &Agent{
		pool:        pool,
		log:         log,
		userID:      userID,
		privKey:     privKey,
		pubKeyXOnly: pubKeyXOnly,
		relays:      relays,
		onRequest:   onRequest,
	}
}

// EnsureStarted (re)subscribes if the agent is not already running.
func (a *Agent) EnsureStarted(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if len(a.relays) == 0 {
		return errNoRelays
	}
	filter := relay.BuildFilter(types.Filter{
		Kinds: []int{kindNip46},
		PTags: []string{a.pubKeyXOnly},
	})
	sub, err := a.pool.Subscribe(ctx, a.relays[0], "nip46-"+a.userID, filter)
	if err != nil {
		return err
	}
	a.sub = sub
	a.running = true
	go a.readLoop(sub)
	return nil
}

// TransportPubkey returns the agent's x-only transport pubkey, for
// building this user's bunker:// self-advertisement URI.
func (a *Agent) TransportPubkey() string { return a.pubKeyXOnly }

// Relays returns the relay set this agent listens on.
func (a *Agent) Relays() []string { return a.relays }

// Stop tears down the active subscription, if any.
func (a *Agent) Stop() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.running = false
	a.mu.Unlock()
	if sub != nil {
		a.pool.Unsubscribe(sub)
	}
}

func (a *Agent) readLoop(sub *relay.Subscription) {
	for {
		select {
		case evt, ok := <-sub.EventChan:
			if !ok {
				a.markStopped(sub)
				return
			}
			a.handleEvent(evt)
		case <-sub.Done:
			a.markStopped(sub)
			return
		}
	}
}

// markStopped flips running off only if the stopping subscription is
// still the one currently installed, so a Stop()+EnsureStarted() race
// never clobbers a freshly started subscription.
func (a *Agent) markStopped(sub *relay.Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub == sub {
		a.running = false
		a.sub = nil
	}
}

func (a *Agent) handleEvent(evt types.Event) {
	plaintext, scheme, err := DecryptEnvelope(evt.Content, a.privKey, evt.PubKey)
	if err != nil {
		a.log.Warn("nip46 envelope decrypt failed", "user", a.userID, "from", evt.PubKey, "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		// Opaque parse failure: spec.md §4.3 says to re-enter onRequest
		// rather than drop silently, but with nothing decodable there is
		// no request to route — log and stay listening for the next event.
		a.log.Warn("nip46 request parse failed", "user", a.userID, "from", evt.PubKey, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	resp, shouldReply := a.onRequest(ctx, evt.PubKey, req, scheme)
	cancel()

	if !shouldReply {
		return
	}
	if err := a.reply(evt.PubKey, resp, scheme); err != nil {
		a.log.Warn("nip46 reply failed", "user", a.userID, "to", evt.PubKey, "error", err)
	}
}

// Reply lets the Session Service push an out-of-band response (e.g. after
// an admin approves a previously pending request) using the scheme the
// original request arrived under.
func (a *Agent) Reply(clientPubkey string, resp Response, scheme Scheme) error {
	return a.reply(clientPubkey, resp, scheme)
}

func (a *Agent) reply(clientPubkey string, resp Response, scheme Scheme) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	content, err := EncryptEnvelope(string(body), a.privKey, clientPubkey, scheme)
	if err != nil {
		return err
	}

	unsigned := nostrcrypto.UnsignedEvent{
		PubKey:    a.pubKeyXOnly,
		CreatedAt: time.Now().Unix(),
		Kind:      kindNip46,
		Tags:      [][]string{{"p", clientPubkey}},
		Content:   content,
	}
	hash := nostrcrypto.EventHash(unsigned)
	sig, err := nostrcrypto.SignEventHash(a.privKey, hash[:])
	if err != nil {
		return err
	}

	evt := types.Event{
		ID:        nostrcrypto.EventHashHex(unsigned),
		PubKey:    unsigned.PubKey,
		CreatedAt: unsigned.CreatedAt,
		Kind:      unsigned.Kind,
		Tags:      unsigned.Tags,
		Content:   unsigned.Content,
		Sig:       sig,
	}
	return a.pool.Publish(context.Background(), a.relays, evt)
}
