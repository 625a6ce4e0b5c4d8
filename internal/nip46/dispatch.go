package nip46

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
	"github.com/FROSTR-ORG/igloo-signerd/internal/signer"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

// pendingEntry remembers which envelope scheme a request that was filed
// for manual approval arrived under, so the eventual approval reply can
// mirror it. Keyed by request id; entries are removed once replied.
type pendingEntry struct {
	clientPubkey string
	scheme       Scheme
}

// Session implements spec.md §4.3's request-intake and dispatch rules for
// one active user: connect/ping/get_public_key answer directly, everything
// else is deduplicated by request id, auto-approved against the session's
// policy when possible, and otherwise filed as a pending Nip46Request.
type Session struct {
	store      *store.Store
	dispatcher *signer.Dispatcher
	userID     string
	groupPubHex string
	log        *slog.Logger

	sf singleflight.Group

	mu      sync.Mutex
	pending map[string]pendingEntry
	agent   *Agent // set by Service after construction, for out-of-band replies
}

func NewSession(st *store.Store, dispatcher *signer.Dispatcher, userID, groupPubHex string, log *slog.Logger) *Session {
	return &Session{
		store:       st,
		dispatcher:  dispatcher,
		userID:      userID,
		groupPubHex: groupPubHex,
		log:         log,
		pending:     make(map[string]pendingEntry),
	}
}

func (s *Session) attachAgent(a *Agent) {
	s.mu.Lock()
	s.agent = a
	s.mu.Unlock()
}

// HandleRequestWithScheme answers one decoded request. The envelope scheme
// the request arrived under is remembered against any request that ends
// up filed pending so a later admin approval can reply the same way.
func (s *Session) HandleRequestWithScheme(ctx context.Context, clientPubkey string, req Request, scheme Scheme) (Response, bool) {
	switch req.Method {
	case "connect":
		return s.handleConnect(clientPubkey, req), true
	case "ping":
		return Response{ID: req.ID, Result: "pong"}, true
	case "get_public_key":
		return Response{ID: req.ID, Result: s.groupPubHex}, true
	}

	v, _, _ := s.sf.Do(dedupKey(clientPubkey, req.ID), func() (interface{}, error) {
		return s.dispatchOther(ctx, clientPubkey, req, scheme), nil
	})
	result := v.(dispatchOutcome)
	return result.resp, result.shouldReply
}

func dedupKey(clientPubkey, id string) string { return clientPubkey + ":" + id }

type dispatchOutcome struct {
	resp        Response
	shouldReply bool
}

// handleConnect implements request-intake step 1: echo ack, per spec.md
// §4.3. The session row is upserted active regardless of whether this
// arrived after a connectFromUri pairing or as a bare reconnect.
func (s *Session) handleConnect(clientPubkey string, req Request) Response {
	secret := ""
	if len(req.Params) > 0 {
		secret = req.Params[0]
	}
	if _, err := s.store.UpsertNip46Session(req.ID+"-session", s.userID, clientPubkey,
		store.Nip46StatusActive, nil, store.Nip46Policy{Methods: map[string]bool{}, Kinds: map[string]bool{}}); err != nil {
		s.log.Warn("nip46 connect session upsert failed", "user", s.userID, "error", err)
	}
	if secret != "" {
		return Response{ID: req.ID, Result: secret}
	}
	return Response{ID: req.ID, Result: "ack"}
}

// dispatchOther implements the dedup-by-id / pending-request / auto-approve
// chain every method besides connect/ping/get_public_key goes through.
func (s *Session) dispatchOther(ctx context.Context, clientPubkey string, req Request, scheme Scheme) dispatchOutcome {
	paramsJSON, _ := json.Marshal(req.Params)
	existing, err := s.store.InsertPendingNip46Request(req.ID, s.userID, clientPubkey, req.Method, string(paramsJSON))
	if err != nil {
		return dispatchOutcome{Response{ID: req.ID, Error: "internal error"}, true}
	}
	if existing == nil {
		// Duplicate id: the first delivery already owns (or will own) the
		// reply; this retransmit gets no second answer.
		return dispatchOutcome{Response{}, false}
	}

	session, err := s.store.GetNip46SessionByClientPubkey(s.userID, clientPubkey)
	if err != nil {
		s.failRequest(req.ID, "unknown session")
		return dispatchOutcome{Response{ID: req.ID, Error: "unknown session"}, true}
	}

	if !autoApprove(session.Policy, req) {
		s.mu.Lock()
		s.pending[req.ID] = pendingEntry{clientPubkey: clientPubkey, scheme: scheme}
		s.mu.Unlock()
		return dispatchOutcome{Response{}, false}
	}

	resp := s.dispatchApproved(ctx, clientPubkey, req)
	if resp.Error != "" {
		s.failRequest(req.ID, resp.Error)
	} else {
		_ = s.store.UpdateNip46RequestStatus(req.ID, store.Nip46ReqCompleted, resp.Result, "")
	}
	return dispatchOutcome{resp, true}
}

func (s *Session) failRequest(id, reason string) {
	_ = s.store.UpdateNip46RequestStatus(id, store.Nip46ReqFailed, "", reason)
}

// autoApprove implements spec.md §4.3's rule: sign_event needs
// methods.sign_event plus a matching kind (kinds["*"] or kinds[kind]);
// every other method just needs methods[method].
func autoApprove(policy store.Nip46Policy, req Request) bool {
	if req.Method != "sign_event" {
		return policy.Methods[req.Method]
	}
	if !policy.Methods["sign_event"] {
		return false
	}
	if policy.Kinds["*"] {
		return true
	}
	kind, ok := sniffEventKind(req.Params)
	if !ok {
		return false
	}
	return policy.Kinds[strconv.Itoa(kind)]
}

func sniffEventKind(params []string) (int, bool) {
	if len(params) == 0 {
		return 0, false
	}
	var tmpl UnsignedEventTemplate
	if err := json.Unmarshal([]byte(params[0]), &tmpl); err != nil {
		return 0, false
	}
	return tmpl.Kind, true
}

// dispatchApproved performs the actual signer fan-out for an
// already-approved request.
func (s *Session) dispatchApproved(ctx context.Context, clientPubkey string, req Request) Response {
	switch req.Method {
	case "sign_event":
		return s.dispatchSignEvent(ctx, req)
	case "nip44_encrypt", "nip44_decrypt", "nip04_encrypt", "nip04_decrypt":
		return s.dispatchCipher(ctx, req)
	default:
		return Response{ID: req.ID, Error: "unsupported method: " + req.Method}
	}
}

func (s *Session) dispatchSignEvent(ctx context.Context, req Request) Response {
	if len(req.Params) == 0 {
		return Response{ID: req.ID, Error: "sign_event requires an event template"}
	}
	var tmpl UnsignedEventTemplate
	if err := json.Unmarshal([]byte(req.Params[0]), &tmpl); err != nil {
		return Response{ID: req.ID, Error: "invalid event template: " + err.Error()}
	}
	tags, err := normalizeTags(tmpl.Tags)
	if err != nil {
		return Response{ID: req.ID, Error: "invalid tags: " + err.Error()}
	}
	createdAt := tmpl.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}

	unsigned := nostrcrypto.UnsignedEvent{
		PubKey:    s.groupPubHex,
		CreatedAt: createdAt,
		Kind:      tmpl.Kind,
		Tags:      tags,
		Content:   tmpl.Content,
	}
	hash := nostrcrypto.EventHash(unsigned)

	result, err := s.dispatcher.Sign(ctx, s.userID, hash[:], "")
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	if !result.OK || len(result.Data) == 0 {
		msg := result.Err
		if msg == "" {
			msg = "signer declined to produce a signature"
		}
		return Response{ID: req.ID, Error: msg}
	}

	signed := struct {
		ID        string     `json:"id"`
		PubKey    string     `json:"pubkey"`
		CreatedAt int64      `json:"created_at"`
		Kind      int        `json:"kind"`
		Tags      [][]string `json:"tags"`
		Content   string     `json:"content"`
		Sig       string     `json:"sig"`
	}{
		ID:        nostrcrypto.EventHashHex(unsigned),
		PubKey:    unsigned.PubKey,
		CreatedAt: unsigned.CreatedAt,
		Kind:      unsigned.Kind,
		Tags:      unsigned.Tags,
		Content:   unsigned.Content,
		Sig:       result.Data[0].Sig,
	}
	buf, err := json.Marshal(signed)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: string(buf)}
}

func normalizeTags(raw json.RawMessage) ([][]string, error) {
	if len(raw) == 0 {
		return [][]string{}, nil
	}
	var tags [][]string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// dispatchCipher implements nip44_*/nip04_* by deriving a shared secret
// from the signer's threshold req.ecdh(peer_pubkey) and then running the
// requested scheme locally, per spec.md §4.3.
func (s *Session) dispatchCipher(ctx context.Context, req Request) Response {
	if len(req.Params) < 2 {
		return Response{ID: req.ID, Error: fmt.Sprintf("%s requires (peer_pubkey, text)", req.Method)}
	}
	peerPubkey, text := req.Params[0], req.Params[1]

	sharedHex, err := s.dispatcher.ECDH(ctx, s.userID, peerPubkey)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	sharedX, err := hex.DecodeString(sharedHex)
	if err != nil {
		return Response{ID: req.ID, Error: "invalid ecdh result"}
	}

	var result string
	switch req.Method {
	case "nip44_encrypt":
		convKey := nostrcrypto.ConversationKeyFromSharedX(sharedX)
		result, err = nostrcrypto.Nip44Encrypt(text, convKey)
	case "nip44_decrypt":
		convKey := nostrcrypto.ConversationKeyFromSharedX(sharedX)
		result, err = nostrcrypto.Nip44Decrypt(text, convKey)
	case "nip04_encrypt":
		aesKey := nostrcrypto.SharedSecretKeyFromECDH(sharedX)
		result, err = nostrcrypto.Nip04Encrypt(text, aesKey)
	case "nip04_decrypt":
		aesKey := nostrcrypto.SharedSecretKeyFromECDH(sharedX)
		result, err = nostrcrypto.Nip04Decrypt(text, aesKey)
	}
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

// ApproveRequest is called by the admin surface to release a pending
// Nip46Request: it re-runs dispatchApproved and replies over the agent's
// original envelope scheme.
func (s *Session) ApproveRequest(ctx context.Context, id string) error {
	reqRow, err := s.store.GetNip46Request(id)
	if err != nil {
		return err
	}
	var params []string
	_ = json.Unmarshal([]byte(reqRow.Payload), &params)

	s.mu.Lock()
	entry, ok := s.pending[id]
	agent := s.agent
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("nip46: no pending request %s", id)
	}

	resp := s.dispatchApproved(ctx, entry.clientPubkey, Request{ID: id, Method: reqRow.Method, Params: params})
	if resp.Error != "" {
		s.failRequest(id, resp.Error)
	} else {
		_ = s.store.UpdateNip46RequestStatus(id, store.Nip46ReqCompleted, resp.Result, "")
	}
	if agent == nil {
		return fmt.Errorf("nip46: no agent attached for user %s", s.userID)
	}
	return agent.Reply(entry.clientPubkey, resp, entry.scheme)
}

// DenyRequest marks a pending Nip46Request denied without dispatching it.
func (s *Session) DenyRequest(id string) error {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return s.store.UpdateNip46RequestStatus(id, store.Nip46ReqDenied, "", "denied by admin")
}
