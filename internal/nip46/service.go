package nip46

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/FROSTR-ORG/igloo-signerd/internal/auth"
	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
	"github.com/FROSTR-ORG/igloo-signerd/internal/metrics"
	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
	"github.com/FROSTR-ORG/igloo-signerd/internal/peers"
	"github.com/FROSTR-ORG/igloo-signerd/internal/relay"
	"github.com/FROSTR-ORG/igloo-signerd/internal/signer"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

var ErrNoCredentials = errors.New("nip46: user has no stored signer credentials")

// userSession is the (signer, agent) pair spec.md §4.3 says there is
// exactly one of per active user: a Supervisor owning the FROST node, a
// Registry/PolicyEngine scoped to that node's co-signer peers, and the
// NIP-46 Agent/Session handling client traffic over relay.
type userSession struct {
	registry   *peers.Registry
	policy     *peers.PolicyEngine
	supervisor *signer.Supervisor
	dispatcher *signer.Dispatcher
	agent      *Agent
	session    *Session
}

// Service is the NIP-46 Session Service: it owns the active-user lifecycle
// (spec.md §4.3), constructing a fresh (signer, agent) pair the first time
// a user becomes active and tearing it down on an explicit Stop or StopAll.
type Service struct {
	store   *store.Store
	runtime *config.Runtime
	pool    *relay.Pool
	bus     *eventbus.Bus
	factory signer.Factory
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[string]*userSession
}

func NewService(st *store.Store, runtime *config.Runtime, pool *relay.Pool, bus *eventbus.Bus, factory signer.Factory, log *slog.Logger) *Service {
	return &Service{
		store:   st,
		runtime: runtime,
		pool:    pool,
		bus:     bus,
		factory: factory,
		log:     log,
		active:  make(map[string]*userSession),
	}
}

// WithMetrics attaches the daemon-wide metrics registry, returning svc for
// chaining at construction time.
func (svc *Service) WithMetrics(m *metrics.Metrics) *Service {
	svc.metrics = m
	return svc
}

func (svc *Service) activeCount() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.active)
}

func (svc *Service) reportActiveSigners() {
	if svc.metrics != nil {
		svc.metrics.SetActiveSigners(svc.activeCount())
	}
}

// SetActiveUser ensures userID has a running (signer, agent) pair, building
// one from the user's stored credentials and transport secret if this is
// the first activation. credKey decrypts the stored group/share
// credentials (auth.EncryptCredential's wire format) — the caller (the
// login/credentials HTTP handlers) is the only place that ever holds it.
func (svc *Service) SetActiveUser(ctx context.Context, userID string, credKey []byte) error {
	svc.mu.Lock()
	us, exists := svc.active[userID]
	svc.mu.Unlock()
	if exists {
		return us.agent.EnsureStarted(ctx)
	}

	user, err := svc.store.GetUserByID(userID)
	if err != nil {
		return err
	}
	if !user.GroupCredential.Valid || !user.ShareCredential.Valid {
		return ErrNoCredentials
	}

	groupCred, err := auth.DecryptCredential(user.GroupCredential.String, credKey)
	if err != nil {
		return fmt.Errorf("nip46: decrypt group credential: %w", err)
	}
	shareCred, err := auth.DecryptCredential(user.ShareCredential.String, credKey)
	if err != nil {
		return fmt.Errorf("nip46: decrypt share credential: %w", err)
	}

	privKey, pubKeyXOnly, err := svc.transportKeypair(user)
	if err != nil {
		return err
	}

	registry := peers.NewPersistentRegistry(svc.store, user.ID)
	policy := peers.NewPolicyEngine(svc.store, svc.runtime)
	supervisor := signer.NewSupervisor(svc.factory, registry, svc.bus, svc.log).WithPolicy(policy, user.ID)

	relays := user.Relays
	if len(relays) == 0 {
		relays = svc.runtime.GetRelays()
	}
	if err := supervisor.Start(ctx, signer.Config{
		GroupCredential: groupCred,
		ShareCredential: shareCred,
		Relays:          relays,
	}); err != nil {
		return err
	}

	node, err := supervisor.Node()
	if err != nil {
		return err
	}
	groupPubHex, err := nostrcrypto.NormalizePubkey(node.GroupPubkey())
	if err != nil {
		groupPubHex = node.GroupPubkey()
	}

	dispatcher := signer.NewDispatcher(supervisor, policy, svc.runtime.GetSignTimeout).WithMetrics(svc.metrics)
	session := NewSession(svc.store, dispatcher, userID, groupPubHex, svc.log)
	agent := NewAgent(svc.pool, svc.log, userID, privKey, pubKeyXOnly, relays, session.HandleRequestWithScheme)
	session.attachAgent(agent)

	if err := agent.EnsureStarted(ctx); err != nil {
		supervisor.Shutdown()
		return err
	}

	svc.mu.Lock()
	svc.active[userID] = &userSession{
		registry:   registry,
		policy:     policy,
		supervisor: supervisor,
		dispatcher: dispatcher,
		agent:      agent,
		session:    session,
	}
	svc.mu.Unlock()
	svc.reportActiveSigners()

	svc.bus.Publish(eventbus.Event{Kind: "nip46:user_active", Source: "service", Data: userID})
	return nil
}

// transportKeypair derives the user's NIP-46 transport keypair, generating
// and persisting a fresh transport_secret the first time one is needed.
func (svc *Service) transportKeypair(user *store.User) (privKey []byte, pubKeyXOnly string, err error) {
	if user.TransportSecret.Valid {
		secret, decErr := hex.DecodeString(user.TransportSecret.String)
		if decErr == nil {
			return nostrcrypto.DeriveTransportKeypair(secret)
		}
	}
	secret, genErr := nostrcrypto.GenerateTransportSecret()
	if genErr != nil {
		return nil, "", genErr
	}
	if err := svc.store.SetTransportSecret(user.ID, hex.EncodeToString(secret)); err != nil {
		return nil, "", err
	}
	return nostrcrypto.DeriveTransportKeypair(secret)
}

// ConnectFromUri implements connectFromUri: decode, validate, merge relays,
// and file a pending Nip46Session carrying the client's requested policy
// for the admin surface to confirm (spec.md §4.3). The user must already
// be active (SetActiveUser already called at login or credential-set time)
// — a connect string with nobody listening on the other end is
// meaningless, and this call never sees the credential key needed to
// (re)start a signer from cold.
func (svc *Service) ConnectFromUri(ctx context.Context, userID, uri string) (ConnectParams, error) {
	params, err := ParseConnectURI(uri)
	if err != nil {
		return ConnectParams{}, err
	}
	if _, err := svc.userSession(userID); err != nil {
		return ConnectParams{}, err
	}

	user, err := svc.store.GetUserByID(userID)
	if err != nil {
		return ConnectParams{}, err
	}
	merged := mergeRelays(user.Relays, params.Relays)
	if err := svc.store.SetRelays(userID, merged); err != nil {
		svc.log.Warn("nip46 connect relay merge failed", "user", userID, "error", err)
	}

	policy := store.Nip46Policy{Methods: params.RequestedPolicy.Methods, Kinds: params.RequestedPolicy.Kinds}
	if _, err := svc.store.UpsertNip46Session(params.ClientPubkey+"-pairing", userID, params.ClientPubkey,
		store.Nip46StatusPending, params.Relays, policy); err != nil {
		return ConnectParams{}, err
	}
	if err := svc.store.SetNip46SessionProfile(params.ClientPubkey+"-pairing", params.Profile.Name,
		params.Profile.URL, params.Profile.Image); err != nil {
		svc.log.Warn("nip46 connect profile write failed", "user", userID, "error", err)
	}
	return params, nil
}

func mergeRelays(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range incoming {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// ApproveRequest/DenyRequest forward to the active user's Session, for the
// admin surface's pending-request review endpoint.
func (svc *Service) ApproveRequest(ctx context.Context, userID, requestID string) error {
	us, err := svc.userSession(userID)
	if err != nil {
		return err
	}
	return us.session.ApproveRequest(ctx, requestID)
}

func (svc *Service) DenyRequest(userID, requestID string) error {
	us, err := svc.userSession(userID)
	if err != nil {
		return err
	}
	return us.session.DenyRequest(requestID)
}

func (svc *Service) Registry(userID string) (*peers.Registry, error) {
	us, err := svc.userSession(userID)
	if err != nil {
		return nil, err
	}
	return us.registry, nil
}

func (svc *Service) Policy(userID string) (*peers.PolicyEngine, error) {
	us, err := svc.userSession(userID)
	if err != nil {
		return nil, err
	}
	return us.policy, nil
}

// ListPendingRequests returns userID's pending Nip46Request rows for the
// admin surface's review queue. Unlike Registry/Policy/Dispatcher this
// does not require the user to be active: requests only exist for users
// that have been active at some point, but the queue should still be
// readable after a restart before SetActiveUser runs again.
func (svc *Service) ListPendingRequests(userID string) ([]*store.Nip46Request, error) {
	return svc.store.ListPendingNip46Requests(userID)
}

// BunkerURI builds this user's bunker:// self-advertisement string: the
// daemon's own transport pubkey and relay set, for a NIP-46 client to
// scan or paste instead of the reverse (this daemon scanning the
// client's nostrconnect:// string via ConnectFromUri).
func (svc *Service) BunkerURI(userID string) (string, error) {
	us, err := svc.userSession(userID)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "bunker", Host: us.agent.TransportPubkey()}
	q := u.Query()
	for _, r := range us.agent.Relays() {
		q.Add("relay", r)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (svc *Service) Dispatcher(userID string) (*signer.Dispatcher, error) {
	us, err := svc.userSession(userID)
	if err != nil {
		return nil, err
	}
	return us.dispatcher, nil
}

func (svc *Service) userSession(userID string) (*userSession, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	us, ok := svc.active[userID]
	if !ok {
		return nil, ErrNoActiveUser
	}
	return us, nil
}

var ErrNoActiveUser = errors.New("nip46: user is not active")

// Stop tears down userID's (signer, agent) pair: the agent stops listening
// and the supervisor disconnects and shuts down its node.
func (svc *Service) Stop(userID string) {
	svc.mu.Lock()
	us, ok := svc.active[userID]
	delete(svc.active, userID)
	svc.mu.Unlock()
	if !ok {
		return
	}
	us.agent.Stop()
	us.supervisor.Shutdown()
	svc.reportActiveSigners()
}

// StopAll tears down every active user, for graceful shutdown.
func (svc *Service) StopAll() {
	svc.mu.Lock()
	ids := make([]string, 0, len(svc.active))
	for id := range svc.active {
		ids = append(ids, id)
	}
	svc.mu.Unlock()
	for _, id := range ids {
		svc.Stop(id)
	}
}
