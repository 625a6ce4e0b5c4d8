// Package peers implements the Peer Registry & Policy Engine: in-memory
// online/latency tracking plus a layered send/receive policy gate in
// front of the Signer Node Supervisor, per spec.md §4.2.
package peers

import (
	"sync"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

// Status mirrors spec.md §3's Peer Status row, kept in memory only — the
// store write-behind (internal/store.UpsertPeerStatus) is best-effort
// persistence for restart continuity, not the read path.
type Status struct {
	Pubkey          string
	Online          bool
	LastSeen        time.Time
	LatencyMs       int64
	LastPingAttempt time.Time
}

// Registry is the single writer (event fan-out) + concurrent-reader map
// spec.md §5's resource table names for the peer status map.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Status

	store  *store.Store
	userID string
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Status)}
}

// NewPersistentRegistry seeds the registry from the store's write-behind
// table and persists every subsequent status change for userID, so
// online/latency state survives a restart without becoming the read path.
func NewPersistentRegistry(st *store.Store, userID string) *Registry {
	r := &Registry{peers: make(map[string]*Status), store: st, userID: userID}
	rows, err := st.ListPeerStatus(userID)
	if err != nil {
		return r
	}
	for _, row := range rows {
		s := &Status{Pubkey: row.Pubkey, Online: row.Online}
		if row.LastSeen.Valid {
			s.LastSeen = time.UnixMilli(row.LastSeen.Int64)
		}
		if row.LatencyMs.Valid {
			s.LatencyMs = row.LatencyMs.Int64
		}
		if row.LastPingAttempt.Valid {
			s.LastPingAttempt = time.UnixMilli(row.LastPingAttempt.Int64)
		}
		r.peers[row.Pubkey] = s
	}
	return r
}

// persist writes behind best-effort; a failure here never blocks the
// in-memory update since the registry itself is always the read path.
func (r *Registry) persist(s *Status) {
	if r.store == nil {
		return
	}
	var lastSeen, lastPingAttempt *int64
	if !s.LastSeen.IsZero() {
		v := s.LastSeen.UnixMilli()
		lastSeen = &v
	}
	if !s.LastPingAttempt.IsZero() {
		v := s.LastPingAttempt.UnixMilli()
		lastPingAttempt = &v
	}
	var latency *int64
	if s.LatencyMs != 0 {
		v := s.LatencyMs
		latency = &v
	}
	_ = r.store.UpsertPeerStatus(r.userID, s.Pubkey, s.Online, lastSeen, latency, lastPingAttempt)
}

// EnsureKnown registers a pubkey (normalizing it) if not already present,
// so status updates have somewhere to land.
func (r *Registry) EnsureKnown(pubkeyHex string) (string, error) {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[norm]; !ok {
		r.peers[norm] = &Status{Pubkey: norm}
	}
	return norm, nil
}

// knownLocked returns the current status for norm, creating it if absent.
// Callers must hold r.mu.
func (r *Registry) knownLocked(norm string) *Status {
	status, ok := r.peers[norm]
	if !ok {
		status = &Status{Pubkey: norm}
		r.peers[norm] = status
	}
	return status
}

// ObservePing implements observe_ping: accepted only when the pubkey
// resolves (exact or normalized) to a known peer.
func (r *Registry) ObservePing(pubkeyHex string, latencyMs *int64, signedTimestamp *time.Time) error {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return err
	}

	r.mu.Lock()
	status := r.knownLocked(norm)
	status.Online = true
	status.LastSeen = time.Now()
	if latencyMs != nil {
		status.LatencyMs = *latencyMs
	} else if signedTimestamp != nil {
		status.LatencyMs = time.Since(*signedTimestamp).Milliseconds()
	}
	snapshot := *status
	r.mu.Unlock()

	r.persist(&snapshot)
	return nil
}

// RecordPingAttempt marks last_ping_attempt. A timeout or error never
// flips online to false on a single miss, per spec.md §4.2.
func (r *Registry) RecordPingAttempt(pubkeyHex string, success bool) error {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return err
	}
	r.mu.Lock()
	status := r.knownLocked(norm)
	status.LastPingAttempt = time.Now()
	if success {
		status.Online = true
		status.LastSeen = time.Now()
	}
	snapshot := *status
	r.mu.Unlock()

	r.persist(&snapshot)
	return nil
}

// Get returns a snapshot copy of a peer's status.
func (r *Registry) Get(pubkeyHex string) (Status, bool) {
	norm, err := nostrcrypto.NormalizePubkey(pubkeyHex)
	if err != nil {
		return Status{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.peers[norm]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// List returns a snapshot of every known peer.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, *s)
	}
	return out
}

// Pubkeys returns every known normalized pubkey, for "ping all" fan-out.
func (r *Registry) Pubkeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for k := range r.peers {
		out = append(out, k)
	}
	return out
}
