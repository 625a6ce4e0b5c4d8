package auth

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

// SessionManager issues and sweeps opaque session ids backed by the store,
// matching spec.md §3/§4.4's (session_id, user_id, ip, created_at,
// last_access) row and inactivity-TTL eviction.
type SessionManager struct {
	store *store.Store
	ttl   func() time.Duration
	log   *slog.Logger
}

func NewSessionManager(st *store.Store, ttl func() time.Duration, log *slog.Logger) *SessionManager {
	return &SessionManager{store: st, ttl: ttl, log: log}
}

func (m *SessionManager) Create(userID, ip string) (*store.Session, error) {
	return m.store.CreateSession(uuid.NewString(), userID, ip)
}

func (m *SessionManager) Get(sessionID string) (*store.Session, error) {
	return m.store.GetSession(sessionID)
}

// Touch updates last_access; callers treat store.ErrNotFound as an expired
// or unknown session.
func (m *SessionManager) Touch(sessionID string) error {
	return m.store.TouchSession(sessionID)
}

func (m *SessionManager) Delete(sessionID string) error {
	return m.store.DeleteSession(sessionID)
}

// Sweep removes sessions idle longer than the configured TTL and returns
// their ids so any in-memory cache can be invalidated.
func (m *SessionManager) Sweep() ([]string, error) {
	ttlMs := m.ttl().Milliseconds()
	evicted, err := m.store.SweepExpiredSessions(ttlMs)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 && m.log != nil {
		m.log.Info("session sweep evicted sessions", "count", len(evicted))
	}
	return evicted, nil
}

// RunSweepLoop runs Sweep on the given period until stop is closed.
func (m *SessionManager) RunSweepLoop(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := m.Sweep(); err != nil && m.log != nil {
				m.log.Error("session sweep failed", "error", err)
			}
		}
	}
}
