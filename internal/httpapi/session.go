package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

const sessionCookieName = "igloo_session"

// credentialKeyCache holds the AES key derived at login time
// (auth.DeriveCredentialKey from the submitted password, or the
// IGLOO_MASTER_KEY override) against the session that produced it. It is
// deliberately in-memory only: a server restart drops it, so mutating
// stored signer credentials after a restart requires logging in again.
// This mirrors spec.md §5's resource-model intent that derived secrets
// never touch disk.
type credentialKeyCache struct {
	mu   sync.RWMutex
	keys map[string][]byte // sessionID -> 32-byte key
}

func newCredentialKeyCache() *credentialKeyCache {
	return &credentialKeyCache{keys: make(map[string][]byte)}
}

func (c *credentialKeyCache) set(sessionID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[sessionID] = key
}

func (c *credentialKeyCache) get(sessionID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[sessionID]
	return k, ok
}

func (c *credentialKeyCache) delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, sessionID)
}

type authContextKey string

const (
	ctxSession authContextKey = "session"
	ctxUser    authContextKey = "user"
)

func sessionFromContext(ctx context.Context) *store.Session {
	s, _ := ctx.Value(ctxSession).(*store.Session)
	return s
}

func userFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(ctxUser).(*store.User)
	return u
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after, true
	}
	return "", false
}

// shouldSecureCookie sets Secure whenever HSTS is enabled, and otherwise
// for any request host other than localhost/127.0.0.1/::1. There is no
// separate SECURE_COOKIES override.
func shouldSecureCookie(r *http.Request, hstsEnabled bool) bool {
	if hstsEnabled {
		return true
	}
	host := r.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host != "localhost" && host != "127.0.0.1" && host != "::1"
}
