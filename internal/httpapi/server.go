package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/auth"
	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
	"github.com/FROSTR-ORG/igloo-signerd/internal/metrics"
	"github.com/FROSTR-ORG/igloo-signerd/internal/nip46"
	"github.com/FROSTR-ORG/igloo-signerd/internal/ratelimit"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

// Server holds every dependency the admin HTTP surface (spec.md §6) needs
// and exposes the final http.Handler for cmd/igloo-signerd to serve.
type Server struct {
	store      *store.Store
	runtime    *config.Runtime
	users      *auth.UserManager
	sessions   *auth.SessionManager
	apikeys    *auth.APIKeyManager
	limiter    *ratelimit.Limiter
	bus        *eventbus.Bus
	nip46Svc   *nip46.Service
	metrics    *metrics.Metrics
	log        *slog.Logger
	masterKey  []byte // set iff IGLOO_MASTER_KEY was configured
	credKeys   *credentialKeyCache
	hstsEnabled bool
	hstsHeader  string
}

type Deps struct {
	Store    *store.Store
	Runtime  *config.Runtime
	Users    *auth.UserManager
	Sessions *auth.SessionManager
	APIKeys  *auth.APIKeyManager
	Limiter  *ratelimit.Limiter
	Bus      *eventbus.Bus
	Nip46    *nip46.Service
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	// MasterKey, when non-nil, is the pre-derived 32-byte credential key
	// from IGLOO_MASTER_KEY (Open Question 3's headless handoff path).
	MasterKey []byte
}

func NewServer(d Deps) *Server {
	hstsEnabled := os.Getenv("HSTS_ENABLED") == "1"
	hstsMaxAge := 31536000
	if v := os.Getenv("HSTS_MAX_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hstsMaxAge = n
		}
	}
	return &Server{
		store:       d.Store,
		runtime:     d.Runtime,
		users:       d.Users,
		sessions:    d.Sessions,
		apikeys:     d.APIKeys,
		limiter:     d.Limiter,
		bus:         d.Bus,
		nip46Svc:    d.Nip46,
		metrics:     d.Metrics,
		log:         d.Log,
		masterKey:   d.MasterKey,
		credKeys:    newCredentialKeyCache(),
		hstsEnabled: hstsEnabled,
		hstsHeader:  "max-age=" + strconv.Itoa(hstsMaxAge) + "; includeSubDomains",
	}
}

// Handler builds the full middleware chain + route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.requireSession(s.handleLogout))
	mux.HandleFunc("POST /api/user/password", s.requireSession(s.handleChangePassword))

	mux.HandleFunc("GET /api/env", s.requireSession(s.handleGetEnv))
	mux.HandleFunc("POST /api/env", s.requireAdmin(s.handlePatchEnv))
	mux.HandleFunc("POST /api/env/delete", s.requireAdmin(s.handleDeleteEnv))

	mux.HandleFunc("POST /api/user/credentials", s.requireSession(s.handleSetCredentials))
	mux.HandleFunc("DELETE /api/user/credentials", s.requireSession(s.handleClearCredentials))

	mux.HandleFunc("GET /api/peers", s.requireSession(s.handleListPeers))
	mux.HandleFunc("GET /api/peers/self", s.requireSession(s.handleSelfPeer))
	mux.HandleFunc("POST /api/peers/ping", s.requireSession(s.handlePingPeer))
	mux.HandleFunc("PUT /api/peers/{pubkey}/policy", s.requireSession(s.handleSetPeerPolicy))
	mux.HandleFunc("DELETE /api/peers/{pubkey}/policy", s.requireSession(s.handleResetPeerPolicy))

	mux.HandleFunc("GET /api/admin/api-keys", s.requireAdmin(s.handleListAPIKeys))
	mux.HandleFunc("POST /api/admin/api-keys", s.requireAdmin(s.handleCreateAPIKey))
	mux.HandleFunc("POST /api/admin/api-keys/revoke", s.requireAdmin(s.handleRevokeAPIKey))

	mux.HandleFunc("GET /api/nip46/connect", s.requireSession(s.handleNip46Connect))
	mux.HandleFunc("GET /api/nip46/pairing", s.requireSession(s.handleNip46Pairing))
	mux.HandleFunc("GET /api/nip46/requests", s.requireSession(s.handleListPendingRequests))
	mux.HandleFunc("POST /api/nip46/requests/{id}/approve", s.requireSession(s.handleApproveRequest))
	mux.HandleFunc("POST /api/nip46/requests/{id}/deny", s.requireSession(s.handleDenyRequest))

	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEventStream))

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	var handler http.Handler = mux
	handler = limitBody(handler)
	handler = securityHeaders(s.hstsEnabled, s.hstsHeader)(handler)
	handler = gzipMiddleware(handler)
	handler = recoverMiddleware(handler)
	handler = requestLogging(s.metrics)(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().Unix()})
}
