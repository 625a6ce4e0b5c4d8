package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/FROSTR-ORG/igloo-signerd/internal/auth"
	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
	"github.com/FROSTR-ORG/igloo-signerd/internal/metrics"
	"github.com/FROSTR-ORG/igloo-signerd/internal/nip46"
	"github.com/FROSTR-ORG/igloo-signerd/internal/ratelimit"
	"github.com/FROSTR-ORG/igloo-signerd/internal/relay"
	"github.com/FROSTR-ORG/igloo-signerd/internal/signer"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNode is a minimal Bifrost/FROST Node stand-in for tests that need the
// nip46 service to reach an active state without a real threshold signer.
type fakeNode struct{}

func (f *fakeNode) On(event string, handler signer.EventHandler)                        {}
func (f *fakeNode) Off(event string)                                                    {}
func (f *fakeNode) Disconnect()                                                         {}
func (f *fakeNode) ReqSign(ctx context.Context, eventHash []byte) (signer.SignResult, error) {
	return signer.SignResult{OK: true, Data: []signer.SignShare{{ID: "1", Pubkey: "pk", Sig: "aabbcc"}}}, nil
}
func (f *fakeNode) ReqECDH(ctx context.Context, peerPubkey string) (string, error) { return "", nil }
func (f *fakeNode) Ping(ctx context.Context, peerPubkey string) (signer.PingResult, error) {
	return signer.PingResult{}, nil
}
func (f *fakeNode) GroupPubkey() string { return "deadbeef" }

// newFakeRelay stands in for a real relay so an activated user's agent has
// somewhere to subscribe, mirroring internal/nip46's own fixture relays.
func newFakeRelay(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg []interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) >= 2 {
				if msgType, _ := msg[0].(string); msgType == "REQ" {
					subID, _ := msg[1].(string)
					conn.WriteJSON([]interface{}{"EOSE", subID})
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testFixture struct {
	server   *Server
	store    *store.Store
	runtime  *config.Runtime
	users    *auth.UserManager
	sessions *auth.SessionManager
	apikeys  *auth.APIKeyManager
	bus      *eventbus.Bus
	nip46Svc *nip46.Service
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	runtime, err := config.LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	runtime.RateLimitEnabled = false

	users := auth.NewUserManager(st)
	sessions := auth.NewSessionManager(st, runtime.GetSessionTimeout, discardLog())
	apikeys := auth.NewAPIKeyManager(st)
	limiter := ratelimit.New(st, discardLog())
	bus := eventbus.New("", discardLog())
	m := metrics.New()
	pool := relay.NewPool(discardLog())
	t.Cleanup(pool.Close)

	factory := func(ctx context.Context, cfg signer.Config, minimal bool) (signer.Node, error) {
		return &fakeNode{}, nil
	}
	nip46Svc := nip46.NewService(st, runtime, pool, bus, factory, discardLog()).WithMetrics(m)

	srv := NewServer(Deps{
		Store:    st,
		Runtime:  runtime,
		Users:    users,
		Sessions: sessions,
		APIKeys:  apikeys,
		Limiter:  limiter,
		Bus:      bus,
		Nip46:    nip46Svc,
		Metrics:  m,
		Log:      discardLog(),
	})
	t.Cleanup(nip46Svc.StopAll)

	return &testFixture{
		server:   srv,
		store:    st,
		runtime:  runtime,
		users:    users,
		sessions: sessions,
		apikeys:  apikeys,
		bus:      bus,
		nip46Svc: nip46Svc,
	}
}

// createUserAndLogin creates a user through the UserManager, opens a
// session for it directly (skipping the login handler), caches the derived
// credential key for that session, and returns a session cookie usable
// against fx.server.Handler().
func (fx *testFixture) createUserAndLogin(t *testing.T, username, password, role string) (*store.User, *http.Cookie) {
	t.Helper()
	user, err := fx.users.CreateUser(username, password, role)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sess, err := fx.sessions.Create(user.ID, "127.0.0.1:1234")
	if err != nil {
		t.Fatalf("sessions.Create: %v", err)
	}
	key, err := auth.DeriveCredentialKey(password, user.EncryptionSalt, 0)
	if err != nil {
		t.Fatalf("DeriveCredentialKey: %v", err)
	}
	fx.server.credKeys.set(sess.ID, key)
	return user, &http.Cookie{Name: sessionCookieName, Value: sess.ID}
}

// activateUser stores fake FROST credentials for user under credKey and
// starts its (signer, agent) pair against a fake relay, for handler tests
// that exercise the "active signer" branch (peers, nip46 pairing/connect).
func (fx *testFixture) activateUser(t *testing.T, userID string, credKey []byte) {
	t.Helper()
	relayURL := newFakeRelay(t)
	encGroup, err := auth.EncryptCredential("bfgroup1...", credKey)
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}
	encShare, err := auth.EncryptCredential("bfshare1...", credKey)
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}
	if err := fx.store.SetCredentials(userID, encGroup, encShare, "mygroup", []string{relayURL}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	if err := fx.nip46Svc.SetActiveUser(context.Background(), userID, credKey); err != nil {
		t.Fatalf("SetActiveUser: %v", err)
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}
