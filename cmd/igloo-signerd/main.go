// Command igloo-signerd runs the remote NIP-46 signer daemon: it wires the
// store, auth, rate limiter, event bus, relay pool and NIP-46 service
// together behind the admin HTTP surface, then serves until a termination
// signal requests the shutdown sequence spec.md §5 describes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/auth"
	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
	"github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"
	"github.com/FROSTR-ORG/igloo-signerd/internal/httpapi"
	"github.com/FROSTR-ORG/igloo-signerd/internal/metrics"
	"github.com/FROSTR-ORG/igloo-signerd/internal/nip46"
	"github.com/FROSTR-ORG/igloo-signerd/internal/ratelimit"
	"github.com/FROSTR-ORG/igloo-signerd/internal/relay"
	"github.com/FROSTR-ORG/igloo-signerd/internal/signer"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

func main() {
	initLogger()
	log := slog.Default()

	static := config.LoadStatic()
	runtime, err := config.LoadRuntime()
	if err != nil {
		log.Error("invalid runtime configuration", "error", err)
		os.Exit(1)
	}

	var masterKey []byte
	if raw := os.Getenv("IGLOO_MASTER_KEY"); raw != "" {
		masterKey, err = auth.ParsePreDerivedKey(raw)
		if err != nil {
			log.Error("invalid IGLOO_MASTER_KEY", "error", err)
			os.Exit(1)
		}
		log.Info("headless credential-key handoff enabled")
	}

	st, err := store.Open(static.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	users := auth.NewUserManager(st)
	sessions := auth.NewSessionManager(st, runtime.GetSessionTimeout, log)
	apikeys := auth.NewAPIKeyManager(st)
	limiter := ratelimit.New(st, log)
	bus := eventbus.New(os.Getenv("REDIS_URL"), log)
	defer bus.Close()

	pool := relay.NewPool(log)
	defer pool.Close()

	m := metrics.New()

	nip46Svc := nip46.NewService(st, runtime, pool, bus, signer.UnimplementedFactory, log).WithMetrics(m)

	bootstrapAdmin(users, st, static, log)

	if masterKey != nil {
		activateHeadlessUsers(nip46Svc, st, masterKey, log)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Store:     st,
		Runtime:   runtime,
		Users:     users,
		Sessions:  sessions,
		APIKeys:   apikeys,
		Limiter:   limiter,
		Bus:       bus,
		Nip46:     nip46Svc,
		Metrics:   m,
		Log:       log,
		MasterKey: masterKey,
	})

	stopSweep := make(chan struct{})
	go sessions.RunSweepLoop(10*time.Minute, stopSweep)
	defer close(stopSweep)

	stopRateLimitCleanup := make(chan struct{})
	go limiter.RunCleanupLoop(stopRateLimitCleanup)
	defer close(stopRateLimitCleanup)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
		<-sigterm
		log.Info("shutdown signal received, draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", "error", err)
		}

		nip46Svc.StopAll()

		log.Info("shutdown complete")
	}()

	log.Info("starting igloo-signerd", "port", port, "relays", runtime.GetRelays())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
	// Wait for the shutdown goroutine so StopAll finishes before the
	// deferred closes of the store, bus and relay pool run.
	<-shutdownDone
}

func initLogger() {
	levelStr := os.Getenv("LOG_LEVEL")
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// bootstrapAdmin creates the first user from ADMIN_SECRET when the store is
// empty: there is no self-registration endpoint in the admin surface (spec.md
// §6), so a freshly provisioned deployment needs a way in. CreateUser's own
// first-user-admin promotion takes care of the role.
func bootstrapAdmin(users *auth.UserManager, st *store.Store, static config.Static, log *slog.Logger) {
	if static.AdminSecret == "" {
		return
	}
	count, err := st.CountUsers()
	if err != nil {
		log.Error("failed to count users", "error", err)
		return
	}
	if count > 0 {
		return
	}
	if _, err := users.CreateUser("admin", static.AdminSecret, "admin"); err != nil {
		log.Error("failed to bootstrap admin user", "error", err)
		return
	}
	log.Info("bootstrapped initial admin user", "username", "admin")
}

// activateHeadlessUsers starts a NIP-46 signer for every user with stored
// credentials, using the pre-derived master key instead of a login-time
// password derivation. This is the headless handoff path Open Question 3
// resolves: deployments that set IGLOO_MASTER_KEY don't need an operator to
// log in before the daemon starts signing again after a restart.
func activateHeadlessUsers(svc *nip46.Service, st *store.Store, masterKey []byte, log *slog.Logger) {
	rows, err := st.ListActivatableUsers()
	if err != nil {
		log.Error("failed to list activatable users", "error", err)
		return
	}
	for _, u := range rows {
		if err := svc.SetActiveUser(context.Background(), u.ID, masterKey); err != nil {
			log.Warn("headless activation failed", "user", u.ID, "error", err)
			continue
		}
		log.Info("activated signer from headless master key", "user", u.ID)
	}
}
