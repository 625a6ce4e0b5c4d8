// Package config loads the daemon's environment-driven configuration and
// exposes the mutable runtime overlay the admin surface can patch.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Static is the set of values read once at process startup. Credentials
// here are seeds only — the persisted per-user row in the store is
// authoritative once a user exists.
type Static struct {
	ShareCred  string
	GroupCred  string
	GroupName  string
	AdminSecret string

	DataDir string
	DBPath  string

	LogLevel string
}

// Runtime is the subset of configuration the admin surface can read and
// patch live, guarded by a mutex so HTTP handlers and background loops
// never race on it. Mirrors the teacher's site_config.go/relays_config.go
// load-then-patch shape.
type Runtime struct {
	mu sync.RWMutex

	Relays []string

	SessionTimeout      time.Duration
	SignTimeout         time.Duration
	RateLimitEnabled    bool
	RateLimitWindow     time.Duration
	RateLimitMax        int
	NodeRestartDelay    time.Duration
	NodeMaxRetries      int
	NodeBackoffMultiplier float64
	NodeMaxRetryDelay   time.Duration
	InitialConnectivityDelay time.Duration
	AllowedOrigins      []string

	DefaultAllowSend    bool
	DefaultAllowReceive bool
}

// Snapshot is an immutable copy of Runtime safe to read without holding a lock.
type Snapshot struct {
	Relays                   []string `json:"relays"`
	SessionTimeoutSeconds    int      `json:"sessionTimeoutSeconds"`
	SignTimeoutMs            int      `json:"signTimeoutMs"`
	RateLimitEnabled         bool     `json:"rateLimitEnabled"`
	RateLimitWindowSeconds   int      `json:"rateLimitWindowSeconds"`
	RateLimitMax             int      `json:"rateLimitMax"`
	NodeRestartDelayMs       int      `json:"nodeRestartDelayMs"`
	NodeMaxRetries           int      `json:"nodeMaxRetries"`
	NodeBackoffMultiplier    float64  `json:"nodeBackoffMultiplier"`
	NodeMaxRetryDelayMs      int      `json:"nodeMaxRetryDelayMs"`
	InitialConnectivityDelayMs int    `json:"initialConnectivityDelayMs"`
	AllowedOrigins           []string `json:"allowedOrigins"`
	DefaultAllowSend         bool     `json:"defaultAllowSend"`
	DefaultAllowReceive      bool     `json:"defaultAllowReceive"`
}

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.primal.net",
	"wss://nos.lol",
}

// LoadStatic reads the one-time startup configuration from the environment.
func LoadStatic() Static {
	dataDir := getenv("IGLOO_DATA_DIR", "./data")
	return Static{
		ShareCred:   os.Getenv("SHARE_CRED"),
		GroupCred:   os.Getenv("GROUP_CRED"),
		GroupName:   os.Getenv("GROUP_NAME"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),
		DataDir:     dataDir,
		DBPath:      getenv("IGLOO_DB_PATH", dataDir+"/igloo-signerd.db"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

// LoadRuntime builds the initial runtime overlay from the environment,
// applying the clamps spec.md §6 names for each key.
func LoadRuntime() (*Runtime, error) {
	relays, err := parseRelays(os.Getenv("RELAYS"))
	if err != nil {
		return nil, fmt.Errorf("RELAYS: %w", err)
	}
	if len(relays) == 0 {
		relays = append([]string{}, defaultRelays...)
	}

	sessionTimeout, err := clampedSeconds("SESSION_TIMEOUT", 3600, 60, 86400)
	if err != nil {
		return nil, err
	}
	signTimeout, err := clampedMillis("FROSTR_SIGN_TIMEOUT", 30000, 1000, 120000)
	if err != nil {
		return nil, err
	}
	rateLimitWindow, err := clampedSeconds("RATE_LIMIT_WINDOW", 60, 1, 3600)
	if err != nil {
		return nil, err
	}
	rateLimitMax, err := clampedInt("RATE_LIMIT_MAX", 100, 1, 10000)
	if err != nil {
		return nil, err
	}
	backoff, err := clampedFloat("NODE_BACKOFF_MULTIPLIER", 2.0, 1.0, 10.0)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Relays:                   relays,
		SessionTimeout:           sessionTimeout,
		SignTimeout:              signTimeout,
		RateLimitEnabled:         getenvBool("RATE_LIMIT_ENABLED", true),
		RateLimitWindow:          rateLimitWindow,
		RateLimitMax:             rateLimitMax,
		NodeRestartDelay:         time.Duration(getenvInt("NODE_RESTART_DELAY", 1000)) * time.Millisecond,
		NodeMaxRetries:           getenvInt("NODE_MAX_RETRIES", 5),
		NodeBackoffMultiplier:    backoff,
		NodeMaxRetryDelay:        time.Duration(getenvInt("NODE_MAX_RETRY_DELAY", 10000)) * time.Millisecond,
		InitialConnectivityDelay: time.Duration(getenvInt("INITIAL_CONNECTIVITY_DELAY", 2000)) * time.Millisecond,
		AllowedOrigins:           splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		DefaultAllowSend:         true,
		DefaultAllowReceive:      true,
	}, nil
}

// Snapshot returns a read-locked copy of the current runtime values.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Relays:                     append([]string{}, r.Relays...),
		SessionTimeoutSeconds:      int(r.SessionTimeout / time.Second),
		SignTimeoutMs:              int(r.SignTimeout / time.Millisecond),
		RateLimitEnabled:           r.RateLimitEnabled,
		RateLimitWindowSeconds:     int(r.RateLimitWindow / time.Second),
		RateLimitMax:               r.RateLimitMax,
		NodeRestartDelayMs:         int(r.NodeRestartDelay / time.Millisecond),
		NodeMaxRetries:             r.NodeMaxRetries,
		NodeBackoffMultiplier:      r.NodeBackoffMultiplier,
		NodeMaxRetryDelayMs:        int(r.NodeMaxRetryDelay / time.Millisecond),
		InitialConnectivityDelayMs: int(r.InitialConnectivityDelay / time.Millisecond),
		AllowedOrigins:             append([]string{}, r.AllowedOrigins...),
		DefaultAllowSend:           r.DefaultAllowSend,
		DefaultAllowReceive:        r.DefaultAllowReceive,
	}
}

// Patch applies a partial update from the PATCH-shaped JSON body of
// POST /api/env. Unknown keys are ignored; recognized keys are validated
// with the same clamps LoadRuntime applies.
func (r *Runtime) Patch(patch map[string]json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if raw, ok := patch["relays"]; ok {
		var relays []string
		if err := json.Unmarshal(raw, &relays); err != nil {
			return fmt.Errorf("relays: %w", err)
		}
		r.Relays = relays
	}
	if raw, ok := patch["sessionTimeoutSeconds"]; ok {
		v, err := clampedJSONInt(raw, 60, 86400)
		if err != nil {
			return fmt.Errorf("sessionTimeoutSeconds: %w", err)
		}
		r.SessionTimeout = time.Duration(v) * time.Second
	}
	if raw, ok := patch["signTimeoutMs"]; ok {
		v, err := clampedJSONInt(raw, 1000, 120000)
		if err != nil {
			return fmt.Errorf("signTimeoutMs: %w", err)
		}
		r.SignTimeout = time.Duration(v) * time.Millisecond
	}
	if raw, ok := patch["rateLimitEnabled"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("rateLimitEnabled: %w", err)
		}
		r.RateLimitEnabled = v
	}
	if raw, ok := patch["rateLimitWindowSeconds"]; ok {
		v, err := clampedJSONInt(raw, 1, 3600)
		if err != nil {
			return fmt.Errorf("rateLimitWindowSeconds: %w", err)
		}
		r.RateLimitWindow = time.Duration(v) * time.Second
	}
	if raw, ok := patch["rateLimitMax"]; ok {
		v, err := clampedJSONInt(raw, 1, 10000)
		if err != nil {
			return fmt.Errorf("rateLimitMax: %w", err)
		}
		r.RateLimitMax = int(v)
	}
	if raw, ok := patch["allowedOrigins"]; ok {
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("allowedOrigins: %w", err)
		}
		r.AllowedOrigins = v
	}
	if raw, ok := patch["defaultAllowSend"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("defaultAllowSend: %w", err)
		}
		r.DefaultAllowSend = v
	}
	if raw, ok := patch["defaultAllowReceive"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("defaultAllowReceive: %w", err)
		}
		r.DefaultAllowReceive = v
	}
	return nil
}

// Delete removes the named keys from the runtime overlay, resetting them
// to their environment/default value for POST /api/env/delete.
func (r *Runtime) Delete(keys []string) error {
	fresh, err := LoadRuntime()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		switch k {
		case "relays":
			r.Relays = fresh.Relays
		case "sessionTimeoutSeconds":
			r.SessionTimeout = fresh.SessionTimeout
		case "signTimeoutMs":
			r.SignTimeout = fresh.SignTimeout
		case "rateLimitEnabled":
			r.RateLimitEnabled = fresh.RateLimitEnabled
		case "rateLimitWindowSeconds":
			r.RateLimitWindow = fresh.RateLimitWindow
		case "rateLimitMax":
			r.RateLimitMax = fresh.RateLimitMax
		case "allowedOrigins":
			r.AllowedOrigins = fresh.AllowedOrigins
		case "defaultAllowSend":
			r.DefaultAllowSend = fresh.DefaultAllowSend
		case "defaultAllowReceive":
			r.DefaultAllowReceive = fresh.DefaultAllowReceive
		}
	}
	return nil
}

func (r *Runtime) GetRelays() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.Relays...)
}

func (r *Runtime) GetDefaultPolicy() (allowSend, allowReceive bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.DefaultAllowSend, r.DefaultAllowReceive
}

func (r *Runtime) GetSignTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.SignTimeout
}

func (r *Runtime) GetSessionTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.SessionTimeout
}

func parseRelays(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var relays []string
		if err := json.Unmarshal([]byte(raw), &relays); err != nil {
			return nil, err
		}
		return relays, nil
	}
	return splitCSV(raw), nil
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func clampedInt(key string, def, min, max int) (int, error) {
	v := getenvInt(key, def)
	if v < min || v > max {
		return 0, fmt.Errorf("%s: %d out of range [%d, %d]", key, v, min, max)
	}
	return v, nil
}

func clampedSeconds(key string, defSeconds, min, max int) (time.Duration, error) {
	v, err := clampedInt(key, defSeconds, min, max)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func clampedMillis(key string, defMillis, min, max int) (time.Duration, error) {
	v, err := clampedInt(key, defMillis, min, max)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

func clampedFloat(key string, def, min, max float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if f < min || f > max {
		return 0, fmt.Errorf("%s: %f out of range [%f, %f]", key, f, min, max)
	}
	return f, nil
}

func clampedJSONInt(raw json.RawMessage, min, max int) (int, error) {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%d out of range [%d, %d]", v, min, max)
	}
	return v, nil
}
