// Package store owns the relational persistence layer: users, sessions,
// API keys, rate-limit buckets, NIP-46 sessions/requests/events, and peer
// policy overrides. Backed by modernc.org/sqlite (pure Go, no cgo).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBusy wraps a SQLITE_BUSY/SQLITE_LOCKED condition so callers (notably
// internal/ratelimit) can distinguish "retry me" from a fatal storage error.
var ErrBusy = errors.New("store: busy")

// ErrNotFound is returned by single-row lookups that find no row.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

// Open creates the data directory with owner-only permissions, opens the
// SQLite database at path, re-asserts directory permissions, and applies
// the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, fmt.Errorf("asserting data dir permissions: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(2000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer, avoids SQLITE_BUSY under our own load

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for internal/ratelimit's own
// BEGIN IMMEDIATE transactions; kept narrow rather than exporting general
// query methods off Store for that concern.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			encryption_salt TEXT NOT NULL,
			group_credential TEXT,
			share_credential TEXT,
			group_name TEXT,
			relays TEXT NOT NULL DEFAULT '[]',
			peer_policies TEXT NOT NULL DEFAULT '{}',
			display_name TEXT,
			role TEXT NOT NULL DEFAULT 'user',
			transport_secret TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			ip_address TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_access INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			prefix TEXT NOT NULL UNIQUE,
			token_hash TEXT NOT NULL,
			label TEXT,
			created_by_user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
			created_by_admin INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER,
			last_used_ip TEXT,
			revoked_at INTEGER,
			revoked_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			identifier TEXT NOT NULL,
			bucket TEXT NOT NULL,
			count INTEGER NOT NULL,
			window_start_ms INTEGER NOT NULL,
			last_attempt_ms INTEGER NOT NULL,
			PRIMARY KEY (identifier, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS nip46_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_pubkey TEXT NOT NULL,
			status TEXT NOT NULL,
			profile_name TEXT,
			profile_url TEXT,
			profile_image TEXT,
			relays TEXT NOT NULL DEFAULT '[]',
			policy TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_active_at INTEGER,
			UNIQUE(user_id, client_pubkey)
		)`,
		`CREATE TABLE IF NOT EXISTS nip46_session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES nip46_sessions(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nip46_events_session ON nip46_session_events(session_id)`,
		`CREATE TABLE IF NOT EXISTS nip46_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_pubkey TEXT NOT NULL,
			method TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nip46_requests_user ON nip46_requests(user_id, session_pubkey)`,
		`CREATE TABLE IF NOT EXISTS peer_status (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			pubkey TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER,
			latency_ms INTEGER,
			last_ping_attempt INTEGER,
			PRIMARY KEY (user_id, pubkey)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// IsBusy reports whether err indicates SQLITE_BUSY/SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
