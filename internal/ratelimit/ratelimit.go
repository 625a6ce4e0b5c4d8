// Package ratelimit implements the persistent sliding-window limiter from
// spec.md §4.5: SQL BEGIN IMMEDIATE transactions against the shared store,
// busy-retry with exponential backoff, and a transparent in-memory
// fallback when the store degrades for reasons other than busy/locked.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

// ErrUnavailable is spec.md's RateLimiterUnavailable — surfaced after the
// retry budget on a busy/locked store is exhausted.
var ErrUnavailable = errors.New("ratelimit: unavailable")

type Result struct {
	Allowed  bool
	Remaining int
	ResetAt  int64 // unix ms
	Count    int
}

type Options struct {
	WindowMs    int64
	MaxAttempts int
	Bucket      string
}

const (
	retryBaseDelay = 25 * time.Millisecond
	maxRetries     = 3
)

type Limiter struct {
	db  *sql.DB
	log *slog.Logger

	mu             sync.Mutex
	fallbackActive bool
	fallback       map[string]*fallbackEntry
}

type fallbackEntry struct {
	count       int
	windowStart int64
	lastAttempt int64
}

func New(st *store.Store, log *slog.Logger) *Limiter {
	return &Limiter{
		db:       st.DB(),
		log:      log,
		fallback: make(map[string]*fallbackEntry),
	}
}

// CheckLimit implements spec.md §4.5's checkLimit, retrying on
// busy/locked up to maxRetries with exponential backoff, and falling back
// to an in-memory map on any other storage error.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, opts Options) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, servedFromFallback, err := l.checkLimitOnce(ctx, identifier, opts)
		if err == nil {
			// Only a real round-trip against the store counts as recovery;
			// a call served from fallback says nothing about the store.
			if !servedFromFallback && l.clearFallback() {
				l.log.Info("rate limiter store recovered, leaving fallback mode")
			}
			return res, nil
		}
		lastErr = err
		if store.IsBusy(err) {
			if attempt == maxRetries {
				break
			}
			delay := retryBaseDelay * time.Duration(1<<attempt)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
		// Non-busy storage error: degrade to the in-memory fallback now.
		l.enterFallback(err)
		return l.checkLimitFallback(identifier, opts), nil
	}
	l.log.Error("rate limiter exhausted retries on busy store", "error", lastErr)
	return Result{}, ErrUnavailable
}

// checkLimitOnce reports whether the result was served from the in-memory
// fallback rather than a real store round-trip, so CheckLimit never
// mistakes "fallback succeeded" for "store recovered".
func (l *Limiter) checkLimitOnce(ctx context.Context, identifier string, opts Options) (Result, bool, error) {
	if l.inFallback() {
		return l.checkLimitFallback(identifier, opts), true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return Result{}, false, err
	}
	defer conn.Close()

	// database/sql's TxOptions has no IMMEDIATE knob, so the transaction is
	// started and ended with raw statements on a dedicated connection
	// instead of sql.Tx, giving true BEGIN IMMEDIATE semantics.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return Result{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	now := time.Now().UnixMilli()
	var count int
	var windowStart int64
	err = conn.QueryRowContext(ctx, `SELECT count, window_start_ms FROM rate_limits WHERE identifier = ? AND bucket = ?`,
		identifier, opts.Bucket).Scan(&count, &windowStart)

	if errors.Is(err, sql.ErrNoRows) {
		count = 1
		windowStart = now
		_, err = conn.ExecContext(ctx, `INSERT INTO rate_limits (identifier, bucket, count, window_start_ms, last_attempt_ms)
			VALUES (?, ?, ?, ?, ?)`, identifier, opts.Bucket, count, windowStart, now)
	} else if err == nil {
		if windowStart > now-opts.WindowMs {
			count++
		} else {
			count = 1
			windowStart = now
		}
		_, err = conn.ExecContext(ctx, `UPDATE rate_limits SET count = ?, window_start_ms = ?, last_attempt_ms = ?
			WHERE identifier = ? AND bucket = ?`, count, windowStart, now, identifier, opts.Bucket)
	}
	if err != nil {
		return Result{}, false, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return Result{}, false, err
	}
	committed = true

	remaining := opts.MaxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= opts.MaxAttempts,
		Remaining: remaining,
		ResetAt:   windowStart + opts.WindowMs,
		Count:     count,
	}, false, nil
}

func (l *Limiter) checkLimitFallback(identifier string, opts Options) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := identifier + "\x00" + opts.Bucket
	now := time.Now().UnixMilli()
	entry, ok := l.fallback[key]
	if !ok || entry.windowStart <= now-opts.WindowMs {
		entry = &fallbackEntry{count: 1, windowStart: now, lastAttempt: now}
	} else {
		entry.count++
		entry.lastAttempt = now
	}
	l.fallback[key] = entry

	remaining := opts.MaxAttempts - entry.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   entry.count <= opts.MaxAttempts,
		Remaining: remaining,
		ResetAt:   entry.windowStart + opts.WindowMs,
		Count:     entry.count,
	}
}

func (l *Limiter) enterFallback(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fallbackActive {
		l.fallbackActive = true
		l.log.Error("rate limiter store degraded, entering in-memory fallback", "error", cause)
	}
}

func (l *Limiter) inFallback() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fallbackActive
}

// clearFallback exits fallback mode after a successful store round-trip,
// reporting whether it was active.
func (l *Limiter) clearFallback() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.fallbackActive
	l.fallbackActive = false
	return was
}

// RunCleanupLoop deletes rate_limits rows idle more than 24h once per hour
// until stop is closed.
func (l *Limiter) RunCleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.cleanup(); err != nil {
				l.log.Error("rate limit cleanup failed", "error", err)
			}
		}
	}
}

func (l *Limiter) cleanup() error {
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	_, err := l.db.Exec(`DELETE FROM rate_limits WHERE last_attempt_ms < ?`, cutoff)
	return err
}
