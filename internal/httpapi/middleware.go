// Package httpapi wires the admin/control-plane HTTP surface spec.md §6
// describes onto the store, auth, peers, ratelimit, and nip46 packages.
package httpapi

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/FROSTR-ORG/igloo-signerd/internal/metrics"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RequestIDFromContext extracts the request id a previous middleware layer
// attached to ctx.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func loggerFromContext(ctx context.Context) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}

// statusResponseWriter wraps http.ResponseWriter to capture the status code
// ultimately written, for the access log.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so streaming responses still work
// through the wrapper.
func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades still work
// through the wrapper.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	return h.Hijack()
}

// requestLogging attaches a request id and logs method/path/status/latency
// at a level keyed off the final status code, skipping the noisy
// health/metrics paths.
func requestLogging(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			requestID := generateRequestID()
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Request-ID", requestID)

			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			slog.Debug("request started", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			next.ServeHTTP(wrapped, r)

			attrs := []any{
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch {
			case wrapped.statusCode >= 500:
				if m != nil {
					m.IncHTTPError()
				}
				slog.Error("request failed", attrs...)
			case wrapped.statusCode >= 400:
				slog.Warn("request error", attrs...)
			default:
				slog.Debug("request completed", attrs...)
			}
			if m != nil {
				m.IncHTTPRequest()
			}
		})
	}
}

// recoverMiddleware turns a panic in any handler into a 500 instead of
// killing the server, logging the panic server-side only.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				loggerFromContext(r.Context()).Error("panic recovered", "error", err, "method", r.Method, "path", r.URL.Path)
				util.RespondInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets the same baseline header set as the teacher's HTML
// surface, minus the CSP's youtube frame-src allowance this JSON API has
// no use for.
func securityHeaders(hstsEnabled bool, hstsHeader string) func(http.Handler) http.Handler {
	csp := "default-src 'none'; frame-ancestors 'none'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", csp)
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if hstsEnabled {
				w.Header().Set("Strict-Transport-Security", hstsHeader)
			}
			next.ServeHTTP(w, r)
		})
	}
}

const maxBodySize = 1 << 20 // 1MB: generous enough for a connect URI + policy body, small enough to bound abuse

// limitBody caps request body size the same way the teacher's main.go does.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

const minGzipSize = 1024

var gzipPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gzipWriter *gzip.Writer
	buf        []byte
	statusCode int
	written    bool
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.buf = append(w.buf, b...)
		if len(w.buf) < minGzipSize {
			return len(b), nil
		}
		w.written = true
		w.ResponseWriter.Header().Set("Content-Encoding", "gzip")
		w.ResponseWriter.Header().Del("Content-Length")
		w.ResponseWriter.WriteHeader(w.statusCode)
		if _, err := w.gzipWriter.Write(w.buf); err != nil {
			return 0, err
		}
		w.buf = nil
		return len(b), nil
	}
	return w.gzipWriter.Write(b)
}

func (w *gzipResponseWriter) finish() error {
	if !w.written {
		w.ResponseWriter.WriteHeader(w.statusCode)
		if len(w.buf) > 0 {
			_, err := w.ResponseWriter.Write(w.buf)
			return err
		}
		return nil
	}
	return w.gzipWriter.Close()
}

// gzipMiddleware compresses JSON responses above minGzipSize. Websocket
// upgrades (Connection: Upgrade) bypass it entirely since wrapping a
// hijacked connection would break the upgrade.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") || strings.EqualFold(r.Header.Get("Connection"), "Upgrade") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Vary", "Accept-Encoding")
		gz := gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer gzipPool.Put(gz)

		gzw := &gzipResponseWriter{ResponseWriter: w, gzipWriter: gz, statusCode: http.StatusOK}
		next.ServeHTTP(gzw, r)
		_ = gzw.finish()
	})
}
