package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

// requireSession resolves the session cookie, touches its last_access, and
// attaches the session + owning user to the request context. A missing or
// expired session is a uniform 401 — spec.md's AuthFailure never
// distinguishes "no cookie" from "expired cookie" to the client.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			util.RespondUnauthorized(w, "authentication required")
			return
		}
		sess, err := s.sessions.Get(cookie.Value)
		if errors.Is(err, store.ErrNotFound) {
			util.RespondUnauthorized(w, "authentication required")
			return
		}
		if err != nil {
			util.RespondInternalError(w, "session lookup failed")
			return
		}
		user, err := s.users.GetByID(sess.UserID)
		if err != nil {
			util.RespondInternalError(w, "user lookup failed")
			return
		}
		_ = s.sessions.Touch(sess.ID)

		ctx := context.WithValue(r.Context(), ctxSession, sess)
		ctx = context.WithValue(ctx, ctxUser, user)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin is requireSession plus a role check.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		if user == nil || user.Role != "admin" {
			util.RespondForbidden(w, "admin role required")
			return
		}
		next(w, r)
	})
}

// requireAuth accepts either a session cookie or a bearer API key, for
// endpoints an automated client may hit without a browser session (the
// event stream).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			key, err := s.apikeys.Verify(token)
			if err != nil {
				util.RespondUnauthorized(w, "authentication required")
				return
			}
			_ = s.apikeys.Touch(key.ID, r.RemoteAddr)
			next(w, r)
			return
		}
		s.requireSession(next)(w, r)
	}
}
