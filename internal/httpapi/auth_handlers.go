package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/FROSTR-ORG/igloo-signerd/internal/auth"
	"github.com/FROSTR-ORG/igloo-signerd/internal/ratelimit"
	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

// handleLogin implements spec.md §4.4's timing-safe login: rate-limited
// by remote address, a uniform AuthFailure on any failure mode, and a
// freshly derived credential key cached against the new session so the
// credentials endpoints can re-encrypt signer secrets without asking for
// the password again this session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		util.RespondBadRequest(w, "username and password are required")
		return
	}

	if s.runtime.RateLimitEnabled {
		res, err := s.limiter.CheckLimit(r.Context(), r.RemoteAddr, ratelimit.Options{
			WindowMs:    s.runtime.Snapshot().RateLimitWindowSeconds * 1000,
			MaxAttempts: s.runtime.Snapshot().RateLimitMax,
			Bucket:      "login",
		})
		if errors.Is(err, ratelimit.ErrUnavailable) {
			util.RespondServiceUnavailable(w, "rate limiter unavailable")
			return
		}
		if err == nil && !res.Allowed {
			util.RespondError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		util.RespondUnauthorized(w, "invalid credentials")
		return
	}
	if err != nil {
		util.RespondInternalError(w, "authentication failed")
		return
	}

	sess, err := s.sessions.Create(user.ID, r.RemoteAddr)
	if err != nil {
		util.RespondInternalError(w, "session creation failed")
		return
	}

	key, err := s.credentialKeyForUser(user, req.Password)
	if err == nil {
		s.credKeys.set(sess.ID, key)
	}

	if err == nil && user.GroupCredential.Valid && user.ShareCredential.Valid {
		if err := s.nip46Svc.SetActiveUser(context.Background(), user.ID, key); err != nil {
			s.log.Warn("nip46 activation at login failed", "user", user.ID, "error", err)
		}
	}

	setSessionCookie(w, r, sess.ID, shouldSecureCookie(r, s.hstsEnabled))
	util.WriteJSON(w, http.StatusOK, loginResponse{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		DisplayName: user.DisplayName.String,
	})
}

// credentialKeyForUser returns the master-key override if configured,
// otherwise derives the PBKDF2 key from the submitted password and the
// user's stored encryption salt. The caller must already have
// authenticated the password against the user's Argon2id hash; this just
// prepares the key used to decrypt/encrypt signer credentials.
func (s *Server) credentialKeyForUser(user *store.User, password string) ([]byte, error) {
	if s.masterKey != nil {
		return s.masterKey, nil
	}
	return auth.DeriveCredentialKey(password, user.EncryptionSalt, 0)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess != nil {
		_ = s.sessions.Delete(sess.ID)
		s.credKeys.delete(sess.ID)
	}
	clearSessionCookie(w, shouldSecureCookie(r, s.hstsEnabled))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// handleChangePassword serves POST /api/user/password. Per
// UserManager.ChangePassword's Testable-Property-3 contract, rotating the
// encryption salt invalidates the old credential key: any stored signer
// credentials must be re-submitted (re-encrypted under the new key) via
// POST /api/user/credentials afterward, using the freshly cached key this
// handler installs so that resubmission doesn't require a second login.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	user := userFromContext(r.Context())

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		util.RespondBadRequest(w, "currentPassword and newPassword are required")
		return
	}
	if _, err := s.users.Authenticate(user.Username, req.CurrentPassword); errors.Is(err, auth.ErrInvalidCredentials) {
		util.RespondUnauthorized(w, "invalid credentials")
		return
	} else if err != nil {
		util.RespondInternalError(w, "authentication failed")
		return
	}

	newSalt, err := s.users.ChangePassword(user.ID, req.NewPassword)
	if err != nil {
		util.RespondInternalError(w, "failed to change password")
		return
	}

	if s.masterKey == nil {
		key, err := auth.DeriveCredentialKey(req.NewPassword, newSalt, 0)
		if err == nil {
			s.credKeys.set(sess.ID, key)
		}
	}

	s.bus.Publish(eventbusAdminAction("user.password.change", map[string]string{"userId": user.ID}))
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"status":                  "ok",
		"credentialsNeedReupload": user.GroupCredential.Valid || user.ShareCredential.Valid,
	})
}
