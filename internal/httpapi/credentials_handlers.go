package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/FROSTR-ORG/igloo-signerd/internal/auth"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

type setCredentialsRequest struct {
	GroupCredential string   `json:"groupCredential"`
	ShareCredential string   `json:"shareCredential"`
	GroupName       string   `json:"groupName"`
	Relays          []string `json:"relays"`
}

// handleSetCredentials serves POST /api/user/credentials: encrypts the
// submitted FROST group/share credentials under the session's cached
// credential key and activates the signer for this user.
func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	user := userFromContext(r.Context())

	var req setCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupCredential == "" || req.ShareCredential == "" {
		util.RespondBadRequest(w, "groupCredential and shareCredential are required")
		return
	}

	key, ok := s.credKeys.get(sess.ID)
	if !ok {
		util.RespondUnauthorized(w, "credential key unavailable, please log in again")
		return
	}

	encGroup, err := auth.EncryptCredential(req.GroupCredential, key)
	if err != nil {
		util.RespondInternalError(w, "failed to encrypt credentials")
		return
	}
	encShare, err := auth.EncryptCredential(req.ShareCredential, key)
	if err != nil {
		util.RespondInternalError(w, "failed to encrypt credentials")
		return
	}

	if err := s.store.SetCredentials(user.ID, encGroup, encShare, req.GroupName, req.Relays); err != nil {
		util.RespondInternalError(w, "failed to store credentials")
		return
	}

	if err := s.nip46Svc.SetActiveUser(context.Background(), user.ID, key); err != nil {
		s.log.Warn("nip46 activation after credential set failed", "user", user.ID, "error", err)
		util.RespondError(w, http.StatusAccepted, "credentials stored, signer failed to start: "+err.Error())
		return
	}

	s.bus.Publish(eventbusAdminAction("credentials.set", map[string]string{"userId": user.ID}))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleClearCredentials serves DELETE /api/user/credentials: wipes stored
// signer credentials and stops that user's (signer, agent) pair.
func (s *Server) handleClearCredentials(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if err := s.store.ClearCredentials(user.ID); err != nil {
		util.RespondInternalError(w, "failed to clear credentials")
		return
	}
	s.nip46Svc.Stop(user.ID)
	s.bus.Publish(eventbusAdminAction("credentials.clear", map[string]string{"userId": user.ID}))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
