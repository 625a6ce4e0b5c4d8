package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

// handleListAPIKeys serves GET /api/admin/api-keys: metadata only, never
// the token itself (it is shown exactly once, at creation).
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.apikeys.List()
	if err != nil {
		util.RespondInternalError(w, "failed to list api keys")
		return
	}
	util.WriteJSON(w, http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	Label string `json:"label"`
}

// handleCreateAPIKey serves POST /api/admin/api-keys.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Label == "" {
		util.RespondBadRequest(w, "label is required")
		return
	}
	token, key, err := s.apikeys.Issue(req.Label, user.ID, true)
	if err != nil {
		util.RespondInternalError(w, "failed to issue api key")
		return
	}
	s.bus.Publish(eventbusAdminAction("apikey.create", map[string]string{"label": req.Label, "keyId": key.ID}))
	util.WriteJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"key":   key,
	})
}

type revokeAPIKeyRequest struct {
	KeyID  string `json:"keyId"`
	Reason string `json:"reason"`
}

// handleRevokeAPIKey serves POST /api/admin/api-keys/revoke. Per Open
// Question 2, this never touches session rows.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var req revokeAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KeyID == "" {
		util.RespondBadRequest(w, "keyId is required")
		return
	}
	if err := s.apikeys.Revoke(req.KeyID, req.Reason); err != nil {
		util.RespondInternalError(w, "failed to revoke api key")
		return
	}
	s.bus.Publish(eventbusAdminAction("apikey.revoke", map[string]string{"keyId": req.KeyID}))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
