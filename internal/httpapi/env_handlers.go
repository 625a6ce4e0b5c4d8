package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

// handleGetEnv serves GET /api/env: the runtime overlay snapshot any
// authenticated session may read.
func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, s.runtime.Snapshot())
}

// handlePatchEnv serves POST /api/env: an admin-only partial update of the
// runtime overlay.
func (s *Server) handlePatchEnv(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.runtime.Patch(patch); err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}
	s.bus.Publish(eventbusAdminAction("env.patch", nil))
	util.WriteJSON(w, http.StatusOK, s.runtime.Snapshot())
}

type deleteEnvRequest struct {
	Keys []string `json:"keys"`
}

// handleDeleteEnv serves POST /api/env/delete: resets the named overlay
// keys back to their environment/default values.
func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	var req deleteEnvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		util.RespondBadRequest(w, "keys is required")
		return
	}
	if err := s.runtime.Delete(req.Keys); err != nil {
		util.RespondInternalError(w, "failed to reset keys")
		return
	}
	s.bus.Publish(eventbusAdminAction("env.delete", req.Keys))
	util.WriteJSON(w, http.StatusOK, s.runtime.Snapshot())
}
