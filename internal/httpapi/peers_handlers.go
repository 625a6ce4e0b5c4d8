package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nip46"
	"github.com/FROSTR-ORG/igloo-signerd/internal/peers"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

type peerView struct {
	Pubkey           string `json:"pubkey"`
	Online           bool   `json:"online"`
	LastSeenMs       int64  `json:"lastSeenMs,omitempty"`
	LatencyMs        int64  `json:"latencyMs,omitempty"`
	EffectiveSend    bool   `json:"effectiveSend"`
	EffectiveReceive bool   `json:"effectiveReceive"`
	HasOverride      bool   `json:"hasOverride"`
	Source           string `json:"source"`
}

// handleListPeers serves GET /api/peers: every known co-signer peer's
// liveness status layered with its effective send/receive policy.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	registry, err := s.nip46Svc.Registry(user.ID)
	if errors.Is(err, nip46.ErrNoActiveUser) {
		util.WriteJSON(w, http.StatusOK, []peerView{})
		return
	}
	if err != nil {
		util.RespondInternalError(w, "registry unavailable")
		return
	}
	policyEngine, err := s.nip46Svc.Policy(user.ID)
	if err != nil {
		util.RespondInternalError(w, "policy engine unavailable")
		return
	}

	statuses := registry.List()
	policies, err := policyEngine.ListPolicies(user.ID)
	if err != nil {
		util.RespondInternalError(w, "failed to load policies")
		return
	}

	out := make([]peerView, 0, len(statuses))
	online := 0
	for _, st := range statuses {
		eff, err := policyEngine.GetPolicy(user.ID, st.Pubkey)
		if err != nil {
			eff = peers.Effective{Pubkey: st.Pubkey}
		}
		if st.Online {
			online++
		}
		out = append(out, peerView{
			Pubkey:           st.Pubkey,
			Online:           st.Online,
			LastSeenMs:       st.LastSeen.UnixMilli(),
			LatencyMs:        st.LatencyMs,
			EffectiveSend:    eff.EffectiveSend,
			EffectiveReceive: eff.EffectiveReceive,
			HasOverride:      eff.HasExplicitPolicy,
			Source:           eff.Source,
		})
	}
	s.metrics.SetPeersOnline(online)
	// Peers with an explicit policy override but no liveness observation
	// yet (never pinged) would otherwise be invisible.
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p.Pubkey] = true
	}
	for pubkey, eff := range policies {
		if seen[pubkey] {
			continue
		}
		out = append(out, peerView{
			Pubkey:           pubkey,
			EffectiveSend:    eff.EffectiveSend,
			EffectiveReceive: eff.EffectiveReceive,
			HasOverride:      eff.HasExplicitPolicy,
			Source:           eff.Source,
		})
	}

	util.WriteJSON(w, http.StatusOK, out)
}

// handleSelfPeer serves GET /api/peers/self: this user's group name and
// whether a signer dispatcher is active for them. The group pubkey is not
// included in the response.
func (s *Server) handleSelfPeer(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	_, err := s.nip46Svc.Dispatcher(user.ID)
	active := err == nil
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"groupName": user.GroupName.String,
		"active":    active,
	})
}

type pingRequest struct {
	Pubkey string `json:"pubkey"` // peer pubkey, or "all"
}

// handlePingPeer serves POST /api/peers/ping.
func (s *Server) handlePingPeer(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pubkey == "" {
		util.RespondBadRequest(w, "pubkey is required")
		return
	}
	dispatcher, err := s.nip46Svc.Dispatcher(user.ID)
	if err != nil {
		util.RespondError(w, http.StatusConflict, "no active signer for this user")
		return
	}
	registry, err := s.nip46Svc.Registry(user.ID)
	if err != nil {
		util.RespondInternalError(w, "registry unavailable")
		return
	}
	if err := dispatcher.Ping(r.Context(), registry, req.Pubkey); err != nil {
		util.RespondInternalError(w, "ping failed: "+err.Error())
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type setPolicyRequest struct {
	AllowSend    *bool `json:"allowSend"`
	AllowReceive *bool `json:"allowReceive"`
}

// handleSetPeerPolicy serves PUT /api/peers/{pubkey}/policy.
func (s *Server) handleSetPeerPolicy(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	pubkey := r.PathValue("pubkey")
	var req setPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return
	}
	policyEngine, err := s.nip46Svc.Policy(user.ID)
	if err != nil {
		util.RespondInternalError(w, "policy engine unavailable")
		return
	}
	eff, err := policyEngine.SetPolicy(user.ID, pubkey, req.AllowSend, req.AllowReceive)
	if errors.Is(err, peers.ErrNotFound) {
		util.RespondNotFound(w, "user not found")
		return
	}
	if err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}
	s.bus.Publish(eventbusAdminAction("peer.policy.set", eff))
	util.WriteJSON(w, http.StatusOK, eff)
}

// handleResetPeerPolicy serves DELETE /api/peers/{pubkey}/policy.
func (s *Server) handleResetPeerPolicy(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	pubkey := r.PathValue("pubkey")
	policyEngine, err := s.nip46Svc.Policy(user.ID)
	if err != nil {
		util.RespondInternalError(w, "policy engine unavailable")
		return
	}
	if err := policyEngine.ResetPolicy(user.ID, pubkey); err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}
	s.bus.Publish(eventbusAdminAction("peer.policy.reset", map[string]string{"pubkey": pubkey}))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
