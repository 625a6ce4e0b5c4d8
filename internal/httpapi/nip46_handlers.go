package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/skip2/go-qrcode"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nip46"
	"github.com/FROSTR-ORG/igloo-signerd/internal/util"
)

type connectResponse struct {
	ClientPubkey string   `json:"clientPubkey"`
	Relays       []string `json:"relays"`
	Profile      struct {
		Name  string `json:"name"`
		URL   string `json:"url"`
		Image string `json:"image"`
	} `json:"profile"`
}

// handleNip46Connect serves GET /api/nip46/connect?uri=nostrconnect://...:
// a client app presents this daemon with its pairing URI (scanned from a
// QR code or pasted in), and this files a pending Nip46Session carrying
// the client's requested policy for the admin surface to review.
func (s *Server) handleNip46Connect(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		util.RespondBadRequest(w, "uri is required")
		return
	}

	params, err := s.nip46Svc.ConnectFromUri(r.Context(), user.ID, uri)
	var invalid *nip46.InvalidConnectString
	if errors.As(err, &invalid) {
		util.RespondBadRequest(w, err.Error())
		return
	}
	if errors.Is(err, nip46.ErrNoActiveUser) {
		util.RespondError(w, http.StatusConflict, "no active signer for this user")
		return
	}
	if err != nil {
		util.RespondInternalError(w, "failed to process connect uri")
		return
	}

	s.bus.Publish(eventbusAdminAction("nip46.connect", map[string]string{
		"userId":       user.ID,
		"clientPubkey": params.ClientPubkey,
	}))

	resp := connectResponse{ClientPubkey: params.ClientPubkey, Relays: params.Relays}
	resp.Profile.Name = params.Profile.Name
	resp.Profile.URL = params.Profile.URL
	resp.Profile.Image = params.Profile.Image
	util.WriteJSON(w, http.StatusOK, resp)
}

// handleNip46Pairing serves GET /api/nip46/pairing: this user's
// bunker:// self-advertisement URI plus a QR code rendering of it, for a
// NIP-46 client that prefers to scan the signer's address rather than
// presenting its own nostrconnect:// string.
func (s *Server) handleNip46Pairing(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	uri, err := s.nip46Svc.BunkerURI(user.ID)
	if errors.Is(err, nip46.ErrNoActiveUser) {
		util.RespondError(w, http.StatusConflict, "no active signer for this user")
		return
	}
	if err != nil {
		util.RespondInternalError(w, "failed to build pairing uri")
		return
	}
	qr := ""
	if png, err := qrcode.Encode(uri, qrcode.Medium, 256); err == nil {
		qr = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{
		"uri":           uri,
		"qrCodeDataUrl": qr,
	})
}

type pendingRequestView struct {
	ID            string `json:"id"`
	SessionPubkey string `json:"sessionPubkey"`
	Method        string `json:"method"`
	Payload       string `json:"payload"`
	CreatedAt     int64  `json:"createdAt"`
}

// handleListPendingRequests serves GET /api/nip46/requests: every
// Nip46Request still awaiting a manual approve/deny for the caller.
func (s *Server) handleListPendingRequests(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	rows, err := s.nip46Svc.ListPendingRequests(user.ID)
	if err != nil {
		util.RespondInternalError(w, "failed to list pending requests")
		return
	}
	out := make([]pendingRequestView, 0, len(rows))
	for _, row := range rows {
		out = append(out, pendingRequestView{
			ID:            row.ID,
			SessionPubkey: row.SessionPubkey,
			Method:        row.Method,
			Payload:       row.Payload,
			CreatedAt:     row.CreatedAt,
		})
	}
	util.WriteJSON(w, http.StatusOK, out)
}

// handleApproveRequest serves POST /api/nip46/requests/{id}/approve.
func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := r.PathValue("id")
	if err := s.nip46Svc.ApproveRequest(r.Context(), user.ID, id); err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}
	s.bus.Publish(eventbusAdminAction("nip46.request.approve", map[string]string{"requestId": id}))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleDenyRequest serves POST /api/nip46/requests/{id}/deny.
func (s *Server) handleDenyRequest(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := r.PathValue("id")
	if err := s.nip46Svc.DenyRequest(user.ID, id); err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}
	s.bus.Publish(eventbusAdminAction("nip46.request.deny", map[string]string{"requestId": id}))
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
