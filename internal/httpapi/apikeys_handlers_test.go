package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

func TestHandleCreateAndListAPIKeys(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/api-keys", `{"label":"ci-bot"}`, cookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	var token string
	if err := json.Unmarshal(created["token"], &token); err != nil || token == "" {
		t.Fatalf("expected a non-empty token, got %v", created["token"])
	}

	listRec := doJSON(t, handler, http.MethodGet, "/api/admin/api-keys", "", cookie)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
	var keys []*store.APIKey
	if err := json.Unmarshal(listRec.Body.Bytes(), &keys); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(keys) != 1 || keys[0].Label.String != "ci-bot" {
		t.Errorf("expected one ci-bot key, got %+v", keys)
	}

	verified, err := fx.apikeys.Verify(token)
	if err != nil || verified.Label.String != "ci-bot" {
		t.Errorf("expected the issued token to verify against the ci-bot key, got %+v, %v", verified, err)
	}
}

func TestHandleRevokeAPIKey(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/api-keys", `{"label":"ci-bot"}`, cookie)
	var created struct {
		Key *store.APIKey `json:"key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	revokeRec := doJSON(t, handler, http.MethodPost, "/api/admin/api-keys/revoke",
		`{"keyId":"`+created.Key.ID+`","reason":"rotated"}`, cookie)
	if revokeRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", revokeRec.Code, revokeRec.Body.String())
	}
}

func TestHandleRevokeAPIKeyRejectsMissingID(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/api-keys/revoke", `{}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing keyId, got %d", rec.Code)
	}
}

func TestHandleCreateAPIKeyRejectsMissingLabel(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/api-keys", `{}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing label, got %d", rec.Code)
	}
}
