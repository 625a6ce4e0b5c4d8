package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/FROSTR-ORG/igloo-signerd/internal/config"
)

func TestHandleGetEnvReturnsSnapshot(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "alice", "password1234", "user")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/env", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap config.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.SignTimeoutMs == 0 {
		t.Error("expected a nonzero default sign timeout in the snapshot")
	}
}

func TestHandlePatchEnvRequiresAdmin(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "alice", "password1234", "user")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/env", `{"sessionTimeoutSeconds":120}`, cookie)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-admin, got %d", rec.Code)
	}
}

func TestHandlePatchEnvAppliesChange(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/env", `{"sessionTimeoutSeconds":120}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap config.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.SessionTimeoutSeconds != 120 {
		t.Errorf("expected sessionTimeoutSeconds=120, got %d", snap.SessionTimeoutSeconds)
	}
}

func TestHandlePatchEnvRejectsOutOfRangeValue(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/env", `{"sessionTimeoutSeconds":999999999}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an out-of-range value, got %d", rec.Code)
	}
}

func TestHandleDeleteEnvResetsKey(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	doJSON(t, handler, http.MethodPost, "/api/env", `{"sessionTimeoutSeconds":120}`, cookie)
	rec := doJSON(t, handler, http.MethodPost, "/api/env/delete", `{"keys":["sessionTimeoutSeconds"]}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap config.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.SessionTimeoutSeconds != 3600 {
		t.Errorf("expected the default 3600s after reset, got %d", snap.SessionTimeoutSeconds)
	}
}

func TestHandleDeleteEnvRejectsEmptyKeys(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "admin", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/env/delete", `{"keys":[]}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an empty keys list, got %d", rec.Code)
	}
}
