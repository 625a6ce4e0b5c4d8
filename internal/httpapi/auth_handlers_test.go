package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestHandleLoginSucceeds(t *testing.T) {
	fx := newTestFixture(t)
	if _, err := fx.users.CreateUser("alice", "correct horse battery staple", "admin"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login",
		`{"username":"alice","password":"correct horse battery staple"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Username != "alice" || resp.Role != "admin" {
		t.Errorf("unexpected login response: %+v", resp)
	}

	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			found = true
		}
	}
	if !found {
		t.Error("expected a session cookie to be set")
	}
}

func TestHandleLoginRejectsWrongPassword(t *testing.T) {
	fx := newTestFixture(t)
	if _, err := fx.users.CreateUser("alice", "correct horse battery staple", "admin"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wrong"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLoginRejectsMissingFields(t *testing.T) {
	fx := newTestFixture(t)
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", `{"username":"alice"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleLogoutClearsSession(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "alice", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec2 := doJSON(t, handler, http.MethodPost, "/api/user/password",
		`{"currentPassword":"password1234","newPassword":"newpassword1234"}`, cookie)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("expected the session to be invalid after logout, got %d", rec2.Code)
	}
}

func TestHandleChangePasswordRequiresCurrentPassword(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "alice", "password1234", "admin")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/user/password",
		`{"currentPassword":"wrong","newPassword":"newpassword1234"}`, cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a wrong current password, got %d", rec.Code)
	}
}

func TestHandleChangePasswordSucceedsAndFlagsReupload(t *testing.T) {
	fx := newTestFixture(t)
	user, cookie := fx.createUserAndLogin(t, "alice", "password1234", "admin")
	if err := fx.store.SetCredentials(user.ID, "enc-group", "enc-share", "grp", nil); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/user/password",
		`{"currentPassword":"password1234","newPassword":"newpassword1234"}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if need, _ := resp["credentialsNeedReupload"].(bool); !need {
		t.Errorf("expected credentialsNeedReupload=true, got %+v", resp)
	}
}

func TestRequireSessionRejectsMissingCookie(t *testing.T) {
	fx := newTestFixture(t)
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/env", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a session cookie, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsNonAdminRole(t *testing.T) {
	fx := newTestFixture(t)
	_, cookie := fx.createUserAndLogin(t, "bob", "password1234", "user")
	handler := fx.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/env", `{}`, cookie)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-admin role, got %d", rec.Code)
	}
}
