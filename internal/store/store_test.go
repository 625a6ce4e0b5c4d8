package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetUser(t *testing.T) {
	st := newTestStore(t)

	u, err := st.CreateUser("user-1", "alice", "hash", "salt", "admin")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Username != "alice" || u.Role != "admin" {
		t.Errorf("got %+v", u)
	}

	got, err := st.GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got.ID != "user-1" {
		t.Errorf("expected user-1, got %s", got.ID)
	}

	if _, err := st.GetUserByUsername("nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountUsers(t *testing.T) {
	st := newTestStore(t)

	n, err := st.CountUsers()
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 users, got %d", n)
	}

	if _, err := st.CreateUser("user-1", "alice", "hash", "salt", "user"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	n, err = st.CountUsers()
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 user, got %d", n)
	}
}

func TestSetAndClearCredentials(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateUser("user-1", "alice", "hash", "salt", "user"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	relays := []string{"wss://relay.example"}
	if err := st.SetCredentials("user-1", "encrypted-group", "encrypted-share", "my-group", relays); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	u, err := st.GetUserByID("user-1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if !u.GroupCredential.Valid || u.GroupCredential.String != "encrypted-group" {
		t.Errorf("expected group credential set, got %+v", u.GroupCredential)
	}
	if len(u.Relays) != 1 || u.Relays[0] != "wss://relay.example" {
		t.Errorf("expected relays to round-trip, got %v", u.Relays)
	}

	if err := st.ClearCredentials("user-1"); err != nil {
		t.Fatalf("ClearCredentials: %v", err)
	}
	u, err = st.GetUserByID("user-1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if u.GroupCredential.Valid || u.ShareCredential.Valid {
		t.Errorf("expected credentials cleared, got %+v", u)
	}
}

func TestListActivatableUsers(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateUser("user-1", "alice", "hash", "salt", "user"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := st.CreateUser("user-2", "bob", "hash", "salt", "user"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	out, err := st.ListActivatableUsers()
	if err != nil {
		t.Fatalf("ListActivatableUsers: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected no activatable users before credentials are set, got %d", len(out))
	}

	if err := st.SetCredentials("user-1", "g", "s", "group", nil); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	out, err = st.ListActivatableUsers()
	if err != nil {
		t.Fatalf("ListActivatableUsers: %v", err)
	}
	if len(out) != 1 || out[0].ID != "user-1" {
		t.Errorf("expected exactly user-1, got %+v", out)
	}
}

func TestSetAndResetPeerPolicy(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateUser("user-1", "alice", "hash", "salt", "user"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	allowSend := true
	allowReceive := false
	policy := PeerPolicy{AllowSend: &allowSend, AllowReceive: &allowReceive, Source: "manual", LastUpdated: 1000}
	if err := st.SetPeerPolicy("user-1", "peerpubkey", policy); err != nil {
		t.Fatalf("SetPeerPolicy: %v", err)
	}

	u, err := st.GetUserByID("user-1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	got, ok := u.PeerPolicies["peerpubkey"]
	if !ok {
		t.Fatal("expected peer policy to be stored")
	}
	if got.AllowSend == nil || *got.AllowSend != true {
		t.Errorf("expected AllowSend=true, got %+v", got)
	}

	if err := st.ResetPeerPolicy("user-1", "peerpubkey"); err != nil {
		t.Fatalf("ResetPeerPolicy: %v", err)
	}
	u, err = st.GetUserByID("user-1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if _, ok := u.PeerPolicies["peerpubkey"]; ok {
		t.Error("expected peer policy to be removed after reset")
	}
}
