package peers

import (
	"path/filepath"
	"testing"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

func TestEnsureKnownAndGet(t *testing.T) {
	r := NewRegistry()
	norm, err := r.EnsureKnown("02" + testPubkey)
	if err != nil {
		t.Fatalf("EnsureKnown: %v", err)
	}
	if norm != testPubkey {
		t.Errorf("expected normalized pubkey %s, got %s", testPubkey, norm)
	}

	status, ok := r.Get(testPubkey)
	if !ok {
		t.Fatal("expected peer to be known")
	}
	if status.Online {
		t.Error("expected a freshly-registered peer to not be online")
	}
}

func TestObservePingMarksOnline(t *testing.T) {
	r := NewRegistry()
	latency := int64(42)
	if err := r.ObservePing(testPubkey, &latency, nil); err != nil {
		t.Fatalf("ObservePing: %v", err)
	}

	status, ok := r.Get(testPubkey)
	if !ok {
		t.Fatal("expected peer to be known after ObservePing")
	}
	if !status.Online {
		t.Error("expected peer to be online")
	}
	if status.LatencyMs != 42 {
		t.Errorf("expected latency 42, got %d", status.LatencyMs)
	}
}

func TestRecordPingAttemptFailureDoesNotFlipOffline(t *testing.T) {
	r := NewRegistry()
	latency := int64(1)
	if err := r.ObservePing(testPubkey, &latency, nil); err != nil {
		t.Fatalf("ObservePing: %v", err)
	}

	if err := r.RecordPingAttempt(testPubkey, false); err != nil {
		t.Fatalf("RecordPingAttempt: %v", err)
	}

	status, ok := r.Get(testPubkey)
	if !ok {
		t.Fatal("expected peer to be known")
	}
	if !status.Online {
		t.Error("a single failed ping attempt must not mark a peer offline")
	}
}

func TestListAndPubkeys(t *testing.T) {
	r := NewRegistry()
	if _, err := r.EnsureKnown(testPubkey); err != nil {
		t.Fatalf("EnsureKnown: %v", err)
	}

	if len(r.List()) != 1 {
		t.Errorf("expected 1 peer, got %d", len(r.List()))
	}
	pubkeys := r.Pubkeys()
	if len(pubkeys) != 1 || pubkeys[0] != testPubkey {
		t.Errorf("expected [%s], got %v", testPubkey, pubkeys)
	}
}

func TestGetUnknownPeer(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(testPubkey); ok {
		t.Error("expected unknown peer to return ok=false")
	}
}

func newTestStoreForRegistry(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateUser("user-1", "alice", "hash", "salt", "admin"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return st
}

func TestPersistentRegistryWritesBehindOnObservePing(t *testing.T) {
	st := newTestStoreForRegistry(t)
	r := NewPersistentRegistry(st, "user-1")

	latency := int64(17)
	if err := r.ObservePing(testPubkey, &latency, nil); err != nil {
		t.Fatalf("ObservePing: %v", err)
	}

	rows, err := st.ListPeerStatus("user-1")
	if err != nil {
		t.Fatalf("ListPeerStatus: %v", err)
	}
	if len(rows) != 1 || rows[0].Pubkey != testPubkey {
		t.Fatalf("expected one persisted row for %s, got %+v", testPubkey, rows)
	}
	if !rows[0].Online {
		t.Error("expected the persisted row to be online")
	}
	if !rows[0].LatencyMs.Valid || rows[0].LatencyMs.Int64 != 17 {
		t.Errorf("expected persisted latency 17, got %+v", rows[0].LatencyMs)
	}
}

func TestPersistentRegistryLoadsExistingStatusOnConstruction(t *testing.T) {
	st := newTestStoreForRegistry(t)
	lastSeen := int64(1000)
	latency := int64(5)
	if err := st.UpsertPeerStatus("user-1", testPubkey, true, &lastSeen, &latency, nil); err != nil {
		t.Fatalf("UpsertPeerStatus: %v", err)
	}

	r := NewPersistentRegistry(st, "user-1")
	status, ok := r.Get(testPubkey)
	if !ok {
		t.Fatal("expected the registry to load the persisted peer on construction")
	}
	if !status.Online || status.LatencyMs != 5 {
		t.Errorf("expected loaded status to match the persisted row, got %+v", status)
	}
}

func TestPlainRegistryNeverPersists(t *testing.T) {
	r := NewRegistry()
	latency := int64(1)
	if err := r.ObservePing(testPubkey, &latency, nil); err != nil {
		t.Fatalf("ObservePing: %v", err)
	}
	if r.store != nil {
		t.Error("expected a plain registry to carry no store reference")
	}
}
