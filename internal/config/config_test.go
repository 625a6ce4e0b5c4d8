package config

import (
	"encoding/json"
	"testing"
)

func TestLoadRuntimeDefaults(t *testing.T) {
	t.Setenv("RELAYS", "")
	t.Setenv("SESSION_TIMEOUT", "")
	t.Setenv("RATE_LIMIT_MAX", "")

	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	snap := r.Snapshot()
	if len(snap.Relays) == 0 {
		t.Error("expected default relays to be populated")
	}
	if snap.SessionTimeoutSeconds != 3600 {
		t.Errorf("expected default session timeout 3600, got %d", snap.SessionTimeoutSeconds)
	}
	if !snap.DefaultAllowSend || !snap.DefaultAllowReceive {
		t.Error("expected default policy to allow both directions")
	}
}

func TestLoadRuntimeRejectsOutOfRangeValues(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "1") // below the 60s floor
	if _, err := LoadRuntime(); err == nil {
		t.Error("expected an error for an out-of-range SESSION_TIMEOUT")
	}
}

func TestLoadRuntimeParsesCSVRelays(t *testing.T) {
	t.Setenv("RELAYS", "wss://a.example, wss://b.example")
	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	relays := r.GetRelays()
	if len(relays) != 2 || relays[0] != "wss://a.example" || relays[1] != "wss://b.example" {
		t.Errorf("got %v", relays)
	}
}

func TestLoadRuntimeParsesJSONRelays(t *testing.T) {
	t.Setenv("RELAYS", `["wss://a.example","wss://b.example"]`)
	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	relays := r.GetRelays()
	if len(relays) != 2 {
		t.Errorf("expected 2 relays, got %v", relays)
	}
}

func TestRuntimePatchAppliesClampedValues(t *testing.T) {
	t.Setenv("RELAYS", "")
	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}

	patch := map[string]json.RawMessage{
		"sessionTimeoutSeconds": json.RawMessage(`120`),
		"rateLimitEnabled":      json.RawMessage(`false`),
	}
	if err := r.Patch(patch); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	snap := r.Snapshot()
	if snap.SessionTimeoutSeconds != 120 {
		t.Errorf("expected 120, got %d", snap.SessionTimeoutSeconds)
	}
	if snap.RateLimitEnabled {
		t.Error("expected rateLimitEnabled=false after patch")
	}
}

func TestRuntimePatchRejectsOutOfRangeValue(t *testing.T) {
	t.Setenv("RELAYS", "")
	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}

	patch := map[string]json.RawMessage{
		"sessionTimeoutSeconds": json.RawMessage(`5`),
	}
	if err := r.Patch(patch); err == nil {
		t.Error("expected an error for an out-of-range patch value")
	}
}

func TestRuntimeDeleteResetsToDefault(t *testing.T) {
	t.Setenv("RELAYS", "")
	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	if err := r.Patch(map[string]json.RawMessage{"sessionTimeoutSeconds": json.RawMessage(`120`)}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if err := r.Delete([]string{"sessionTimeoutSeconds"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if r.Snapshot().SessionTimeoutSeconds != 3600 {
		t.Errorf("expected reset to default 3600, got %d", r.Snapshot().SessionTimeoutSeconds)
	}
}
