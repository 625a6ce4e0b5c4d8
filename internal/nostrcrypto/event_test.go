package nostrcrypto

import (
	"encoding/hex"
	"testing"
)

func TestEventHashIsDeterministic(t *testing.T) {
	evt := UnsignedEvent{
		PubKey:    testXOnlyPubkey,
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"p", testXOnlyPubkey}},
		Content:   "hello",
	}
	a := EventHash(evt)
	b := EventHash(evt)
	if a != b {
		t.Error("expected EventHash to be deterministic for identical input")
	}
}

func TestEventHashChangesWithContent(t *testing.T) {
	base := UnsignedEvent{PubKey: testXOnlyPubkey, CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	changed := base
	changed.Content = "goodbye"

	if EventHash(base) == EventHash(changed) {
		t.Error("expected different content to produce a different hash")
	}
}

func TestEventHashHexMatchesEventHash(t *testing.T) {
	evt := UnsignedEvent{PubKey: testXOnlyPubkey, CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	raw := EventHash(evt)
	hexStr := EventHashHex(evt)
	if len(hexStr) != 64 {
		t.Fatalf("expected 64-char hex id, got %d chars", len(hexStr))
	}
	if hexStr != hex.EncodeToString(raw[:]) {
		t.Error("expected EventHashHex to encode the same bytes as EventHash")
	}
}

func TestEventHashEscapesContentSpecialCharacters(t *testing.T) {
	evt := UnsignedEvent{PubKey: testXOnlyPubkey, CreatedAt: 1700000000, Kind: 1, Content: "quote\"and\\backslash"}
	// Must not panic and must produce a stable, non-empty hash for content
	// that requires JSON escaping in the canonical serialization.
	h := EventHash(evt)
	var zero [32]byte
	if h == zero {
		t.Error("expected a non-zero hash")
	}
}
