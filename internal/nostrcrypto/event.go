package nostrcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// UnsignedEvent is the subset of NIP-01 fields needed to compute an event
// id hash before a signature exists.
type UnsignedEvent struct {
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      [][]string
	Content   string
}

// EventHash computes the canonical NIP-01 event id:
// sha256(serialize([0, pubkey, created_at, kind, tags, content])).
func EventHash(evt UnsignedEvent) [32]byte {
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,"%s"]`,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		mustJSON(evt.Tags),
		escapeJSONString(evt.Content),
	)
	return sha256.Sum256([]byte(serialized))
}

// EventHashHex is EventHash encoded as the 64-char hex event id string.
func EventHashHex(evt UnsignedEvent) string {
	h := EventHash(evt)
	return hex.EncodeToString(h[:])
}

func mustJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// escapeJSONString returns s's JSON string encoding without the
// surrounding quotes, matching the escaping NIP-01 canonical
// serialization requires for the content field.
func escapeJSONString(s string) string {
	b, err := json.Marshal(s)
	if err != nil || len(b) < 2 {
		return s
	}
	return string(b[1 : len(b)-1])
}
