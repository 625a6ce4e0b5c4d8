// Package nip46 implements the NIP-46 Session Service from spec.md §4.3:
// one (signer, agent) pair per active user, subscribed over
// internal/relay to handle nostrconnect onboarding and signer requests.
package nip46

import "encoding/json"

// Request is the decrypted JSON-RPC body of an inbound kind 24133 event.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is the JSON-RPC body sent back, encrypted, to the client.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UnsignedEventTemplate is the payload of a sign_event request: the
// client-supplied event with pubkey omitted (the signer fills it in).
type UnsignedEventTemplate struct {
	Kind      int             `json:"kind"`
	Content   string          `json:"content"`
	Tags      json.RawMessage `json:"tags"`
	CreatedAt int64           `json:"created_at"`
}

// Profile is the client-presented identity from a connect string, stored
// on the session row.
type Profile struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Image string `json:"image"`
}

// ConnectParams is connectFromUri's decoded nostrconnect:// payload.
type ConnectParams struct {
	ClientPubkey    string
	Relays          []string
	Secret          string
	Profile         Profile
	RequestedPolicy RequestedPolicy
}

// RequestedPolicy is the client's requested permission set, parsed from
// a connect string's `perms` query parameter (`method[:kind],...`).
type RequestedPolicy struct {
	Methods map[string]bool
	Kinds   map[string]bool
}

// InvalidConnectString is returned when a nostrconnect:// URI fails
// validation (spec.md §4.3).
type InvalidConnectString struct {
	Reason string
}

func (e *InvalidConnectString) Error() string {
	return "nip46: invalid connect string: " + e.Reason
}
