package nip46

import (
	"net/url"
	"strings"

	"github.com/FROSTR-ORG/igloo-signerd/internal/nostr"
	"github.com/FROSTR-ORG/igloo-signerd/internal/nostrcrypto"
)

// ParseConnectURI decodes a `nostrconnect://<client-pubkey>?relay=...&
// secret=...&name=...&url=...&image=...&perms=method:kind,method2` string,
// the inverse of the teacher's GenerateNostrConnectURL (there the daemon
// played the client requesting a bunker connection; here it is the
// bunker, decoding a URI a client handed it).
func ParseConnectURI(uri string) (ConnectParams, error) {
	if !strings.HasPrefix(uri, "nostrconnect://") {
		return ConnectParams{}, &InvalidConnectString{Reason: "missing nostrconnect:// scheme"}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return ConnectParams{}, &InvalidConnectString{Reason: "malformed uri: " + err.Error()}
	}

	clientPubkey, err := nostrcrypto.NormalizePubkey(u.Host)
	if err != nil {
		return ConnectParams{}, &InvalidConnectString{Reason: "client_pubkey must be 64-char normalized hex"}
	}

	q := u.Query()
	var relays []string
	for _, r := range q["relay"] {
		norm := nostr.NormalizeRelayURL(r)
		if norm == "" {
			return ConnectParams{}, &InvalidConnectString{Reason: "invalid relay url: " + r}
		}
		relays = append(relays, norm)
	}

	params := ConnectParams{
		ClientPubkey: clientPubkey,
		Relays:       relays,
		Secret:       q.Get("secret"),
		Profile: Profile{
			Name:  q.Get("name"),
			URL:   q.Get("url"),
			Image: q.Get("image"),
		},
		RequestedPolicy: parsePerms(q.Get("perms")),
	}
	return params, nil
}

// parsePerms decodes `sign_event:1,sign_event:0,get_public_key` into a
// methods/kinds policy map. A bare method with no `:kind` suffix sets
// only the method flag; `sign_event:<kind>` also flags that kind.
func parsePerms(raw string) RequestedPolicy {
	policy := RequestedPolicy{Methods: map[string]bool{}, Kinds: map[string]bool{}}
	if raw == "" {
		return policy
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		method := parts[0]
		policy.Methods[method] = true
		if len(parts) == 2 && parts[1] != "" {
			policy.Kinds[parts[1]] = true
		}
	}
	return policy
}
