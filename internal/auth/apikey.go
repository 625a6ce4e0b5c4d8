package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"

	"github.com/FROSTR-ORG/igloo-signerd/internal/store"
)

// ErrKeyRevoked / ErrKeyNotFound let callers fold into the uniform
// AuthFailure response while still logging the specific cause.
var (
	ErrKeyRevoked  = errors.New("auth: api key revoked")
	ErrKeyNotFound = errors.New("auth: api key not found")
)

type APIKeyManager struct {
	store *store.Store
}

func NewAPIKeyManager(st *store.Store) *APIKeyManager {
	return &APIKeyManager{store: st}
}

// Issue generates a 64-hex-char CSPRNG token, stores its 12-char prefix and
// SHA-256 hash, and returns the full token (shown to the caller exactly
// once) alongside the persisted row.
func (m *APIKeyManager) Issue(label, createdByUserID string, createdByAdmin bool) (token string, key *store.APIKey, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token = hex.EncodeToString(raw)
	prefix := token[:12]
	hash := sha256Hex(token)

	key, err = m.store.CreateAPIKey(uuid.NewString(), prefix, hash, label, createdByUserID, createdByAdmin)
	if err != nil {
		return "", nil, err
	}
	return token, key, nil
}

// Verify looks up a presented token by its prefix, constant-time-compares
// the SHA-256 hash, and rejects revoked keys.
func (m *APIKeyManager) Verify(token string) (*store.APIKey, error) {
	if len(token) < 12 {
		return nil, ErrKeyNotFound
	}
	prefix := token[:12]
	key, err := m.store.GetAPIKeyByPrefix(prefix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if key.RevokedAt.Valid {
		return nil, ErrKeyRevoked
	}

	want, err := hex.DecodeString(key.TokenHash)
	if err != nil || len(want) != 32 {
		return nil, ErrKeyNotFound
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (m *APIKeyManager) Touch(keyID, ip string) error {
	return m.store.TouchAPIKey(keyID, ip)
}

// Revoke marks a key revoked. Per Open Question 2, this never touches
// session rows — key and session lifecycles are independent.
func (m *APIKeyManager) Revoke(keyID, reason string) error {
	return m.store.RevokeAPIKey(keyID, reason)
}

func (m *APIKeyManager) List() ([]*store.APIKey, error) {
	return m.store.ListAPIKeys()
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
