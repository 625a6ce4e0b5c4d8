package store

import (
	"database/sql"
	"encoding/json"
	"errors"
)

type User struct {
	ID              string
	Username        string
	PasswordHash    string
	EncryptionSalt  string
	GroupCredential sql.NullString
	ShareCredential sql.NullString
	GroupName       sql.NullString
	Relays          []string
	PeerPolicies    map[string]PeerPolicy
	DisplayName     sql.NullString
	Role            string
	TransportSecret sql.NullString
	CreatedAt       int64
	UpdatedAt       int64
}

// PeerPolicy mirrors spec.md §3's Peer Policy row, stored as JSON inside
// the owning user's row rather than a separate table — there is no
// cross-user query over policies, so this keeps the schema simple.
type PeerPolicy struct {
	AllowSend    *bool  `json:"allowSend"`
	AllowReceive *bool  `json:"allowReceive"`
	Source       string `json:"source"`
	LastUpdated  int64  `json:"lastUpdated"`
}

// CreateUser inserts a new user row. The caller is responsible for
// determining admin auto-promotion (first user in an empty database).
func (s *Store) CreateUser(id, username, passwordHash, encryptionSalt, role string) (*User, error) {
	now := nowMs()
	_, err := s.db.Exec(
		`INSERT INTO users (id, username, password_hash, encryption_salt, relays, peer_policies, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', '{}', ?, ?, ?)`,
		id, username, passwordHash, encryptionSalt, role, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(id)
}

// CountUsers returns the total number of user rows, used to decide
// first-user admin auto-promotion.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ListActivatableUsers returns every user with both group and share
// credentials stored, for the headless IGLOO_MASTER_KEY startup path
// (Open Question 3's resolution) that activates signers before any
// operator logs in.
func (s *Store) ListActivatableUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id, username, password_hash, encryption_salt, group_credential,
		share_credential, group_name, relays, peer_policies, display_name, role, transport_secret,
		created_at, updated_at FROM users WHERE group_credential IS NOT NULL AND share_credential IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		var relaysJSON, policiesJSON string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.EncryptionSalt, &u.GroupCredential,
			&u.ShareCredential, &u.GroupName, &relaysJSON, &policiesJSON, &u.DisplayName, &u.Role,
			&u.TransportSecret, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(relaysJSON), &u.Relays); err != nil {
			u.Relays = nil
		}
		u.PeerPolicies = map[string]PeerPolicy{}
		_ = json.Unmarshal([]byte(policiesJSON), &u.PeerPolicies)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, username, password_hash, encryption_salt, group_credential,
		share_credential, group_name, relays, peer_policies, display_name, role, transport_secret,
		created_at, updated_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (s *Store) GetUserByID(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, username, password_hash, encryption_salt, group_credential,
		share_credential, group_name, relays, peer_policies, display_name, role, transport_secret,
		created_at, updated_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var relaysJSON, policiesJSON string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.EncryptionSalt, &u.GroupCredential,
		&u.ShareCredential, &u.GroupName, &relaysJSON, &policiesJSON, &u.DisplayName, &u.Role,
		&u.TransportSecret, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(relaysJSON), &u.Relays); err != nil {
		u.Relays = nil
	}
	u.PeerPolicies = map[string]PeerPolicy{}
	_ = json.Unmarshal([]byte(policiesJSON), &u.PeerPolicies)
	return &u, nil
}

// SetCredentials stores encrypted share/group credentials and relay list
// for POST /api/user/credentials.
func (s *Store) SetCredentials(userID, groupCredential, shareCredential, groupName string, relays []string) error {
	relaysJSON, err := json.Marshal(relays)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET group_credential = ?, share_credential = ?, group_name = ?,
		relays = ?, updated_at = ? WHERE id = ?`,
		groupCredential, shareCredential, groupName, string(relaysJSON), nowMs(), userID)
	return err
}

// ClearCredentials removes stored share/group credentials (DELETE
// /api/user/credentials), triggering the caller to stop the signer.
func (s *Store) ClearCredentials(userID string) error {
	_, err := s.db.Exec(`UPDATE users SET group_credential = NULL, share_credential = NULL,
		updated_at = ? WHERE id = ?`, nowMs(), userID)
	return err
}

// SetTransportSecret persists the 32-byte (hex) transport secret used to
// derive the NIP-46 signer keypair.
func (s *Store) SetTransportSecret(userID, secretHex string) error {
	_, err := s.db.Exec(`UPDATE users SET transport_secret = ?, updated_at = ? WHERE id = ?`,
		secretHex, nowMs(), userID)
	return err
}

// SetEncryptionSalt rewrites a user's credential-encryption salt, used when
// re-encrypting credentials after a password change (Testable Property 3).
func (s *Store) SetEncryptionSalt(userID, saltHex string) error {
	_, err := s.db.Exec(`UPDATE users SET encryption_salt = ?, updated_at = ? WHERE id = ?`,
		saltHex, nowMs(), userID)
	return err
}

// SetPasswordHash updates a user's Argon2id password hash.
func (s *Store) SetPasswordHash(userID, hash string) error {
	_, err := s.db.Exec(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, nowMs(), userID)
	return err
}

// SetPeerPolicy upserts an explicit policy override for one peer pubkey.
func (s *Store) SetPeerPolicy(userID, pubkey string, policy PeerPolicy) error {
	u, err := s.GetUserByID(userID)
	if err != nil {
		return err
	}
	u.PeerPolicies[pubkey] = policy
	buf, err := json.Marshal(u.PeerPolicies)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET peer_policies = ?, updated_at = ? WHERE id = ?`,
		string(buf), nowMs(), userID)
	return err
}

// ResetPeerPolicy removes an explicit override, reverting effective values
// to the runtime defaults.
func (s *Store) ResetPeerPolicy(userID, pubkey string) error {
	u, err := s.GetUserByID(userID)
	if err != nil {
		return err
	}
	delete(u.PeerPolicies, pubkey)
	buf, err := json.Marshal(u.PeerPolicies)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET peer_policies = ?, updated_at = ? WHERE id = ?`,
		string(buf), nowMs(), userID)
	return err
}

// SetRelays replaces a user's relay list, used when connectFromUri merges
// newly-discovered relays into the set.
func (s *Store) SetRelays(userID string, relays []string) error {
	buf, err := json.Marshal(relays)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET relays = ?, updated_at = ? WHERE id = ?`,
		string(buf), nowMs(), userID)
	return err
}
