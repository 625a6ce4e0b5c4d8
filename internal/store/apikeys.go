package store

import (
	"database/sql"
	"errors"
)

type APIKey struct {
	ID              string
	Prefix          string
	TokenHash       string
	Label           sql.NullString
	CreatedByUserID sql.NullString
	CreatedByAdmin  bool
	CreatedAt       int64
	LastUsedAt      sql.NullInt64
	LastUsedIP      sql.NullString
	RevokedAt       sql.NullInt64
	RevokedReason   sql.NullString
}

func (s *Store) CreateAPIKey(id, prefix, tokenHash, label, createdByUserID string, createdByAdmin bool) (*APIKey, error) {
	now := nowMs()
	_, err := s.db.Exec(`INSERT INTO api_keys (id, prefix, token_hash, label, created_by_user_id,
		created_by_admin, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, prefix, tokenHash, nullable(label), nullable(createdByUserID), createdByAdmin, now)
	if err != nil {
		return nil, err
	}
	return s.GetAPIKeyByID(id)
}

func (s *Store) GetAPIKeyByPrefix(prefix string) (*APIKey, error) {
	row := s.db.QueryRow(`SELECT id, prefix, token_hash, label, created_by_user_id, created_by_admin,
		created_at, last_used_at, last_used_ip, revoked_at, revoked_reason FROM api_keys WHERE prefix = ?`, prefix)
	return scanAPIKey(row)
}

func (s *Store) GetAPIKeyByID(id string) (*APIKey, error) {
	row := s.db.QueryRow(`SELECT id, prefix, token_hash, label, created_by_user_id, created_by_admin,
		created_at, last_used_at, last_used_ip, revoked_at, revoked_reason FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

func (s *Store) ListAPIKeys() ([]*APIKey, error) {
	rows, err := s.db.Query(`SELECT id, prefix, token_hash, label, created_by_user_id, created_by_admin,
		created_at, last_used_at, last_used_ip, revoked_at, revoked_reason FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Prefix, &k.TokenHash, &k.Label, &k.CreatedByUserID, &k.CreatedByAdmin,
			&k.CreatedAt, &k.LastUsedAt, &k.LastUsedIP, &k.RevokedAt, &k.RevokedReason); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.Prefix, &k.TokenHash, &k.Label, &k.CreatedByUserID, &k.CreatedByAdmin,
		&k.CreatedAt, &k.LastUsedAt, &k.LastUsedIP, &k.RevokedAt, &k.RevokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) TouchAPIKey(id, ip string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ?, last_used_ip = ? WHERE id = ?`,
		nowMs(), ip, id)
	return err
}

func (s *Store) RevokeAPIKey(id, reason string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET revoked_at = ?, revoked_reason = ? WHERE id = ? AND revoked_at IS NULL`,
		nowMs(), reason, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
