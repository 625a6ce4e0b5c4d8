package store

import (
	"database/sql"
	"errors"
)

type Session struct {
	ID         string
	UserID     string
	IPAddress  string
	CreatedAt  int64
	LastAccess int64
}

func (s *Store) CreateSession(id, userID, ip string) (*Session, error) {
	now := nowMs()
	_, err := s.db.Exec(`INSERT INTO sessions (id, user_id, ip_address, created_at, last_access)
		VALUES (?, ?, ?, ?, ?)`, id, userID, ip, now, now)
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, UserID: userID, IPAddress: ip, CreatedAt: now, LastAccess: now}, nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(`SELECT id, user_id, ip_address, created_at, last_access FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.CreatedAt, &sess.LastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchSession updates last_access to now.
func (s *Store) TouchSession(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET last_access = ? WHERE id = ?`, nowMs(), id)
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

func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// SweepExpiredSessions removes sessions idle longer than ttlMs and returns
// their ids so in-memory caches can be invalidated.
func (s *Store) SweepExpiredSessions(ttlMs int64) ([]string, error) {
	cutoff := nowMs() - ttlMs
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE last_access < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.Exec(`DELETE FROM sessions WHERE last_access < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
