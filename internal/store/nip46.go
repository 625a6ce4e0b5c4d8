package store

import (
	"database/sql"
	"encoding/json"
	"errors"
)

const (
	Nip46StatusPending = "pending"
	Nip46StatusActive  = "active"
	Nip46StatusRevoked = "revoked"
)

type Nip46Policy struct {
	Methods map[string]bool `json:"methods"`
	Kinds   map[string]bool `json:"kinds"`
}

type Nip46Session struct {
	ID            string
	UserID        string
	ClientPubkey  string
	Status        string
	ProfileName   sql.NullString
	ProfileURL    sql.NullString
	ProfileImage  sql.NullString
	Relays        []string
	Policy        Nip46Policy
	CreatedAt     int64
	UpdatedAt     int64
	LastActiveAt  sql.NullInt64
}

// UpsertNip46Session creates a pending session or refreshes an existing
// one's status/last_active_at, per spec.md §4.3's request-intake step 1.
func (s *Store) UpsertNip46Session(id, userID, clientPubkey, status string, relays []string, policy Nip46Policy) (*Nip46Session, error) {
	existing, err := s.GetNip46SessionByClientPubkey(userID, clientPubkey)
	now := nowMs()
	if errors.Is(err, ErrNotFound) {
		relaysJSON, _ := json.Marshal(relays)
		policyJSON, _ := json.Marshal(policy)
		_, err := s.db.Exec(`INSERT INTO nip46_sessions (id, user_id, client_pubkey, status, relays, policy,
			created_at, updated_at, last_active_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, userID, clientPubkey, status, string(relaysJSON), string(policyJSON), now, now, now)
		if err != nil {
			return nil, err
		}
		return s.GetNip46SessionByID(id)
	}
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`UPDATE nip46_sessions SET status = ?, updated_at = ?, last_active_at = ? WHERE id = ?`,
		status, now, now, existing.ID)
	if err != nil {
		return nil, err
	}
	return s.GetNip46SessionByID(existing.ID)
}

func (s *Store) GetNip46SessionByID(id string) (*Nip46Session, error) {
	row := s.db.QueryRow(nip46SessionSelect+` WHERE id = ?`, id)
	return scanNip46Session(row)
}

func (s *Store) GetNip46SessionByClientPubkey(userID, clientPubkey string) (*Nip46Session, error) {
	row := s.db.QueryRow(nip46SessionSelect+` WHERE user_id = ? AND client_pubkey = ?`, userID, clientPubkey)
	return scanNip46Session(row)
}

func (s *Store) ListNip46Sessions(userID string) ([]*Nip46Session, error) {
	rows, err := s.db.Query(nip46SessionSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Nip46Session
	for rows.Next() {
		sess, err := scanNip46SessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const nip46SessionSelect = `SELECT id, user_id, client_pubkey, status, profile_name, profile_url, profile_image,
	relays, policy, created_at, updated_at, last_active_at FROM nip46_sessions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNip46Session(row *sql.Row) (*Nip46Session, error) {
	sess, err := scanNip46SessionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanNip46SessionRows(row scanner) (*Nip46Session, error) {
	var sess Nip46Session
	var relaysJSON, policyJSON string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ClientPubkey, &sess.Status, &sess.ProfileName,
		&sess.ProfileURL, &sess.ProfileImage, &relaysJSON, &policyJSON, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.LastActiveAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(relaysJSON), &sess.Relays)
	sess.Policy = Nip46Policy{Methods: map[string]bool{}, Kinds: map[string]bool{}}
	_ = json.Unmarshal([]byte(policyJSON), &sess.Policy)
	return &sess, nil
}

func (s *Store) SetNip46SessionPolicy(id string, policy Nip46Policy) error {
	buf, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE nip46_sessions SET policy = ?, updated_at = ? WHERE id = ?`,
		string(buf), nowMs(), id)
	return err
}

func (s *Store) SetNip46SessionProfile(id, name, url, image string) error {
	_, err := s.db.Exec(`UPDATE nip46_sessions SET profile_name = ?, profile_url = ?, profile_image = ?,
		updated_at = ? WHERE id = ?`, nullable(name), nullable(url), nullable(image), nowMs(), id)
	return err
}

func (s *Store) RevokeNip46Session(id string) error {
	_, err := s.db.Exec(`UPDATE nip46_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		Nip46StatusRevoked, nowMs(), id)
	return err
}

// InsertNip46SessionEvent appends an audit-trail row for the admin event
// stream (SPEC_FULL's supplemented structured audit log).
func (s *Store) InsertNip46SessionEvent(id, sessionID, kind string, detail interface{}) error {
	buf, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO nip46_session_events (id, session_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`, id, sessionID, kind, string(buf), nowMs())
	return err
}

type Nip46Request struct {
	ID            string
	UserID        string
	SessionPubkey string
	Method        string
	Payload       string
	Status        string
	Result        sql.NullString
	Error         sql.NullString
	CreatedAt     int64
	UpdatedAt     int64
}

const (
	Nip46ReqPending   = "pending"
	Nip46ReqApproved  = "approved"
	Nip46ReqDenied    = "denied"
	Nip46ReqCompleted = "completed"
	Nip46ReqFailed    = "failed"
)

func (s *Store) GetNip46Request(id string) (*Nip46Request, error) {
	row := s.db.QueryRow(`SELECT id, user_id, session_pubkey, method, payload, status, result, error,
		created_at, updated_at FROM nip46_requests WHERE id = ?`, id)
	return scanNip46Request(row)
}

// InsertPendingNip46Request persists a new request row unless one with the
// same id already exists, implementing spec.md §4.3's dedup-by-id rule.
// Returns (nil, nil) when the id is a duplicate (caller should drop it).
func (s *Store) InsertPendingNip46Request(id, userID, sessionPubkey, method, payload string) (*Nip46Request, error) {
	_, err := s.GetNip46Request(id)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := nowMs()
	_, err = s.db.Exec(`INSERT INTO nip46_requests (id, user_id, session_pubkey, method, payload, status,
		created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, sessionPubkey, method, payload, Nip46ReqPending, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetNip46Request(id)
}

func (s *Store) UpdateNip46RequestStatus(id, status, result, errMsg string) error {
	_, err := s.db.Exec(`UPDATE nip46_requests SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`, status, nullable(result), nullable(errMsg), nowMs(), id)
	return err
}

// ListPendingNip46Requests serves the admin surface's review queue: every
// request still awaiting a manual approve/deny for userID, oldest first.
func (s *Store) ListPendingNip46Requests(userID string) ([]*Nip46Request, error) {
	rows, err := s.db.Query(`SELECT id, user_id, session_pubkey, method, payload, status, result, error,
		created_at, updated_at FROM nip46_requests WHERE user_id = ? AND status = ? ORDER BY created_at ASC`,
		userID, Nip46ReqPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Nip46Request
	for rows.Next() {
		var r Nip46Request
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionPubkey, &r.Method, &r.Payload, &r.Status, &r.Result,
			&r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func scanNip46Request(row *sql.Row) (*Nip46Request, error) {
	var r Nip46Request
	err := row.Scan(&r.ID, &r.UserID, &r.SessionPubkey, &r.Method, &r.Payload, &r.Status, &r.Result,
		&r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
