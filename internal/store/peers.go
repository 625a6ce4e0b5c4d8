package store

import (
	"database/sql"
)

type PeerStatusRow struct {
	UserID          string
	Pubkey          string
	Online          bool
	LastSeen        sql.NullInt64
	LatencyMs       sql.NullInt64
	LastPingAttempt sql.NullInt64
}

// UpsertPeerStatus persists the registry's in-memory peer state so it
// survives a restart. The in-memory registry (internal/peers) is the
// read path; this is write-behind only.
func (s *Store) UpsertPeerStatus(userID, pubkey string, online bool, lastSeen, latencyMs, lastPingAttempt *int64) error {
	_, err := s.db.Exec(`INSERT INTO peer_status (user_id, pubkey, online, last_seen, latency_ms, last_ping_attempt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, pubkey) DO UPDATE SET online = excluded.online,
			last_seen = COALESCE(excluded.last_seen, peer_status.last_seen),
			latency_ms = COALESCE(excluded.latency_ms, peer_status.latency_ms),
			last_ping_attempt = COALESCE(excluded.last_ping_attempt, peer_status.last_ping_attempt)`,
		userID, pubkey, online, nullInt(lastSeen), nullInt(latencyMs), nullInt(lastPingAttempt))
	return err
}

func (s *Store) ListPeerStatus(userID string) ([]PeerStatusRow, error) {
	rows, err := s.db.Query(`SELECT user_id, pubkey, online, last_seen, latency_ms, last_ping_attempt
		FROM peer_status WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeerStatusRow
	for rows.Next() {
		var p PeerStatusRow
		if err := rows.Scan(&p.UserID, &p.Pubkey, &p.Online, &p.LastSeen, &p.LatencyMs, &p.LastPingAttempt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
