package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rsclarke/vpnstate/internal/models"
)

const sessionColumns = `id, server_id, session_key, protocol, identity_key, user_id, client_address,
	virtual_address, bytes_in, bytes_out, connected_at, last_seen_at, disconnected_at, connected,
	session_duration, updated_at`

// UpsertSession writes s keyed by (server_id, session_key). An existing row
// is updated in place, never duplicated.
func UpsertSession(ctx context.Context, q querier, s *models.Session) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (server_id, session_key, protocol, identity_key, user_id, client_address,
			virtual_address, bytes_in, bytes_out, connected_at, last_seen_at, disconnected_at, connected,
			session_duration, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, session_key) DO UPDATE SET
			protocol = excluded.protocol,
			identity_key = excluded.identity_key,
			user_id = excluded.user_id,
			client_address = excluded.client_address,
			virtual_address = excluded.virtual_address,
			bytes_in = excluded.bytes_in,
			bytes_out = excluded.bytes_out,
			connected_at = excluded.connected_at,
			last_seen_at = excluded.last_seen_at,
			disconnected_at = excluded.disconnected_at,
			connected = excluded.connected,
			session_duration = excluded.session_duration,
			updated_at = excluded.updated_at`,
		s.ServerID, s.SessionKey, string(s.Protocol), s.IdentityKey, s.UserID, s.ClientAddress,
		s.VirtualAddress, s.BytesIn, s.BytesOut, s.ConnectedAt, s.LastSeenAt, s.DisconnectedAt,
		boolInt(s.Connected), s.SessionDuration, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", s.SessionKey, err)
	}
	return nil
}

// ListServerSessions returns the sessions of one server for one protocol.
// With activeOnly false, closed rows are included.
func ListServerSessions(ctx context.Context, q querier, serverID int64, protocol models.Protocol, activeOnly bool) ([]models.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE server_id = ? AND protocol = ?"
	if activeOnly {
		query += " AND connected = 1"
	}
	query += " ORDER BY session_key"
	return querySessions(ctx, q, query, serverID, string(protocol))
}

// ListSessionsByServer returns sessions of a server across protocols,
// most recently seen first.
func ListSessionsByServer(ctx context.Context, q querier, serverID int64, activeOnly bool) ([]models.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE server_id = ?"
	if activeOnly {
		query += " AND connected = 1"
	}
	query += " ORDER BY last_seen_at DESC, session_key"
	return querySessions(ctx, q, query, serverID)
}

// ListActiveSessions returns every connected session in the fleet.
func ListActiveSessions(ctx context.Context, q querier) ([]models.Session, error) {
	return querySessions(ctx, q,
		"SELECT "+sessionColumns+" FROM sessions WHERE connected = 1 ORDER BY server_id, session_key")
}

// CountActiveByServer returns the number of connected sessions per server ID.
func CountActiveByServer(ctx context.Context, q querier) (map[int64]int, error) {
	rows, err := q.QueryContext(ctx, "SELECT server_id, COUNT(*) FROM sessions WHERE connected = 1 GROUP BY server_id")
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func querySessions(ctx context.Context, q querier, query string, args ...any) ([]models.Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var protocol string
		var connected int
		err := rows.Scan(&s.ID, &s.ServerID, &s.SessionKey, &protocol, &s.IdentityKey, &s.UserID,
			&s.ClientAddress, &s.VirtualAddress, &s.BytesIn, &s.BytesOut, &s.ConnectedAt, &s.LastSeenAt,
			&s.DisconnectedAt, &connected, &s.SessionDuration, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Protocol = models.Protocol(protocol)
		s.Connected = connected != 0
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SessionStore applies reconciliation passes to the sessions table.
type SessionStore struct {
	DB *sql.DB
}

// ApplyPass loads every row for (serverID, protocol), hands them to plan,
// writes the rows plan returns and reports the resulting active set. The
// whole pass runs in one transaction so readers never observe a partial
// pass.
func (s *SessionStore) ApplyPass(ctx context.Context, serverID int64, protocol models.Protocol, plan func(existing []models.Session) ([]models.Session, error)) ([]models.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := ListServerSessions(ctx, tx, serverID, protocol, false)
	if err != nil {
		return nil, err
	}

	writes, err := plan(existing)
	if err != nil {
		return nil, err
	}

	for i := range writes {
		if err := UpsertSession(ctx, tx, &writes[i]); err != nil {
			return nil, err
		}
	}

	active, err := ListServerSessions(ctx, tx, serverID, protocol, true)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return active, nil
}

// ActiveSessions returns the connected sessions of a server across
// protocols.
func (s *SessionStore) ActiveSessions(ctx context.Context, serverID int64) ([]models.Session, error) {
	return ListSessionsByServer(ctx, s.DB, serverID, true)
}

// PruneClosed deletes closed sessions that disconnected before cutoff.
func PruneClosed(ctx context.Context, d *sql.DB, cutoff time.Time) (int64, error) {
	result, err := d.ExecContext(ctx,
		"DELETE FROM sessions WHERE connected = 0 AND disconnected_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return result.RowsAffected()
}
