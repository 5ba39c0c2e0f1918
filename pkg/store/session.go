package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MappingSession is the durable fallback record for a mapping session
// (spec.md §4.2): the fast store's Redis hash is authoritative while a
// session is live, but this row survives the fast store's TTL and a
// process restart, and is what the sweeper reads to find sessions that
// never reported a terminal state.
type MappingSession struct {
	SessionID      string
	TenantID       string
	UserID         string
	ProjectID      string
	NetworkID      string
	ActivityType   string
	FormRouteID    string
	Status         string
	SessionVersion int64
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrMappingSessionNotFound is returned by lookups that find no matching
// row.
var ErrMappingSessionNotFound = errors.New("store: mapping session not found")

const mappingSessionColumns = `session_id, tenant_id, user_id, project_id, network_id, activity_type, form_route_id, status, session_version, last_error, created_at, updated_at`

// CreateMappingSession inserts the durable row at session start, mirroring
// what's written into the fast store's hash (spec.md §4.2 intake).
func (s *Store) CreateMappingSession(ctx context.Context, ms MappingSession) error {
	now := time.Now().UTC()
	ms.CreatedAt, ms.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO mapping_sessions (session_id, tenant_id, user_id, project_id, network_id, activity_type, form_route_id, status, session_version, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ms.SessionID, ms.TenantID, ms.UserID, ms.ProjectID, ms.NetworkID, ms.ActivityType,
		nullableString(ms.FormRouteID), ms.Status, ms.SessionVersion, nullableString(ms.LastError),
		ms.CreatedAt, ms.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create mapping session %s: %w", ms.SessionID, err)
	}
	return nil
}

func (s *Store) scanMappingSession(row interface{ Scan(...any) error }) (MappingSession, error) {
	var ms MappingSession
	var formRouteID, lastError sql.NullString
	err := row.Scan(&ms.SessionID, &ms.TenantID, &ms.UserID, &ms.ProjectID, &ms.NetworkID, &ms.ActivityType,
		&formRouteID, &ms.Status, &ms.SessionVersion, &lastError, &ms.CreatedAt, &ms.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MappingSession{}, ErrMappingSessionNotFound
	}
	if err != nil {
		return MappingSession{}, err
	}
	ms.FormRouteID, ms.LastError = formRouteID.String, lastError.String
	return ms, nil
}

// GetMappingSession fetches the durable row by id.
func (s *Store) GetMappingSession(ctx context.Context, sessionID string) (MappingSession, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+mappingSessionColumns+` FROM mapping_sessions WHERE session_id = ?`), sessionID)
	return s.scanMappingSession(row)
}

// UpdateMappingSessionStatus mirrors a fast-store state transition into
// the durable row (spec.md §4.6); session_version is bumped so a stale
// in-flight result racing against this transition can be detected.
func (s *Store) UpdateMappingSessionStatus(ctx context.Context, sessionID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE mapping_sessions SET status = ?, last_error = ?, session_version = session_version + 1, updated_at = ?
		WHERE session_id = ?`),
		status, nullableString(lastError), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("store: update mapping session status %s: %w", sessionID, err)
	}
	return nil
}

// SweepStaleSessions marks every session still in a non-terminal status
// whose last update predates cutoff as failed/timeout — the durable
// fallback for sessions whose fast-store hash already expired without a
// clean terminal transition (spec.md §4.6 sweeper, grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's
// sync_mapper_session_status crash-recovery path). Returns the ids swept.
func (s *Store) SweepStaleSessions(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT session_id FROM mapping_sessions
		WHERE status NOT IN ('completed', 'failed', 'cancelled') AND updated_at < ?`), cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: find stale sessions: %w", err)
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

	for _, id := range ids {
		if err := s.UpdateMappingSessionStatus(ctx, id, "failed", "timeout: no terminal transition observed"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
