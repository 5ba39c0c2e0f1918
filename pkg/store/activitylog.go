package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActivityLogEntry is one structured log line emitted by an agent during a
// mapping session (spec.md §4.4 Activity Log Ingestor).
type ActivityLogEntry struct {
	EntryID   int64
	SessionID string
	TenantID  string
	Timestamp time.Time
	Level     string
	Category  string
	Message   string
	Extra     string
}

// InsertActivityLogBatch persists a batch of entries in one transaction,
// the durable side of the Activity Log Ingestor once a batch clears the
// size threshold check (spec.md §4.4).
func (s *Store) InsertActivityLogBatch(ctx context.Context, entries []ActivityLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin activity log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.bind(`
		INSERT INTO activity_log_entries (session_id, tenant_id, ts, level, category, message, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("store: prepare activity log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.SessionID, nullableString(e.TenantID), e.Timestamp,
			e.Level, nullableString(e.Category), e.Message, nullableString(e.Extra)); err != nil {
			return fmt.Errorf("store: insert activity log entry for %s: %w", e.SessionID, err)
		}
	}
	return tx.Commit()
}

// TailActivityLog returns the most recent entries for a session, oldest
// first, capped at limit (spec.md §6 activity log read endpoint).
func (s *Store) TailActivityLog(ctx context.Context, sessionID string, limit int) ([]ActivityLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT entry_id, session_id, tenant_id, ts, level, category, message, extra
		FROM activity_log_entries WHERE session_id = ? ORDER BY entry_id DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: tail activity log for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []ActivityLogEntry
	for rows.Next() {
		var e ActivityLogEntry
		var tenantID, category, extra sql.NullString
		if err := rows.Scan(&e.EntryID, &e.SessionID, &tenantID, &e.Timestamp, &e.Level, &category, &e.Message, &extra); err != nil {
			return nil, err
		}
		e.TenantID, e.Category, e.Extra = tenantID.String, category.String, extra.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
