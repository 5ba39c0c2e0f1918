package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MappingResult is one completed path through a form (spec.md §3, §8
// "Result integrity": a given (form route, path number) pair is unique —
// a replayed commit must not create a duplicate).
type MappingResult struct {
	ResultID       int64
	FormRouteID    string
	PathNumber     int
	Steps          string
	VerifiedFields string
	CreatedAt      time.Time
}

// ErrMappingResultExists is returned when a commit would violate the
// (form_route_id, path_number) uniqueness invariant.
var ErrMappingResultExists = errors.New("store: mapping result already recorded for this path")

// ErrMappingResultNotFound is returned by GetMappingResultByPathNumber
// when no row matches.
var ErrMappingResultNotFound = errors.New("store: mapping result not found")

// CreateMappingResult commits one path's steps. A duplicate
// (FormRouteID, PathNumber) is rejected rather than silently overwritten,
// so a retried commit after a crash can't corrupt an already-recorded
// path (spec.md §8 Result integrity).
func (s *Store) CreateMappingResult(ctx context.Context, r MappingResult) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO mapping_results (form_route_id, path_number, steps, verified_fields, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		r.FormRouteID, r.PathNumber, r.Steps, nullableString(r.VerifiedFields), now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrMappingResultExists
		}
		return 0, fmt.Errorf("store: create mapping result for %s path %d: %w", r.FormRouteID, r.PathNumber, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil // not every driver (lib/pq) supports LastInsertId; callers that need it should re-query.
	}
	return id, nil
}

// isUniqueViolation recognizes the distinct unique-constraint error
// substrings across sqlite3, mysql, and postgres drivers; there is no
// portable database/sql error type for this.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// GetMappingResultByPathNumber looks up an already-committed path,
// letting a retried commit recognize the ErrMappingResultExists case as
// "already done" and return the existing row's id rather than erroring.
func (s *Store) GetMappingResultByPathNumber(ctx context.Context, formRouteID string, pathNumber int) (MappingResult, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
		SELECT result_id, form_route_id, path_number, steps, verified_fields, created_at
		FROM mapping_results WHERE form_route_id = ? AND path_number = ?`), formRouteID, pathNumber)

	var r MappingResult
	var verifiedFields sql.NullString
	err := row.Scan(&r.ResultID, &r.FormRouteID, &r.PathNumber, &r.Steps, &verifiedFields, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MappingResult{}, ErrMappingResultNotFound
	}
	if err != nil {
		return MappingResult{}, fmt.Errorf("store: get mapping result for %s path %d: %w", formRouteID, pathNumber, err)
	}
	r.VerifiedFields = verifiedFields.String
	return r, nil
}

// ListMappingResults returns every recorded path for a form route, in
// path-number order.
func (s *Store) ListMappingResults(ctx context.Context, formRouteID string) ([]MappingResult, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT result_id, form_route_id, path_number, steps, verified_fields, created_at
		FROM mapping_results WHERE form_route_id = ? ORDER BY path_number ASC`), formRouteID)
	if err != nil {
		return nil, fmt.Errorf("store: list mapping results for %s: %w", formRouteID, err)
	}
	defer rows.Close()

	var out []MappingResult
	for rows.Next() {
		var r MappingResult
		var verifiedFields sql.NullString
		if err := rows.Scan(&r.ResultID, &r.FormRouteID, &r.PathNumber, &r.Steps, &verifiedFields, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.VerifiedFields = verifiedFields.String
		out = append(out, r)
	}
	return out, rows.Err()
}
