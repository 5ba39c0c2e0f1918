package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FormRoute is the durable description of one form: where it lives, how
// to navigate to it, and what has been learned about logging in and
// reaching it (spec.md §3, grounded on
// original_source/api-server/models/form_mapper_models.py's FormRoute
// table).
type FormRoute struct {
	FormRouteID           string
	ProjectID             string
	NetworkID             string
	FormName              string
	ParentFormID          string
	NavigationSteps       string
	InputValues           string
	SpecDocument          string
	VerificationAssetRef  string
	LoginStages           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ErrFormRouteNotFound is returned by lookups that find no matching row.
var ErrFormRouteNotFound = errors.New("store: form route not found")

const formRouteColumns = `form_route_id, project_id, network_id, form_name, parent_form_id, navigation_steps, input_values, spec_document, verification_asset_ref, login_stages, created_at, updated_at`

// CreateFormRoute inserts a new form route.
func (s *Store) CreateFormRoute(ctx context.Context, r FormRoute) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO form_routes (form_route_id, project_id, network_id, form_name, parent_form_id, navigation_steps, input_values, spec_document, verification_asset_ref, login_stages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.FormRouteID, r.ProjectID, r.NetworkID, r.FormName, nullableString(r.ParentFormID),
		nullableString(r.NavigationSteps), nullableString(r.InputValues), nullableString(r.SpecDocument),
		nullableString(r.VerificationAssetRef), nullableString(r.LoginStages), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create form route %s: %w", r.FormRouteID, err)
	}
	return nil
}

func (s *Store) scanFormRoute(row interface{ Scan(...any) error }) (FormRoute, error) {
	var r FormRoute
	var parentFormID, navigationSteps, inputValues, specDocument, verificationAssetRef, loginStages sql.NullString
	err := row.Scan(&r.FormRouteID, &r.ProjectID, &r.NetworkID, &r.FormName, &parentFormID,
		&navigationSteps, &inputValues, &specDocument, &verificationAssetRef, &loginStages,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FormRoute{}, ErrFormRouteNotFound
	}
	if err != nil {
		return FormRoute{}, err
	}
	r.ParentFormID, r.NavigationSteps, r.InputValues = parentFormID.String, navigationSteps.String, inputValues.String
	r.SpecDocument, r.VerificationAssetRef, r.LoginStages = specDocument.String, verificationAssetRef.String, loginStages.String
	return r, nil
}

// GetFormRoute fetches a form route by id.
func (s *Store) GetFormRoute(ctx context.Context, formRouteID string) (FormRoute, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+formRouteColumns+` FROM form_routes WHERE form_route_id = ?`), formRouteID)
	return s.scanFormRoute(row)
}

// PatchNavigationStages heals the recorded navigation path on the last
// successful path of a mapping session (spec.md §4.7 Result Recorder).
func (s *Store) PatchNavigationStages(ctx context.Context, formRouteID, navigationSteps string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE form_routes SET navigation_steps = ?, updated_at = ? WHERE form_route_id = ?`),
		navigationSteps, time.Now().UTC(), formRouteID)
	if err != nil {
		return fmt.Errorf("store: patch navigation stages for %s: %w", formRouteID, err)
	}
	return nil
}

// PatchLoginStages heals the recorded login sequence, learned the same
// way as navigation stages (spec.md §4.7).
func (s *Store) PatchLoginStages(ctx context.Context, formRouteID, loginStages string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE form_routes SET login_stages = ?, updated_at = ? WHERE form_route_id = ?`),
		loginStages, time.Now().UTC(), formRouteID)
	if err != nil {
		return fmt.Errorf("store: patch login stages for %s: %w", formRouteID, err)
	}
	return nil
}
