package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quickform/orchestrator/pkg/budget"
)

// ErrLedgerNotFound is returned when no budget ledger exists for a
// (tenant, product) pair.
var ErrLedgerNotFound = errors.New("store: budget ledger not found")

// GetLedger implements budget.LedgerStore, the durable side of the
// Budget Gate (spec.md §4.9, grounded on
// original_source/api-server/services/budget_service.py's ledger table).
func (s *Store) GetLedger(ctx context.Context, tenantID, productID string) (*budget.Ledger, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
		SELECT tenant_id, product_id, access_status, access_model, daily_budget, daily_spend,
		       daily_reset, trial_start, trial_days, encrypted_api_key
		FROM budget_ledgers WHERE tenant_id = ? AND product_id = ?`), tenantID, productID)

	var l budget.Ledger
	var accessStatus, accessModel, encryptedAPIKey sql.NullString
	var dailyReset, trialStart sql.NullTime
	err := row.Scan(&l.TenantID, &l.ProductID, &accessStatus, &accessModel, &l.DailyBudget, &l.DailySpend,
		&dailyReset, &trialStart, &l.TrialDays, &encryptedAPIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get ledger for %s/%s: %w", tenantID, productID, err)
	}
	l.AccessStatus = budget.AccessStatus(accessStatus.String)
	l.AccessModel = budget.AccessModel(accessModel.String)
	l.DailyReset = dailyReset.Time
	l.TrialStart = trialStart.Time
	l.EncryptedAPIKey = encryptedAPIKey.String
	return &l, nil
}

// FlushSpend implements budget.LedgerStore. The row is created on first
// flush if it doesn't already exist — a tenant's ledger row is lazily
// materialized rather than requiring a separate provisioning step.
func (s *Store) FlushSpend(ctx context.Context, tenantID, productID string, delta float64) error {
	res, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE budget_ledgers SET daily_spend = daily_spend + ? WHERE tenant_id = ? AND product_id = ?`),
		delta, tenantID, productID)
	if err != nil {
		return fmt.Errorf("store: flush spend for %s/%s: %w", tenantID, productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO budget_ledgers (tenant_id, product_id, access_status, access_model, daily_budget, daily_spend, daily_reset, trial_days)
		VALUES (?, ?, 'pending', 'early_access', 0, ?, ?, 0)`),
		tenantID, productID, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: materialize ledger for %s/%s: %w", tenantID, productID, err)
	}
	return nil
}

// UpsertLedgerAccess sets a tenant's access standing and budget terms,
// used by the tenant-provisioning admin path rather than the hot spend
// path.
func (s *Store) UpsertLedgerAccess(ctx context.Context, l budget.Ledger) error {
	existing, err := s.GetLedger(ctx, l.TenantID, l.ProductID)
	if err != nil && !errors.Is(err, ErrLedgerNotFound) {
		return err
	}
	if errors.Is(err, ErrLedgerNotFound) {
		_, execErr := s.db.ExecContext(ctx, s.bind(`
			INSERT INTO budget_ledgers (tenant_id, product_id, access_status, access_model, daily_budget, daily_spend, daily_reset, trial_start, trial_days, encrypted_api_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			l.TenantID, l.ProductID, string(l.AccessStatus), string(l.AccessModel), l.DailyBudget, l.DailySpend,
			l.DailyReset, l.TrialStart, l.TrialDays, nullableString(l.EncryptedAPIKey))
		if execErr != nil {
			return fmt.Errorf("store: insert ledger for %s/%s: %w", l.TenantID, l.ProductID, execErr)
		}
		return nil
	}

	_ = existing
	_, err = s.db.ExecContext(ctx, s.bind(`
		UPDATE budget_ledgers SET access_status = ?, access_model = ?, daily_budget = ?, trial_start = ?, trial_days = ?, encrypted_api_key = ?
		WHERE tenant_id = ? AND product_id = ?`),
		string(l.AccessStatus), string(l.AccessModel), l.DailyBudget, l.TrialStart, l.TrialDays,
		nullableString(l.EncryptedAPIKey), l.TenantID, l.ProductID)
	if err != nil {
		return fmt.Errorf("store: update ledger access for %s/%s: %w", l.TenantID, l.ProductID, err)
	}
	return nil
}

var _ budget.LedgerStore = (*Store)(nil)
