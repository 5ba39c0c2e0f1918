package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent is the durable record for a registered browser-driving agent
// (spec.md §3, grounded on
// original_source/api-server/models/agent_models.py's Agent table).
type Agent struct {
	AgentID       string
	TenantID      string
	UserID        string
	APIKey        string
	Status        string
	LastHeartbeat time.Time
	Platform      string
	Version       string
	CurrentTaskID string
	CreatedAt     time.Time
}

// ErrAgentNotFound is returned by lookups that find no matching row.
var ErrAgentNotFound = errors.New("store: agent not found")

// UpsertAgent registers a new agent or updates an existing one's identity
// fields, generating an api key only if one isn't already on file —
// spec.md §4.5: "If the agent id is already known, the existing api key
// is reused." Returns the effective Agent including whichever api key is
// now current.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (Agent, error) {
	existing, err := s.GetAgentByID(ctx, a.AgentID)
	if err != nil && !errors.Is(err, ErrAgentNotFound) {
		return Agent{}, err
	}

	now := time.Now().UTC()
	if err == nil {
		apiKey := existing.APIKey
		if apiKey == "" {
			apiKey = a.APIKey
		}
		_, execErr := s.db.ExecContext(ctx, s.bind(`
			UPDATE agents
			SET tenant_id = ?, user_id = ?, api_key = ?, status = ?, platform = ?, version = ?, last_heartbeat = ?
			WHERE agent_id = ?`),
			a.TenantID, a.UserID, apiKey, "online", a.Platform, a.Version, now, a.AgentID)
		if execErr != nil {
			return Agent{}, fmt.Errorf("store: update agent %s: %w", a.AgentID, execErr)
		}
		existing.TenantID, existing.UserID, existing.APIKey = a.TenantID, a.UserID, apiKey
		existing.Status, existing.Platform, existing.Version, existing.LastHeartbeat = "online", a.Platform, a.Version, now
		return existing, nil
	}

	a.Status = "online"
	a.LastHeartbeat = now
	a.CreatedAt = now
	_, execErr := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO agents (agent_id, tenant_id, user_id, api_key, status, last_heartbeat, platform, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.AgentID, a.TenantID, a.UserID, a.APIKey, a.Status, a.LastHeartbeat, a.Platform, a.Version, a.CreatedAt)
	if execErr != nil {
		return Agent{}, fmt.Errorf("store: insert agent %s: %w", a.AgentID, execErr)
	}
	return a, nil
}

func (s *Store) scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	var lastHeartbeat sql.NullTime
	var currentTaskID sql.NullString
	err := row.Scan(&a.AgentID, &a.TenantID, &a.UserID, &a.APIKey, &a.Status, &lastHeartbeat,
		&a.Platform, &a.Version, &currentTaskID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	a.LastHeartbeat = lastHeartbeat.Time
	a.CurrentTaskID = currentTaskID.String
	return a, nil
}

const agentColumns = `agent_id, tenant_id, user_id, api_key, status, last_heartbeat, platform, version, current_task_id, created_at`

// GetAgentByID looks up an agent by its stable id.
func (s *Store) GetAgentByID(ctx context.Context, agentID string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`), agentID)
	return s.scanAgent(row)
}

// GetAgentByAPIKey authenticates an agent by its long-lived API key
// (spec.md §4.5). ErrAgentNotFound on no match means the caller should
// reject the request with 401.
func (s *Store) GetAgentByAPIKey(ctx context.Context, apiKey string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+agentColumns+` FROM agents WHERE api_key = ?`), apiKey)
	return s.scanAgent(row)
}

// UpdateHeartbeat records an agent's status and current task (spec.md
// §4.5).
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID, status, currentTaskID string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE agents SET status = ?, current_task_id = ?, last_heartbeat = ? WHERE agent_id = ?`),
		status, nullableString(currentTaskID), time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("store: update heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// RotateAPIKey issues a new API key for an agent (spec.md §6
// POST /agent/regenerate-api-key), returning it.
func (s *Store) RotateAPIKey(ctx context.Context, agentID, newAPIKey string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE agents SET api_key = ? WHERE agent_id = ?`), newAPIKey, agentID)
	if err != nil {
		return fmt.Errorf("store: rotate api key for %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SweepOfflineAgents marks every agent whose last heartbeat is older than
// threshold as offline (spec.md §4.5's periodic heartbeat sweeper).
// Returns the number of agents swept.
func (s *Store) SweepOfflineAgents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE agents SET status = 'offline' WHERE status != 'offline' AND last_heartbeat < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep offline agents: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
