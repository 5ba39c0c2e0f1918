package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentTask is the durable record behind the queue fabric envelope — the
// queue entry is ephemeral (spec.md §3 Queue Fabric), this row is what
// survives a restart and what /agent/task-status reads back (spec.md
// §6, grounded on original_source/api-server/models/agent_models.py's
// AgentTask table).
type AgentTask struct {
	TaskID     string
	TenantID   string
	UserID     string
	AgentID    string
	TaskType   string
	Parameters string
	Status     string
	Result     string
	ErrorText  string

	// SessionID and SessionVersionSnapshot route a completed agent task
	// back into the orchestrator's Intake (spec.md §4.6): the session
	// the task was dispatched for, and the session_version at dispatch
	// time, so a result racing a reset/cancelled session is discarded
	// rather than misapplied.
	SessionID              string
	SessionVersionSnapshot int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrAgentTaskNotFound is returned by lookups that find no matching row.
var ErrAgentTaskNotFound = errors.New("store: agent task not found")

const agentTaskColumns = `task_id, tenant_id, user_id, agent_id, task_type, parameters, status, result, error_text, session_id, session_version_snapshot, created_at, updated_at`

// CreateAgentTask inserts a new pending task row (spec.md §4.5 dispatch).
func (s *Store) CreateAgentTask(ctx context.Context, t AgentTask) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = "pending"
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO agent_tasks (task_id, tenant_id, user_id, agent_id, task_type, parameters, status, result, error_text, session_id, session_version_snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.TaskID, t.TenantID, t.UserID, nullableString(t.AgentID), t.TaskType, t.Parameters,
		t.Status, nullableString(t.Result), nullableString(t.ErrorText),
		nullableString(t.SessionID), t.SessionVersionSnapshot, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create agent task %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *Store) scanAgentTask(row interface{ Scan(...any) error }) (AgentTask, error) {
	var t AgentTask
	var agentID, result, errorText, sessionID sql.NullString
	err := row.Scan(&t.TaskID, &t.TenantID, &t.UserID, &agentID, &t.TaskType, &t.Parameters,
		&t.Status, &result, &errorText, &sessionID, &t.SessionVersionSnapshot, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentTask{}, ErrAgentTaskNotFound
	}
	if err != nil {
		return AgentTask{}, err
	}
	t.AgentID, t.Result, t.ErrorText = agentID.String, result.String, errorText.String
	t.SessionID = sessionID.String
	return t, nil
}

// GetAgentTask fetches a task by id (spec.md §6 /agent/task-status).
func (s *Store) GetAgentTask(ctx context.Context, taskID string) (AgentTask, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+agentTaskColumns+` FROM agent_tasks WHERE task_id = ?`), taskID)
	return s.scanAgentTask(row)
}

// AssignAgentTask records which agent picked a task up (spec.md §6
// /agent/poll-task).
func (s *Store) AssignAgentTask(ctx context.Context, taskID, agentID string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE agent_tasks SET agent_id = ?, status = 'assigned', updated_at = ? WHERE task_id = ?`),
		agentID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: assign agent task %s: %w", taskID, err)
	}
	return nil
}

// RecordResult stores a task's terminal outcome (spec.md §6
// /agent/task-result). status is typically "completed" or "failed".
func (s *Store) RecordAgentTaskResult(ctx context.Context, taskID, status, result, errorText string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE agent_tasks SET status = ?, result = ?, error_text = ?, updated_at = ? WHERE task_id = ?`),
		status, nullableString(result), nullableString(errorText), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: record agent task result %s: %w", taskID, err)
	}
	return nil
}

// RecordProgress updates a task's result blob without changing its status,
// for incremental /agent/task-progress reports (spec.md §6).
func (s *Store) RecordAgentTaskProgress(ctx context.Context, taskID, progress string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE agent_tasks SET result = ?, updated_at = ? WHERE task_id = ?`),
		progress, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: record agent task progress %s: %w", taskID, err)
	}
	return nil
}
