package agentsession

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

// resultDispatcher is the narrow slice of pkg/dispatch.Service this
// package needs, kept as an interface so pkg/agentsession never imports
// pkg/dispatch directly (pkg/dispatch already imports pkg/store, and a
// two-way import would cycle since dispatch also needs what agentsession
// authenticates).
type resultDispatcher interface {
	AgentTaskResult(ctx context.Context, taskID, status, resultJSON, errorText string) error
}

// Service implements the agent-facing HTTP API (spec.md §6).
type Service struct {
	store     *store.Store
	queue     *queue.Fabric
	dispatch  resultDispatcher
	logger    *slog.Logger
	jwtSecret string
}

// New builds a Service over the relational store, queue fabric, and the
// dispatch bridge that feeds results into the orchestrator. jwtSecret
// verifies the user-session bearer tokens accepted by the endpoints that
// must be user-authenticated rather than agent-authenticated (spec.md §6,
// §8), e.g. api key rotation.
func New(st *store.Store, fabric *queue.Fabric, dispatch resultDispatcher, logger *slog.Logger, jwtSecret string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, queue: fabric, dispatch: dispatch, logger: logger, jwtSecret: jwtSecret}
}

type registerRequest struct {
	AgentID  string `json:"agent_id"`
	TenantID string `json:"company_id"`
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key,omitempty"`
	Message string `json:"message"`
}

// Register handles POST /agent/register: update-or-create, returning the
// api key only when it changes — an already-known agent keeps its key
// (original register_agent / spec.md §6).
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "agent_id and user_id are required")
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	newKey, err := GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	agent, err := s.store.UpsertAgent(r.Context(), store.Agent{
		AgentID: req.AgentID, TenantID: req.TenantID, UserID: req.UserID,
		APIKey: newKey, Platform: req.Platform, Version: req.Version,
	})
	if err != nil {
		s.logger.Error("agentsession: register", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		Success: true, AgentID: agent.AgentID, APIKey: agent.APIKey,
		Message: "Agent registered. Store the API key securely - it's required for all requests.",
	})
}

type heartbeatRequest struct {
	Status        string `json:"status"`
	CurrentTaskID string `json:"current_task_id"`
}

// Heartbeat handles POST /agent/heartbeat (original agent_heartbeat).
func (s *Service) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, ok := authenticatedAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		req.Status = "idle"
	}

	if err := s.store.UpdateHeartbeat(r.Context(), agent.AgentID, req.Status, req.CurrentTaskID); err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type pollTaskResponse struct {
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	Parameters string `json:"parameters"`
}

// PollTask handles GET /agent/poll-task?agent_id=...: pops one task from
// the agent's own per-user queue. An empty queue is not an error — it
// returns 204 so the agent polls again later (spec.md §4.4, original
// poll_task).
func (s *Service) PollTask(w http.ResponseWriter, r *http.Request) {
	agent, ok := authenticatedAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	queriedAgentID := r.URL.Query().Get("agent_id")
	if queriedAgentID != "" && queriedAgentID != agent.AgentID {
		writeError(w, http.StatusForbidden, "agent ID mismatch. You can only poll tasks for your own agent.")
		return
	}

	env, found, err := s.queue.PopAgentTask(r.Context(), agent.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue error")
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	task, err := s.store.GetAgentTask(r.Context(), env.TaskID)
	if errors.Is(err, store.ErrAgentTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found in database")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if err := s.store.AssignAgentTask(r.Context(), task.TaskID, agent.AgentID); err != nil {
		s.logger.Error("agentsession: assign task", "task_id", task.TaskID, "error", err)
	}

	writeJSON(w, http.StatusOK, pollTaskResponse{TaskID: task.TaskID, TaskType: task.TaskType, Parameters: task.Parameters})
}

type taskResultRequest struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// TaskResult handles POST /agent/task-result (original update_task_result).
func (s *Service) TaskResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatedAgent(r); !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req taskResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.Status == "" {
		req.Status = "completed"
	}

	if err := s.dispatch.AgentTaskResult(r.Context(), req.TaskID, req.Status, req.Result, req.Error); err != nil {
		s.logger.Error("agentsession: task result", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type taskProgressRequest struct {
	TaskID   string `json:"task_id"`
	Progress string `json:"progress"`
}

// TaskProgress handles POST /agent/task-progress: an incremental update
// that doesn't change task status, for long-running multi-step tasks.
func (s *Service) TaskProgress(w http.ResponseWriter, r *http.Request) {
	if _, ok := authenticatedAgent(r); !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req taskProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.RecordAgentTaskProgress(r.Context(), req.TaskID, req.Progress); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type regenerateKeyRequest struct {
	AgentID string `json:"agent_id"`
}

type regenerateKeyResponse struct {
	Success bool   `json:"success"`
	APIKey  string `json:"api_key"`
}

// RegenerateAPIKey handles POST /agent/regenerate-api-key: issues a new
// key for the named agent, invalidating the old one immediately. This is
// a user-authenticated endpoint, not an agent-authenticated one (spec.md
// §6, §8) — an agent whose key is lost or compromised can't present that
// key to rotate it away, so the caller here is the owning user's session
// token, and the agent is looked up by id from the request body rather
// than from requireAPIKey's context value.
func (s *Service) RegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req regenerateKeyRequest
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	agent, err := s.store.GetAgentByID(r.Context(), req.AgentID)
	if errors.Is(err, store.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if agent.UserID != userID {
		writeError(w, http.StatusForbidden, "agent belongs to another user")
		return
	}

	newKey, err := GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	if err := s.store.RotateAPIKey(r.Context(), agent.AgentID, newKey); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rotate api key")
		return
	}
	writeJSON(w, http.StatusOK, regenerateKeyResponse{Success: true, APIKey: newKey})
}

// SweepOffline marks agents whose heartbeat has gone stale as offline —
// called periodically by cmd/'s sweeper loop (spec.md §4.5).
func (s *Service) SweepOffline(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.store.SweepOfflineAgents(ctx, olderThan)
	if err != nil {
		s.logger.Error("agentsession: sweep offline agents", "error", err)
	}
	return n, err
}
