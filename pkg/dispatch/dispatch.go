// Package dispatch bridges orchestrator.Outcome to the Queue Fabric and
// the durable AgentTask rows: the single chokepoint both the agent-facing
// HTTP layer (pkg/agentsession) and the background worker pool
// (pkg/worker) call through after an orchestrator transition, so neither
// has to know how to build queue envelopes or durable task rows itself.
// Grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's
// _trigger_celery_task, which does the same job (snapshot the version,
// build the envelope, push) inline at every call site; centralized here
// instead.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quickform/orchestrator/pkg/metrics"
	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/resultrecorder"
	"github.com/quickform/orchestrator/pkg/store"
)

// queueForTask routes a background task name to the named worker queue
// that consumes it (spec.md §4.4/§4.7's worker classes). Grounded on the
// original's Celery task_routes config, with a three-way split that
// mirrors config.QueueConfig's default worker_queues ("mapper", "runner",
// "forms"): DOM-heavy step generation goes to "forms", AI-judgment tasks
// that execute mid-step to "mapper", and path/result bookkeeping that
// runs once per path to "runner".
var queueForTask = map[string]string{
	"analyze_form_page":           "forms",
	"regenerate_steps":            "forms",
	"analyze_failure_and_recover": "mapper",
	"verify_ui_visual":            "mapper",
	"verify_page_visual":          "mapper",
	"verify_dynamic_step_visual":  "mapper",
	"wait_and_retry_step":         "mapper",
	"evaluate_paths_with_ai":      "runner",
	"evaluate_existing_paths":     "runner",
	"save_mapping_result":         "runner",
}

// Service is the dispatch bridge.
type Service struct {
	orc      *orchestrator.Orchestrator
	store    *store.Store
	queue    *queue.Fabric
	recorder *resultrecorder.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds a Service. recorder and m may both be nil in tests that
// don't exercise session completion or metrics.
func New(orc *orchestrator.Orchestrator, st *store.Store, fabric *queue.Fabric, recorder *resultrecorder.Recorder, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{orc: orc, store: st, queue: fabric, recorder: recorder, metrics: m, logger: logger}
}

// CreateSession starts a new mapping session and dispatches its first
// task (spec.md §4.6 "CREATED -> LOGIN_REQUESTED").
func (d *Service) CreateSession(ctx context.Context, sessionID string, seed orchestrator.Session) error {
	outcome, err := d.orc.CreateSession(ctx, sessionID, seed)
	if err != nil {
		return fmt.Errorf("dispatch: create session %s: %w", sessionID, err)
	}

	if err := d.store.CreateMappingSession(ctx, store.MappingSession{
		SessionID: sessionID, TenantID: seed.TenantID, UserID: seed.UserID, ProjectID: seed.ProjectID,
		NetworkID: seed.NetworkID, ActivityType: string(seed.ActivityType), FormRouteID: seed.FormRouteID,
		Status: "login_requested", SessionVersion: 1,
	}); err != nil {
		d.logger.Error("dispatch: create durable session row", "session_id", sessionID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.IncActiveSessions()
	}

	return d.dispatch(ctx, sessionID, outcome)
}

// AgentTaskResult records an agent's completed/failed task result and
// feeds it into the orchestrator's Intake (spec.md §4.5
// post_task_result -> §4.6), enqueuing whatever Intake decides must
// happen next.
func (d *Service) AgentTaskResult(ctx context.Context, taskID, status, resultJSON, errorText string) error {
	task, err := d.store.GetAgentTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatch: lookup agent task %s: %w", taskID, err)
	}

	if err := d.store.RecordAgentTaskResult(ctx, taskID, status, resultJSON, errorText); err != nil {
		return fmt.Errorf("dispatch: record agent task result %s: %w", taskID, err)
	}

	if task.SessionID == "" {
		// Not every agent task is necessarily part of a mapping session
		// in principle, but every task type this service currently
		// creates is; this guards against a future non-session task type
		// rather than a case reachable today.
		return nil
	}

	result := decodeAgentResult(resultJSON, status, errorText)
	outcome, err := d.orc.Intake(ctx, task.SessionID, orchestrator.SourceAgent, task.TaskType, task.SessionVersionSnapshot, result)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			d.logger.Warn("dispatch: agent task result for vanished session", "session_id", task.SessionID, "task_id", taskID)
			return nil
		}
		return fmt.Errorf("dispatch: intake for session %s: %w", task.SessionID, err)
	}
	return d.dispatch(ctx, task.SessionID, outcome)
}

// BackgroundTaskResult feeds a background worker's typed result into the
// orchestrator's Intake (spec.md §4.7 step 4), enqueuing whatever Intake
// decides must happen next (step 5). Unlike AgentTaskResult, the result
// never crosses a JSON boundary — the worker handler builds it in
// process — so no decoding happens here.
func (d *Service) BackgroundTaskResult(ctx context.Context, sessionID, taskName string, dispatchedVersion int64, result orchestrator.Result) error {
	outcome, err := d.orc.Intake(ctx, sessionID, orchestrator.SourceBackground, taskName, dispatchedVersion, result)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			d.logger.Warn("dispatch: background task result for vanished session", "session_id", sessionID, "task_name", taskName)
			return nil
		}
		return fmt.Errorf("dispatch: intake for session %s: %w", sessionID, err)
	}
	return d.dispatch(ctx, sessionID, outcome)
}

// Fail force-terminates a session outside the normal Intake path (spec.md
// §4.2: a budget denial discovered mid-worker has no task result to feed
// through Intake).
func (d *Service) Fail(ctx context.Context, sessionID, cause string) error {
	return d.orc.Fail(ctx, sessionID, cause)
}

// Cancel marks a session cancelled (spec.md §5).
func (d *Service) Cancel(ctx context.Context, sessionID string) error {
	return d.orc.Cancel(ctx, sessionID)
}

// dispatch turns an Outcome into a queue push, re-reading the session so
// every envelope carries its current, post-transition session_version
// (spec.md §8 "Stale-result rejection" depends on this snapshot being
// taken at dispatch time, not before the transition that produced it).
func (d *Service) dispatch(ctx context.Context, sessionID string, outcome orchestrator.Outcome) error {
	if outcome.Terminal {
		if outcome.TerminalStatus == "completed" {
			d.healFormRoute(ctx, sessionID)
		}
		if d.metrics != nil {
			d.metrics.RecordSessionCompleted(outcome.TerminalStatus)
			d.metrics.DecActiveSessions()
		}
		return nil
	}
	if outcome.NextAgentTask == nil && outcome.NextBackgroundTask == nil {
		return nil
	}

	sess, found, err := d.orc.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatch: reload session %s: %w", sessionID, err)
	}
	if !found {
		return fmt.Errorf("dispatch: session %s vanished immediately after transition", sessionID)
	}

	if outcome.NextAgentTask != nil {
		return d.dispatchAgentTask(ctx, sess, outcome.NextAgentTask)
	}
	return d.dispatchBackgroundTask(ctx, sess, outcome.NextBackgroundTask)
}

// healFormRoute patches the owning FormRoute's login/navigation stages
// once a session reaches COMPLETED (spec.md §4.9): only now is a path
// known to have been the last one needed, so this is the single place
// that calls resultrecorder.Recorder.HealFormRoute rather than doing it
// from every save_mapping_result commit.
func (d *Service) healFormRoute(ctx context.Context, sessionID string) {
	if d.recorder == nil {
		return
	}
	sess, found, err := d.orc.Get(ctx, sessionID)
	if err != nil || !found || !sess.StagesUpdated {
		return
	}
	if err := d.recorder.HealFormRoute(ctx, sess.FormRouteID, sess.LoginStages, sess.NavigationStages); err != nil {
		d.logger.Error("dispatch: heal form route", "session_id", sessionID, "form_route_id", sess.FormRouteID, "error", err)
	}
}

func (d *Service) dispatchAgentTask(ctx context.Context, sess *orchestrator.Session, req *orchestrator.AgentTaskRequest) error {
	taskID := uuid.NewString()
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return fmt.Errorf("dispatch: marshal agent task parameters: %w", err)
	}

	if err := d.store.CreateAgentTask(ctx, store.AgentTask{
		TaskID: taskID, TenantID: sess.TenantID, UserID: sess.UserID, TaskType: req.TaskType,
		Parameters: string(params), SessionID: sess.SessionID, SessionVersionSnapshot: sess.SessionVersion,
	}); err != nil {
		return fmt.Errorf("dispatch: create agent task %s: %w", taskID, err)
	}

	if err := d.queue.PushAgentTask(ctx, sess.UserID, queue.Envelope{TaskID: taskID, TaskType: req.TaskType}); err != nil {
		return fmt.Errorf("dispatch: push agent task %s: %w", taskID, err)
	}
	return nil
}

func (d *Service) dispatchBackgroundTask(ctx context.Context, sess *orchestrator.Session, req *orchestrator.BackgroundTaskRequest) error {
	queueName := queueForTask[req.TaskName]
	if queueName == "" {
		d.logger.Warn("dispatch: no queue route for background task, defaulting to mapper", "task_name", req.TaskName)
		queueName = "mapper"
	}

	env := queue.BackgroundEnvelope{
		TaskName:               req.TaskName,
		SessionID:              sess.SessionID,
		Args:                   req.Args,
		SessionVersionSnapshot: sess.SessionVersion,
	}

	if req.Delay <= 0 {
		env.DispatchedAtUnix = time.Now().Unix()
		if err := d.queue.PushBackgroundTask(ctx, queueName, env); err != nil {
			return fmt.Errorf("dispatch: push background task %s: %w", req.TaskName, err)
		}
		return nil
	}

	// Delayed dispatch (spec.md §4.6 "wait-and-retry", fixed 60s):
	// the Queue Fabric has no native delay primitive (PushBackgroundTask
	// is an immediate RPush), so the wait is held here, in a detached
	// goroutine running past this request's context, rather than in
	// Redis. A process restart during the wait drops the retry instead
	// of resuming it — acceptable for a bounded 60s window, and called
	// out here rather than left as a silent gap.
	delay, taskName, logger := req.Delay, req.TaskName, d.logger
	go func() {
		time.Sleep(delay)
		env.DispatchedAtUnix = time.Now().Unix()
		if err := d.queue.PushBackgroundTask(context.Background(), queueName, env); err != nil {
			logger.Error("dispatch: delayed push failed", "task_name", taskName, "session_id", sess.SessionID, "error", err)
		}
	}()
	return nil
}

// decodeAgentResult turns an agent's posted result JSON into an
// orchestrator.Result, folding in the terminal status/error the way the
// original's update_task_result endpoint did before re-entering the
// chain. Every task type that reaches the orchestrator through this path
// (login, navigate_to_form, exec_step) reads its fields with Result's
// bool()/str()/jsonString() accessors, so a generic map decode is
// sufficient — no task-type-specific schema is needed here.
func decodeAgentResult(resultJSON, status, errorText string) orchestrator.Result {
	out := orchestrator.Result{}
	if resultJSON != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(resultJSON), &m); err == nil {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	if status != "completed" {
		out["success"] = false
		if errorText != "" {
			out["error"] = errorText
		}
	}
	return out
}
