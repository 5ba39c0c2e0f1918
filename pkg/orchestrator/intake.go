package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
)

// Source distinguishes where a completion came from, mirroring spec.md
// §4.6's "three inputs only": an agent result or a background task
// completion (cancellation is handled by Cancel, not Intake).
type Source string

const (
	SourceAgent      Source = "agent"
	SourceBackground Source = "background"
)

// Result is the generic completion payload handed to Intake — typed
// narrowly task-by-task inside the transition handlers, mirroring the
// original's untyped Celery `result: Dict` (spec.md §9: "a single task
// envelope carries the tag and a type-specific parameter blob").
type Result map[string]any

func (r Result) bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

func (r Result) str(key string) string {
	v, _ := r[key].(string)
	return v
}

// jsonString re-marshals whatever value is present at key back into a
// JSON string, for fields like final_stages that the orchestrator
// threads through opaquely rather than interprets (spec.md §4.9).
func (r Result) jsonString(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Intake is the orchestrator's single entry point for every agent result
// and background task completion (spec.md §4.6, §9: "a dispatch over
// (current state, task name, result kind)"). dispatchedVersion is the
// session_version snapshotted when the task was enqueued; a session that
// has since moved on causes the result to be silently discarded (spec.md
// §8 "Stale-result rejection").
func (o *Orchestrator) Intake(ctx context.Context, sessionID string, source Source, taskName string, dispatchedVersion int64, result Result) (Outcome, error) {
	s, found, err := o.fast.load(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{}, ErrSessionNotFound
	}

	if s.Phase == PhaseCancelled {
		o.logger.Info("orchestrator: discarding result for cancelled session", "session_id", sessionID, "task", taskName)
		return Outcome{Terminal: true, TerminalStatus: "cancelled"}, nil
	}

	if dispatchedVersion < s.SessionVersion {
		o.logger.Warn("orchestrator: discarding stale result", "session_id", sessionID, "task", taskName,
			"dispatched_version", dispatchedVersion, "current_version", s.SessionVersion)
		return Outcome{}, nil
	}

	outcome, err := o.dispatch(ctx, s, source, taskName, result)
	if err != nil {
		s.Phase = PhaseFailed
		s.LastError = err.Error()
		s.bumpVersion()
		_ = o.fast.save(ctx, s)
		o.syncDurable(ctx, sessionID, "failed", err.Error())
		return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "orchestrator_error"}, nil
	}

	s.bumpVersion()
	if err := o.fast.save(ctx, s); err != nil {
		return Outcome{}, err
	}

	if outcome.Terminal {
		o.syncDurable(ctx, sessionID, outcome.TerminalStatus, s.LastError)
	}

	return outcome, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, s *Session, source Source, taskName string, result Result) (Outcome, error) {
	switch taskName {
	case "login":
		return o.handleLoginResult(s, result)
	case "navigate_to_form":
		return o.handleNavigateResult(s, result)
	case "analyze_form_page", "regenerate_steps":
		return o.handleStepsGenerated(s, result)
	case "exec_step":
		return o.handleStepResult(s, result)
	case "wait_and_retry_step":
		return o.handleWaitRetryElapsed(s)
	case "verify_dynamic_step_visual", "verify_ui_visual":
		return o.handleVisualStepVerify(s, result)
	case "analyze_failure_and_recover":
		return o.handleRecoveryResult(s, result)
	case "verify_page_visual":
		return o.handlePageVerify(s, result)
	case "save_mapping_result":
		return o.handleResultSaved(s, result)
	case "evaluate_paths_with_ai", "evaluate_existing_paths":
		return o.handlePathEvaluation(s, result)
	default:
		return Outcome{}, fmt.Errorf("orchestrator: unknown task %q for session %s", taskName, s.SessionID)
	}
}
