package orchestrator

import (
	"fmt"
	"time"

	"github.com/quickform/orchestrator/pkg/pathevaluator"
)

// waitAndRetryDelay is the fixed back-off before a page-general-error
// retry (spec.md §4.6 "Retry policy").
const waitAndRetryDelay = 60 * time.Second

// alertActions fail silently: "no alert present" is not a failure
// (spec.md §4.6 "Alert actions").
var alertActions = map[string]bool{"accept_alert": true, "dismiss_alert": true}

func (o *Orchestrator) handleLoginResult(s *Session, result Result) (Outcome, error) {
	if !result.bool("success") {
		return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "login_failed"}, nil
	}
	s.DashboardURL = result.str("dashboard_url")
	if fs := result.jsonString("final_stages"); fs != "" {
		s.LoginStages = fs
	}
	s.Phase = PhaseNavigating
	return Outcome{NextAgentTask: &AgentTaskRequest{
		TaskType:   "navigate_to_form",
		Parameters: map[string]any{"start_url": s.DashboardURL},
	}}, nil
}

func (o *Orchestrator) handleNavigateResult(s *Session, result Result) (Outcome, error) {
	if !result.bool("success") {
		return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "navigation_failed"}, nil
	}
	if fs := result.jsonString("final_stages"); fs != "" {
		s.NavigationStages = fs
	}
	s.Phase = PhaseNeedSteps
	return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
		TaskName: "analyze_form_page",
		Args: map[string]any{
			"junction_instructions": s.PendingOverrides,
			"dom_html":              s.LastDOMHTML,
			"screenshot_key":        s.LastScreenshotKey,
		},
	}}, nil
}

// handleStepsGenerated covers both analyze_form_page (fresh step list)
// and regenerate_steps (remainder after a heal) — both deliver an
// ordered step list and land in HAVE_STEPS (spec.md §4.6).
func (o *Orchestrator) handleStepsGenerated(s *Session, result Result) (Outcome, error) {
	steps, ok := result["steps"].([]Step)
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: steps generation returned no step list")
	}
	s.Stages = steps
	s.StepIndex = 0
	s.RetryCount = 0
	s.Phase = PhaseHaveSteps
	return o.dispatchNextStep(s)
}

// dispatchNextStep advances to EXECUTING_STEP for the current step
// index, applying any pending junction override first (spec.md §4.6
// "Path seeding").
func (o *Orchestrator) dispatchNextStep(s *Session) (Outcome, error) {
	step, ok := s.currentStep()
	if !ok {
		s.Phase = PhaseAllStepsDone
		return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
			TaskName: "verify_page_visual",
			Args: map[string]any{
				"executed_steps": s.ExecutedSteps,
				"screenshot_key": s.LastScreenshotKey,
			},
		}}, nil
	}

	if override, matched := applyOverride(s, &step); matched {
		s.Stages[s.StepIndex] = step
		o.logger.Debug("applied junction override", "selector", step.Selector, "value", override)
	}

	s.Phase = PhaseExecutingStep
	return Outcome{NextAgentTask: &AgentTaskRequest{
		TaskType:   "exec_step",
		Parameters: map[string]any{"step": step},
	}}, nil
}

// handleStepResult covers the agent's exec_step response (spec.md §4.6
// EXECUTING_STEP -> {STEP_OK, STEP_FAILED, STEP_NEEDS_VISUAL_VERIFY}).
func (o *Orchestrator) handleStepResult(s *Session, result Result) (Outcome, error) {
	step, ok := s.currentStep()
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: exec_step result with no current step")
	}

	if dom := result.str("dom_html"); dom != "" {
		s.LastDOMHTML = dom
	}
	if key := result.str("screenshot_key"); key != "" {
		s.LastScreenshotKey = key
	}

	if !result.bool("success") {
		if alertActions[step.Action] {
			return o.advanceStep(s, step)
		}
		if step.Action == "verify" {
			return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "verification_failure"}, nil
		}
		// RetryCount is NOT reset here: repeated failures of the same step
		// must accumulate toward maxRetryAttempts across every pass through
		// RECOVERING. It resets only in advanceStep (the step succeeded) or
		// on a fresh step list.
		s.Phase = PhaseRecovering
		return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
			TaskName: "analyze_failure_and_recover",
			Args: map[string]any{
				"step":           step,
				"error":          result.str("error"),
				"recovery_count": s.RecoveryCount,
				"dom_html":       s.LastDOMHTML,
				"screenshot_key": s.LastScreenshotKey,
			},
		}}, nil
	}

	if step.IsJunction && o.evaluator != nil {
		fieldsChanged := result.bool("fields_changed_hint")
		o.evaluator.UpdateFromStep(s.PathTracker, pathevaluator.StepResult{
			IsJunction: true, Selector: step.Selector, StepNumber: step.StepNumber,
			JunctionName: step.JunctionName, JunctionType: pathevaluator.JunctionDropdown,
			AllOptions: step.AllOptions, ChosenOption: step.ChosenOption, FieldsChanged: fieldsChanged,
		})
	}

	requiresVisualVerify := result.bool("needs_visual_verify")
	if requiresVisualVerify {
		s.Phase = PhaseVerifyingVisual
		return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
			TaskName: "verify_dynamic_step_visual",
			Args:     map[string]any{"screenshot_key": result.str("screenshot_key"), "step": step},
		}}, nil
	}

	return o.advanceStep(s, step)
}

func (o *Orchestrator) advanceStep(s *Session, executed Step) (Outcome, error) {
	s.ExecutedSteps = append(s.ExecutedSteps, executed)
	s.StepIndex++
	s.RetryCount = 0
	s.Phase = PhaseHaveSteps
	return o.dispatchNextStep(s)
}

func (o *Orchestrator) handleWaitRetryElapsed(s *Session) (Outcome, error) {
	s.Phase = PhaseHaveSteps
	return o.dispatchNextStep(s)
}

func (o *Orchestrator) handleVisualStepVerify(s *Session, result Result) (Outcome, error) {
	defects := result.str("defects")
	if defects != "" {
		s.LastAIDecision = defects
		s.Phase = PhaseRecovering
		step, _ := s.currentStep()
		return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
			TaskName: "analyze_failure_and_recover",
			Args: map[string]any{
				"step": step, "error": defects, "recovery_count": s.RecoveryCount,
				"dom_html": s.LastDOMHTML, "screenshot_key": s.LastScreenshotKey,
			},
		}}, nil
	}
	step, ok := s.currentStep()
	if !ok {
		return Outcome{}, fmt.Errorf("orchestrator: visual verify result with no current step")
	}
	return o.advanceStep(s, step)
}

// handleRecoveryResult dispatches on the recovery classifier's decision
// (spec.md §4.6 RECOVERING -> {locator_changed, page_general_error,
// need_healing, correction_steps}). Retry exhaustion across all four
// kinds shares one counter, bounded to maxRetryAttempts (spec.md
// "Retry policy").
func (o *Orchestrator) handleRecoveryResult(s *Session, result Result) (Outcome, error) {
	kind := result.str("kind")

	if kind != "need_healing" {
		s.RetryCount++
		if s.RetryCount > maxRetryAttempts {
			s.RecoveryCount++
			return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "recovery_exhausted"}, nil
		}
	}

	switch kind {
	case "locator_changed":
		step, ok := s.currentStep()
		if !ok {
			return Outcome{}, fmt.Errorf("orchestrator: locator_changed with no current step")
		}
		step.Selector = result.str("new_selector")
		s.Stages[s.StepIndex] = step
		s.StagesUpdated = true
		if matched, err := revalidateOverrideAfterSplice(s); err != nil {
			return Outcome{}, err
		} else if !matched {
			return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "junction_override_lost"}, nil
		}
		s.Phase = PhaseHaveSteps
		return o.dispatchNextStep(s)

	case "page_general_error":
		s.Phase = PhaseHaveSteps
		return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
			TaskName: "wait_and_retry_step",
			Args:     map[string]any{},
			Delay:    waitAndRetryDelay,
		}}, nil

	case "need_healing":
		s.Phase = PhaseRegenerating
		return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
			TaskName: "regenerate_steps",
			Args: map[string]any{
				"already_executed": s.ExecutedSteps,
				"dom_html":         s.LastDOMHTML,
				"screenshot_key":   s.LastScreenshotKey,
			},
		}}, nil

	case "correction_steps":
		preSteps, _ := result["pre_steps"].([]Step)
		s.Stages = spliceSteps(s.Stages, s.StepIndex, preSteps)
		s.StagesUpdated = true
		if matched, err := revalidateOverrideAfterSplice(s); err != nil {
			return Outcome{}, err
		} else if !matched {
			return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "junction_override_lost"}, nil
		}
		s.Phase = PhaseHaveSteps
		return o.dispatchNextStep(s)

	default:
		return Outcome{}, fmt.Errorf("orchestrator: unknown recovery kind %q", kind)
	}
}

func spliceSteps(stages []Step, at int, preSteps []Step) []Step {
	out := make([]Step, 0, len(stages)+len(preSteps))
	out = append(out, stages[:at]...)
	out = append(out, preSteps...)
	out = append(out, stages[at:]...)
	return out
}

func (o *Orchestrator) handlePageVerify(s *Session, result Result) (Outcome, error) {
	if !result.bool("ready") {
		s.LastError = result.str("defects")
		return Outcome{Terminal: true, TerminalStatus: "failed", TerminalCause: "verification_failure"}, nil
	}
	s.Phase = PhasePathCommitted
	return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
		TaskName: "save_mapping_result",
		Args:     map[string]any{"executed_steps": s.ExecutedSteps},
	}}, nil
}

func (o *Orchestrator) handleResultSaved(s *Session, result Result) (Outcome, error) {
	resultID := result.str("result_id")
	choices := map[string]string{}
	var junctionSteps []pathevaluator.JunctionStep
	for _, step := range s.ExecutedSteps {
		if !step.IsJunction {
			continue
		}
		id := fmt.Sprintf("junction_%s", step.JunctionName)
		choices[id] = step.ChosenOption
		junctionSteps = append(junctionSteps, pathevaluator.JunctionStep{
			StepIndex: step.StepNumber, JunctionID: id, JunctionName: step.JunctionName,
			Option: step.ChosenOption, Selector: step.Selector,
		})
	}
	if o.evaluator != nil {
		o.evaluator.CompletePath(s.PathTracker, choices, junctionSteps, resultID)
	}

	s.Phase = PhaseEvaluatingPaths
	return Outcome{NextBackgroundTask: &BackgroundTaskRequest{
		TaskName: "evaluate_paths_with_ai",
		Args:     map[string]any{},
	}}, nil
}

func (o *Orchestrator) handlePathEvaluation(s *Session, result Result) (Outcome, error) {
	decision, ok := result["decision"].(pathevaluator.Decision)
	if !ok && o.evaluator != nil {
		decision = o.evaluator.Evaluate(s.PathTracker)
	}

	if decision.AllPathsComplete {
		return Outcome{Terminal: true, TerminalStatus: "completed"}, nil
	}

	s.PendingOverrides = decision.JunctionInstructions
	s.StepIndex = firstJunctionStepIndex(s, decision.JunctionInstructions)
	s.ExecutedSteps = nil
	s.RetryCount = 0
	s.Phase = PhaseHaveSteps
	return o.dispatchNextStep(s)
}

// firstJunctionStepIndex finds where to resume so the forced junction
// option is re-evaluated from scratch, rather than resuming mid-path.
func firstJunctionStepIndex(s *Session, instructions map[string]string) int {
	for i, step := range s.Stages {
		if _, ok := instructions[step.Selector]; ok {
			return i
		}
	}
	return 0
}
