package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

// ErrAIParseError is returned by a handler when the model's response
// could not be parsed into the shape the orchestrator expects (spec.md
// §7 "AIParseError": soft failure, good for one requeue-and-regenerate,
// terminal on the second).
var ErrAIParseError = fmt.Errorf("worker: AI response could not be parsed")

// handler is one background task type's execution: build whatever
// prompt/query the task needs, call out (AI, store, path evaluator), and
// return the Result the orchestrator's Intake dispatch table for this
// task name expects (spec.md §4.7 step 3-4).
type handler func(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error)

var handlers = map[string]handler{
	"analyze_form_page":           handleAnalyzeFormPage,
	"regenerate_steps":            handleRegenerateSteps,
	"analyze_failure_and_recover": handleAnalyzeFailure,
	"verify_ui_visual":            handleVisualVerify,
	"verify_dynamic_step_visual":  handleVisualVerify,
	"verify_page_visual":          handlePageVisualVerify,
	"evaluate_paths_with_ai":      handleEvaluatePaths,
	"evaluate_existing_paths":     handleEvaluatePaths,
	"save_mapping_result":         handleSaveMappingResult,
}

// loadContext fetches the session and its owning form route, the common
// context nearly every handler needs (spec.md §4.7: every task carries a
// session id; most need the FormRoute's test cases/input values/spec
// document alongside it).
func loadContext(ctx context.Context, p *Pool, sessionID string) (*orchestrator.Session, store.FormRoute, error) {
	sess, found, err := p.orc.Get(ctx, sessionID)
	if err != nil {
		return nil, store.FormRoute{}, fmt.Errorf("worker: load session %s: %w", sessionID, err)
	}
	if !found {
		return nil, store.FormRoute{}, orchestrator.ErrSessionNotFound
	}
	route, err := p.store.GetFormRoute(ctx, sess.FormRouteID)
	if err != nil && err != store.ErrFormRouteNotFound {
		return nil, store.FormRoute{}, fmt.Errorf("worker: load form route %s: %w", sess.FormRouteID, err)
	}
	return sess, route, nil
}

func handleAnalyzeFormPage(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, route, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	junctionInstructions, _ := decodeArg[map[string]string](env.Args, "junction_instructions")
	prompt := buildStepGenerationPrompt(sess.LastDOMHTML, sess.TestCaseDescription, route.InputValues, route.SpecDocument, junctionInstructions, "")
	return callForSteps(ctx, p, sess, prompt)
}

func handleRegenerateSteps(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, route, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	already, _ := decodeArg[[]orchestrator.Step](env.Args, "already_executed")
	alreadyJSON, _ := json.Marshal(already)
	prompt := buildStepGenerationPrompt(sess.LastDOMHTML, sess.TestCaseDescription, route.InputValues, route.SpecDocument, nil, string(alreadyJSON))
	return callForSteps(ctx, p, sess, prompt)
}

func callForSteps(ctx context.Context, p *Pool, sess *orchestrator.Session, prompt string) (orchestrator.Result, error) {
	req := Request{Prompt: prompt}
	if sess.LastScreenshotKey != "" {
		if shot, err := p.objects.Fetch(ctx, sess.LastScreenshotKey); err == nil {
			req.Screenshots = [][]byte{shot}
		} else {
			p.logger.Warn("worker: fetch screenshot for step generation", "session_id", sess.SessionID, "error", err)
		}
	}

	text, err := p.caller.Call(ctx, sess.TenantID, "form_mapping", req)
	if err != nil {
		return nil, err
	}

	var steps []orchestrator.Step
	if err := unmarshalJSONBlock(text, &steps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAIParseError, err)
	}
	return orchestrator.Result{"steps": steps}, nil
}

func handleAnalyzeFailure(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, _, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	step, _ := decodeArg[orchestrator.Step](env.Args, "step")
	errText := stringArg(env.Args, "error")
	recoveryCount := intArg(env.Args, "recovery_count")

	prompt := buildRecoveryPrompt(step.Description, step.Selector, errText, recoveryCount, sess.LastDOMHTML)
	req := Request{Prompt: prompt}
	if sess.LastScreenshotKey != "" {
		if shot, ferr := p.objects.Fetch(ctx, sess.LastScreenshotKey); ferr == nil {
			req.Screenshots = [][]byte{shot}
		}
	}

	text, err := p.caller.Call(ctx, sess.TenantID, "form_mapping", req)
	if err != nil {
		return nil, err
	}

	var decision struct {
		Kind        string              `json:"kind"`
		NewSelector string              `json:"new_selector"`
		PreSteps    []orchestrator.Step `json:"pre_steps"`
	}
	if err := unmarshalJSONBlock(text, &decision); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAIParseError, err)
	}
	if decision.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrAIParseError)
	}

	result := orchestrator.Result{"kind": decision.Kind}
	if decision.NewSelector != "" {
		result["new_selector"] = decision.NewSelector
	}
	if len(decision.PreSteps) > 0 {
		result["pre_steps"] = decision.PreSteps
	}
	return result, nil
}

func handleVisualVerify(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, _, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	step, _ := decodeArg[orchestrator.Step](env.Args, "step")
	screenshotKey := stringArg(env.Args, "screenshot_key")
	if screenshotKey == "" {
		screenshotKey = sess.LastScreenshotKey
	}

	prompt := buildVisualVerifyPrompt(step.Description, nil)
	req := Request{Prompt: prompt}
	if screenshotKey != "" {
		if shot, ferr := p.objects.Fetch(ctx, screenshotKey); ferr == nil {
			req.Screenshots = [][]byte{shot}
		}
	}

	text, err := p.caller.Call(ctx, sess.TenantID, "form_mapping", req)
	if err != nil {
		return nil, err
	}
	return orchestrator.Result{"defects": strings.TrimSpace(text)}, nil
}

func handlePageVisualVerify(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, _, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	executed, _ := decodeArg[[]orchestrator.Step](env.Args, "executed_steps")
	executedJSON, _ := json.Marshal(executed)
	screenshotKey := stringArg(env.Args, "screenshot_key")
	if screenshotKey == "" {
		screenshotKey = sess.LastScreenshotKey
	}

	prompt := buildPageVerifyPrompt(string(executedJSON))
	req := Request{Prompt: prompt}
	if screenshotKey != "" {
		if shot, ferr := p.objects.Fetch(ctx, screenshotKey); ferr == nil {
			req.Screenshots = [][]byte{shot}
		}
	}

	text, err := p.caller.Call(ctx, sess.TenantID, "form_mapping", req)
	if err != nil {
		return nil, err
	}

	var verdict struct {
		Ready   bool   `json:"ready"`
		Defects string `json:"defects"`
	}
	if err := unmarshalJSONBlock(text, &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAIParseError, err)
	}
	return orchestrator.Result{"ready": verdict.Ready, "defects": verdict.Defects}, nil
}

// handleEvaluatePaths runs the Path Evaluator (spec.md §4.8) over the
// session's current PathTracker. Despite the "_with_ai" task name this
// is a deterministic heuristic, not a model call — the original
// path_evaluation_service.py makes the same decision without prompting a
// model, and pkg/orchestrator.handlePathEvaluation already falls back to
// calling Evaluate itself when a Result carries no "decision", so this
// handler's only job is to run DetectNesting first (it needs the full
// completed-paths history, which only this package's Evaluator owns) and
// hand back the resulting Decision explicitly.
func handleEvaluatePaths(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, _, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	if p.evaluator == nil || sess.PathTracker == nil {
		return orchestrator.Result{}, nil
	}
	p.evaluator.DetectNesting(sess.PathTracker)
	decision := p.evaluator.Evaluate(sess.PathTracker)
	return orchestrator.Result{"decision": decision}, nil
}

// handleSaveMappingResult commits one completed path via the Result
// Recorder (spec.md §4.9), keyed by the session's form route and the
// PathTracker's current path number.
func handleSaveMappingResult(ctx context.Context, p *Pool, env queue.BackgroundEnvelope) (orchestrator.Result, error) {
	sess, _, err := loadContext(ctx, p, env.SessionID)
	if err != nil {
		return nil, err
	}
	executed, _ := decodeArg[[]orchestrator.Step](env.Args, "executed_steps")
	pathNumber := 1
	if sess.PathTracker != nil {
		pathNumber = sess.PathTracker.CurrentPath
	}

	resultID, err := p.recorder.CommitPath(ctx, sess.FormRouteID, pathNumber, executed)
	if err != nil {
		return nil, fmt.Errorf("worker: commit path: %w", err)
	}
	return orchestrator.Result{"result_id": resultID}, nil
}

func unmarshalJSONBlock(text string, out any) error {
	block := extractJSONBlock(text)
	if block == "" {
		return fmt.Errorf("no JSON object/array found in response")
	}
	return json.Unmarshal([]byte(block), out)
}

// extractJSONBlock pulls the first balanced {...} or [...] block out of a
// model response, tolerating the surrounding prose/markdown fences real
// chat models wrap structured output in.
func extractJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
