// Package orchestrator is the Session State Machine (spec.md §4.6): the
// brain that owns a mapping session's fast-store record and advances it
// in response to exactly three inputs — an agent result, a background
// task completion, or an explicit cancellation. Grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's
// _continue_orchestrator_chain (the dispatch shape this package
// generalizes from a Celery-task-name switch into a typed state table)
// and original_source/api-server/services/form_mapper_orchestrator.py
// where present.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/quickform/orchestrator/pkg/pathevaluator"
)

// Phase is one node in the state diagram of spec.md §4.6.
type Phase string

const (
	PhaseCreated         Phase = "CREATED"
	PhaseLoginRequested  Phase = "LOGIN_REQUESTED"
	PhaseLoginDone       Phase = "LOGIN_DONE"
	PhaseNavigating      Phase = "NAVIGATING"
	PhaseFormLanded      Phase = "FORM_LANDED"
	PhaseNeedSteps       Phase = "NEED_STEPS"
	PhaseHaveSteps       Phase = "HAVE_STEPS"
	PhaseExecutingStep   Phase = "EXECUTING_STEP"
	PhaseRecovering      Phase = "RECOVERING"
	PhaseVerifyingVisual Phase = "VERIFYING_VISUAL"
	PhaseRegenerating    Phase = "REGENERATING"
	PhaseAllStepsDone    Phase = "ALL_STEPS_DONE"
	PhaseVerifyingPage   Phase = "VERIFYING_PAGE"
	PhasePathCommitted   Phase = "PATH_COMMITTED"
	PhaseEvaluatingPaths Phase = "EVALUATE_PATHS"
	PhaseCompleted       Phase = "COMPLETED"
	PhaseFailed          Phase = "FAILED"
	PhaseCancelled       Phase = "CANCELLED"
)

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ActivityType mirrors spec.md §3's MappingSession.activity_type.
type ActivityType string

const (
	ActivityFormMapping           ActivityType = "form_mapping"
	ActivityDynamicContentMapping ActivityType = "dynamic_content_mapping"
	ActivityLogoutMapping         ActivityType = "logout_mapping"
)

// RetryKind distinguishes the three bounded-retry counters spec.md §4.6
// names (page-general-error wait-and-retry, locator-changed retry, and
// spliced correction-step retries all share one budget per the spec).
const maxRetryAttempts = 2

// Step is the smallest executable unit (spec.md §3 Stage).
type Step struct {
	StepNumber   int    `json:"step_number"`
	Action       string `json:"action"`
	Selector     string `json:"selector"`
	Value        string `json:"value,omitempty"`
	Description  string `json:"description,omitempty"`
	FullXPath    string `json:"full_xpath,omitempty"`

	// IsJunction and the fields below are populated when this step
	// chose among options that may reveal new fields (spec.md §4.9).
	IsJunction    bool     `json:"is_junction,omitempty"`
	JunctionName  string   `json:"junction_name,omitempty"`
	ChosenOption  string   `json:"chosen_option,omitempty"`
	AllOptions    []string `json:"all_options,omitempty"`
}

// Session is the fast-store session record (spec.md §6 "Session
// record"), held as a Redis hash with a two-hour TTL and mirrored into
// the durable pkg/store.MappingSession row at creation and on every
// status transition.
type Session struct {
	SessionID    string       `json:"-"`
	TenantID     string       `json:"tenant_id"`
	UserID       string       `json:"user_id"`
	ProjectID    string       `json:"project_id"`
	NetworkID    string       `json:"network_id"`
	ActivityType ActivityType `json:"activity_type"`
	FormRouteID  string       `json:"form_route_id"`
	BaseURL      string       `json:"base_url,omitempty"`
	DashboardURL string       `json:"dashboard_url,omitempty"`

	// TestCaseDescription is the free-text scenario description supplied
	// for dynamic-content-mapping sessions (spec.md §3 MappingSession
	// "test-case description (for dynamic content)"); empty for plain
	// form-mapping sessions.
	TestCaseDescription string `json:"test_case_description,omitempty"`

	Phase          Phase  `json:"phase"`
	StepIndex      int    `json:"step_index"`
	RetryCount     int    `json:"retry_count"`
	RecoveryCount  int    `json:"recovery_count"`
	LastError      string `json:"last_error,omitempty"`
	LastAIDecision string `json:"last_ai_decision,omitempty"`
	StagesUpdated  bool   `json:"stages_updated"`

	// LoginStages and NavigationStages hold the agent-reported
	// final_stages for login/navigation, opaque JSON passed through
	// unmodified (spec.md §6 login/navigate_to_form results). The
	// Result Recorder patches these onto the FormRoute on the last
	// committed path when they differ from what was last healed
	// (spec.md §4.9).
	LoginStages      string `json:"login_stages,omitempty"`
	NavigationStages string `json:"navigation_stages,omitempty"`

	// LastDOMHTML and LastScreenshotKey cache the most recent page state
	// an agent reported via exec_step's dom_html/screenshot_key (spec.md
	// §6), so a subsequent background task (step generation, recovery
	// classification, visual verification) has something to analyze
	// without asking the agent again mid-background-task.
	LastDOMHTML       string `json:"last_dom_html,omitempty"`
	LastScreenshotKey string `json:"last_screenshot_key,omitempty"`

	Stages                []Step                 `json:"stages"`
	ExecutedSteps         []Step                 `json:"executed_steps"`
	AlreadyVerifiedFields map[string]bool        `json:"already_verified_fields"`
	PathTracker           *pathevaluator.Tracker `json:"path_tracker"`

	// PendingOverride holds a path-seeding instruction from the Path
	// Evaluator (spec.md §4.6 "Path seeding"): the next step matching
	// Selector must use Value instead of whatever the step list says.
	PendingOverrides map[string]string `json:"pending_overrides,omitempty"`

	SessionVersion int64 `json:"session_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSession(sessionID string, s Session) *Session {
	s.SessionID = sessionID
	s.Phase = PhaseCreated
	s.AlreadyVerifiedFields = map[string]bool{}
	s.PathTracker = pathevaluator.NewTracker()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	return &s
}

func (s *Session) currentStep() (Step, bool) {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Stages) {
		return Step{}, false
	}
	return s.Stages[s.StepIndex], true
}

func (s *Session) marshalField(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// Outcome is what Intake returns: at most one next task to enqueue
// (spec.md §4.6/§4.7's "at-most-one-in-flight" invariant), plus whether
// the session has reached a terminal state.
type Outcome struct {
	NextAgentTask      *AgentTaskRequest
	NextBackgroundTask *BackgroundTaskRequest
	Terminal           bool
	TerminalStatus     string // "completed" | "failed" | "cancelled"
	TerminalCause      string
}

// AgentTaskRequest is what the orchestrator asks the caller to push onto
// the Queue Fabric's per-user queue.
type AgentTaskRequest struct {
	TaskType   string
	Parameters map[string]any
}

// BackgroundTaskRequest is what the orchestrator asks the caller to push
// onto a named background worker queue.
type BackgroundTaskRequest struct {
	TaskName string
	Args     map[string]any
	Delay    time.Duration
}
