package orchestrator

import (
	"context"
	"database/sql"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/pathevaluator"
	"github.com/quickform/orchestrator/pkg/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewForTest(db, "sqlite3")
	require.NoError(t, err)

	var cfg config.PathEvaluatorConfig
	cfg.SetDefaults()
	evaluator := pathevaluator.New(cfg)

	return New(rc, st, evaluator, nil), st
}

func seedFormRoute(t *testing.T, st *store.Store) string {
	t.Helper()
	const formRouteID = "route-1"
	err := st.CreateFormRoute(context.Background(), store.FormRoute{
		FormRouteID: formRouteID, ProjectID: "proj-1", NetworkID: "net-1", FormName: "intake",
	})
	require.NoError(t, err)
	return formRouteID
}

func seedMappingSession(t *testing.T, st *store.Store, sessionID string) {
	t.Helper()
	err := st.CreateMappingSession(context.Background(), store.MappingSession{
		SessionID: sessionID, TenantID: "tenant-1", UserID: "user-1",
		ProjectID: "proj-1", NetworkID: "net-1", ActivityType: "form_mapping", Status: "created",
	})
	require.NoError(t, err)
}

func TestCreateSessionIssuesLoginTask(t *testing.T) {
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-1")

	outcome, err := o.CreateSession(context.Background(), "sess-1", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.NextAgentTask)
	require.Equal(t, "login", outcome.NextAgentTask.TaskType)

	s, found, err := o.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, PhaseLoginRequested, s.Phase)
	require.EqualValues(t, 1, s.SessionVersion)
}

func TestHappyPathFormMappingReachesCompleted(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-2")

	_, err := o.CreateSession(ctx, "sess-2", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)

	outcome, err := o.Intake(ctx, "sess-2", SourceAgent, "login", 1, Result{
		"success": true, "dashboard_url": "https://example.test/dashboard",
	})
	require.NoError(t, err)
	require.Equal(t, "navigate_to_form", outcome.NextAgentTask.TaskType)

	outcome, err = o.Intake(ctx, "sess-2", SourceAgent, "navigate_to_form", 2, Result{"success": true})
	require.NoError(t, err)
	require.Equal(t, "analyze_form_page", outcome.NextBackgroundTask.TaskName)

	outcome, err = o.Intake(ctx, "sess-2", SourceBackground, "analyze_form_page", 3, Result{
		"steps": []Step{
			{StepNumber: 0, Action: "fill", Selector: "#name", Value: "Ada"},
			{StepNumber: 1, Action: "click", Selector: "#submit"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "exec_step", outcome.NextAgentTask.TaskType)

	outcome, err = o.Intake(ctx, "sess-2", SourceAgent, "exec_step", 4, Result{"success": true})
	require.NoError(t, err)
	require.Equal(t, "exec_step", outcome.NextAgentTask.TaskType)

	outcome, err = o.Intake(ctx, "sess-2", SourceAgent, "exec_step", 5, Result{"success": true})
	require.NoError(t, err)
	require.Equal(t, "verify_page_visual", outcome.NextBackgroundTask.TaskName)

	outcome, err = o.Intake(ctx, "sess-2", SourceBackground, "verify_page_visual", 6, Result{"ready": true})
	require.NoError(t, err)
	require.Equal(t, "save_mapping_result", outcome.NextBackgroundTask.TaskName)

	outcome, err = o.Intake(ctx, "sess-2", SourceBackground, "save_mapping_result", 7, Result{"result_id": "res-1"})
	require.NoError(t, err)
	require.Equal(t, "evaluate_paths_with_ai", outcome.NextBackgroundTask.TaskName)

	outcome, err = o.Intake(ctx, "sess-2", SourceBackground, "evaluate_paths_with_ai", 8, Result{})
	require.NoError(t, err)
	require.True(t, outcome.Terminal)
	require.Equal(t, "completed", outcome.TerminalStatus)

	row, err := st.GetMappingSession(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, "completed", row.Status)
}

func TestStaleResultAfterCancelIsDiscarded(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-3")

	_, err := o.CreateSession(ctx, "sess-3", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)

	require.NoError(t, o.Cancel(ctx, "sess-3"))

	outcome, err := o.Intake(ctx, "sess-3", SourceAgent, "login", 1, Result{"success": true})
	require.NoError(t, err)
	require.True(t, outcome.Terminal)
	require.Equal(t, "cancelled", outcome.TerminalStatus)

	s, found, err := o.Get(ctx, "sess-3")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, PhaseCancelled, s.Phase)
}

func TestIntakeDiscardsResultDispatchedBeforeCurrentVersion(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-4")

	_, err := o.CreateSession(ctx, "sess-4", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)

	_, err = o.Intake(ctx, "sess-4", SourceAgent, "login", 1, Result{
		"success": true, "dashboard_url": "https://example.test/dashboard",
	})
	require.NoError(t, err)

	outcome, err := o.Intake(ctx, "sess-4", SourceAgent, "login", 1, Result{"success": true})
	require.NoError(t, err)
	require.Nil(t, outcome.NextAgentTask)
	require.False(t, outcome.Terminal)
}

func TestExecStepFailureEntersRecoveringThenHealsLocator(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-5")

	_, err := o.CreateSession(ctx, "sess-5", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-5", SourceAgent, "login", 1, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-5", SourceAgent, "navigate_to_form", 2, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-5", SourceBackground, "analyze_form_page", 3, Result{
		"steps": []Step{{StepNumber: 0, Action: "click", Selector: "#stale-locator"}},
	})
	require.NoError(t, err)

	outcome, err := o.Intake(ctx, "sess-5", SourceAgent, "exec_step", 4, Result{
		"success": false, "error": "element not found",
	})
	require.NoError(t, err)
	require.Equal(t, "analyze_failure_and_recover", outcome.NextBackgroundTask.TaskName)

	outcome, err = o.Intake(ctx, "sess-5", SourceBackground, "analyze_failure_and_recover", 5, Result{
		"kind": "locator_changed", "new_selector": "#fixed-locator",
	})
	require.NoError(t, err)
	require.Equal(t, "exec_step", outcome.NextAgentTask.TaskType)

	s, found, err := o.Get(ctx, "sess-5")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "#fixed-locator", s.Stages[0].Selector)
}

func TestRecoveryExhaustionEndsSessionFailed(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-6")

	_, err := o.CreateSession(ctx, "sess-6", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-6", SourceAgent, "login", 1, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-6", SourceAgent, "navigate_to_form", 2, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-6", SourceBackground, "analyze_form_page", 3, Result{
		"steps": []Step{{StepNumber: 0, Action: "click", Selector: "#gone"}},
	})
	require.NoError(t, err)

	var outcome Outcome
	version := int64(4)
	for i := 0; i < 3; i++ {
		_, err = o.Intake(ctx, "sess-6", SourceAgent, "exec_step", version, Result{
			"success": false, "error": "element not found",
		})
		require.NoError(t, err)
		version++
		outcome, err = o.Intake(ctx, "sess-6", SourceBackground, "analyze_failure_and_recover", version, Result{
			"kind": "page_general_error",
		})
		require.NoError(t, err)
		version++
		if outcome.Terminal {
			break
		}
		_, err = o.Intake(ctx, "sess-6", SourceBackground, "wait_and_retry_step", version, Result{})
		require.NoError(t, err)
		version++
	}

	require.True(t, outcome.Terminal)
	require.Equal(t, "failed", outcome.TerminalStatus)
	require.Equal(t, "recovery_exhausted", outcome.TerminalCause)

	row, err := st.GetMappingSession(ctx, "sess-6")
	require.NoError(t, err)
	require.Equal(t, "failed", row.Status)
}

func TestJunctionPathSeedingDispatchesSecondPath(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-7")

	_, err := o.CreateSession(ctx, "sess-7", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-7", SourceAgent, "login", 1, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-7", SourceAgent, "navigate_to_form", 2, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-7", SourceBackground, "analyze_form_page", 3, Result{
		"steps": []Step{
			{
				StepNumber: 0, Action: "select", Selector: "#category", IsJunction: true,
				JunctionName: "category", ChosenOption: "books", AllOptions: []string{"books", "electronics"},
			},
			{StepNumber: 1, Action: "click", Selector: "#submit"},
		},
	})
	require.NoError(t, err)

	_, err = o.Intake(ctx, "sess-7", SourceAgent, "exec_step", 4, Result{
		"success": true, "fields_changed_hint": true,
	})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-7", SourceAgent, "exec_step", 5, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-7", SourceBackground, "verify_page_visual", 6, Result{"ready": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-7", SourceBackground, "save_mapping_result", 7, Result{"result_id": "res-a"})
	require.NoError(t, err)

	outcome, err := o.Intake(ctx, "sess-7", SourceBackground, "evaluate_paths_with_ai", 8, Result{})
	require.NoError(t, err)
	require.False(t, outcome.Terminal)
	require.Equal(t, "exec_step", outcome.NextAgentTask.TaskType)

	s, found, err := o.Get(ctx, "sess-7")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, s.StepIndex)
	require.Equal(t, "electronics", s.Stages[0].Value)
}

func TestJunctionOverrideLostAfterSpliceFailsClosed(t *testing.T) {
	ctx := context.Background()
	o, st := newTestOrchestrator(t)
	formRouteID := seedFormRoute(t, st)
	seedMappingSession(t, st, "sess-8")

	_, err := o.CreateSession(ctx, "sess-8", Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: ActivityFormMapping, FormRouteID: formRouteID,
	})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-8", SourceAgent, "login", 1, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-8", SourceAgent, "navigate_to_form", 2, Result{"success": true})
	require.NoError(t, err)
	_, err = o.Intake(ctx, "sess-8", SourceBackground, "analyze_form_page", 3, Result{
		"steps": []Step{{StepNumber: 0, Action: "click", Selector: "#first"}},
	})
	require.NoError(t, err)

	s, found, err := o.Get(ctx, "sess-8")
	require.NoError(t, err)
	require.True(t, found)
	s.PendingOverrides = map[string]string{"#missing-after-splice": "value"}
	require.NoError(t, o.fast.save(ctx, s))

	outcome, err := o.Intake(ctx, "sess-8", SourceAgent, "exec_step", s.SessionVersion, Result{
		"success": false, "error": "boom",
	})
	require.NoError(t, err)
	require.Equal(t, "analyze_failure_and_recover", outcome.NextBackgroundTask.TaskName)

	outcome, err = o.Intake(ctx, "sess-8", SourceBackground, "analyze_failure_and_recover", s.SessionVersion+1, Result{
		"kind": "correction_steps",
		"pre_steps": []Step{{StepNumber: 0, Action: "click", Selector: "#precheck"}},
	})
	require.NoError(t, err)
	require.True(t, outcome.Terminal)
	require.Equal(t, "failed", outcome.TerminalStatus)
	require.Equal(t, "junction_override_lost", outcome.TerminalCause)
}
