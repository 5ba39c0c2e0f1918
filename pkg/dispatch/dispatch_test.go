package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/pathevaluator"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *queue.Fabric) {
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

	orc := orchestrator.New(rc, st, evaluator, nil)
	fabric := queue.New(rc)

	return New(orc, st, fabric, nil, nil, nil), st, fabric
}

func seedFormRoute(t *testing.T, st *store.Store) string {
	t.Helper()
	const formRouteID = "route-1"
	require.NoError(t, st.CreateFormRoute(context.Background(), store.FormRoute{
		FormRouteID: formRouteID, ProjectID: "proj-1", NetworkID: "net-1", FormName: "intake",
	}))
	return formRouteID
}

// TestCreateSessionPushesLoginTaskOntoOwningUsersQueue exercises the
// dispatch bridge end to end: CreateSession's orchestrator transition
// must result in a durable AgentTask row and a queue envelope on the
// owning user's queue, not some other user's (spec.md §8 queue
// isolation applies just as much to dispatch as to the Queue Fabric
// itself).
func TestCreateSessionPushesLoginTaskOntoOwningUsersQueue(t *testing.T) {
	ctx := context.Background()
	svc, st, fabric := newTestService(t)
	formRouteID := seedFormRoute(t, st)

	require.NoError(t, st.CreateMappingSession(ctx, store.MappingSession{
		SessionID: "sess-1", TenantID: "tenant-1", UserID: "user-1",
		ProjectID: "proj-1", NetworkID: "net-1", ActivityType: "form_mapping", Status: "created",
	}))

	require.NoError(t, svc.CreateSession(ctx, "sess-1", orchestrator.Session{
		TenantID: "tenant-1", UserID: "user-1", ProjectID: "proj-1",
		NetworkID: "net-1", ActivityType: orchestrator.ActivityFormMapping, FormRouteID: formRouteID,
	}))

	_, found, err := fabric.PopAgentTask(ctx, "someone-else")
	require.NoError(t, err)
	require.False(t, found)

	env, found, err := fabric.PopAgentTask(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "login", env.TaskType)

	task, err := st.GetAgentTask(ctx, env.TaskID)
	require.NoError(t, err)
	require.Equal(t, "sess-1", task.SessionID)
	require.EqualValues(t, 1, task.SessionVersionSnapshot)
}

// TestAgentTaskResultForVanishedSessionIsNotAnError verifies dispatch
// treats a late result for a session the orchestrator no longer knows
// about as the same "stale, discard" case Intake itself handles (spec.md
// §8 stale-result rejection), rather than surfacing it as a hard error
// up to the HTTP handler.
func TestAgentTaskResultForVanishedSessionIsNotAnError(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	require.NoError(t, st.CreateAgentTask(ctx, store.AgentTask{
		TaskID: "task-1", TenantID: "tenant-1", UserID: "user-1", TaskType: "login",
		Parameters: "{}", SessionID: "missing-session", SessionVersionSnapshot: 1,
	}))

	resultJSON, err := json.Marshal(map[string]any{"success": true})
	require.NoError(t, err)

	require.NoError(t, svc.AgentTaskResult(ctx, "task-1", "completed", string(resultJSON), ""))

	task, err := st.GetAgentTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "completed", task.Status)
}

func TestDecodeAgentResultFoldsFailureStatus(t *testing.T) {
	result := decodeAgentResult(`{"dom_html":"<html/>"}`, "failed", "selector not found")

	success, _ := result["success"].(bool)
	require.False(t, success)
	require.Equal(t, "selector not found", result["error"])
	require.Equal(t, "<html/>", result["dom_html"])
}

func TestDecodeAgentResultCompletedLeavesFieldsUntouched(t *testing.T) {
	result := decodeAgentResult(`{"success":true,"dashboard_url":"https://x/dash"}`, "completed", "")

	require.Equal(t, true, result["success"])
	require.Equal(t, "https://x/dash", result["dashboard_url"])
	_, hasError := result["error"]
	require.False(t, hasError)
}
