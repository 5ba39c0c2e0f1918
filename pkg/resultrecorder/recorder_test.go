package resultrecorder

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewForTest(db, "sqlite3")
	require.NoError(t, err)
	return New(st), st
}

func seedFormRoute(t *testing.T, st *store.Store) string {
	t.Helper()
	const id = "route-1"
	require.NoError(t, st.CreateFormRoute(context.Background(), store.FormRoute{
		FormRouteID: id, ProjectID: "proj-1", NetworkID: "net-1", FormName: "intake",
	}))
	return id
}

func sampleSteps() []orchestrator.Step {
	return []orchestrator.Step{
		{StepNumber: 1, Action: "fill", Selector: "#name", Value: "Ada"},
		{StepNumber: 2, Action: "click", Selector: "#submit"},
	}
}

// TestCommitPathIsIdempotent verifies the spec.md §8 "re-posting the
// same task-result twice" law: a duplicate save_mapping_result for the
// same (form_route, path_number) must return the same result id rather
// than erroring or creating a second row.
func TestCommitPathIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, st := newTestRecorder(t)
	formRouteID := seedFormRoute(t, st)

	id1, err := r.CommitPath(ctx, formRouteID, 1, sampleSteps())
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := r.CommitPath(ctx, formRouteID, 1, sampleSteps())
	require.NoError(t, err)
	require.Equal(t, id1, id2, "re-committing the same path must be a no-op, not a new row")
}

func TestCommitPathDistinctPathNumbersGetDistinctRows(t *testing.T) {
	ctx := context.Background()
	r, st := newTestRecorder(t)
	formRouteID := seedFormRoute(t, st)

	id1, err := r.CommitPath(ctx, formRouteID, 1, sampleSteps())
	require.NoError(t, err)
	id2, err := r.CommitPath(ctx, formRouteID, 2, sampleSteps())
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestHealFormRoutePatchesOnlyProvidedStages(t *testing.T) {
	ctx := context.Background()
	r, st := newTestRecorder(t)
	formRouteID := seedFormRoute(t, st)

	require.NoError(t, r.HealFormRoute(ctx, formRouteID, `[{"action":"fill"}]`, ""))

	route, err := st.GetFormRoute(ctx, formRouteID)
	require.NoError(t, err)
	require.Equal(t, `[{"action":"fill"}]`, route.LoginStages)
	require.Equal(t, "", route.NavigationSteps)

	require.NoError(t, r.HealFormRoute(ctx, formRouteID, "", `[{"action":"click"}]`))

	route, err = st.GetFormRoute(ctx, formRouteID)
	require.NoError(t, err)
	require.Equal(t, `[{"action":"fill"}]`, route.LoginStages)
	require.Equal(t, `[{"action":"click"}]`, route.NavigationSteps)
}

func TestHealFormRouteNoopWhenNothingToHeal(t *testing.T) {
	ctx := context.Background()
	r, st := newTestRecorder(t)
	formRouteID := seedFormRoute(t, st)

	require.NoError(t, r.HealFormRoute(ctx, formRouteID, "", ""))

	route, err := st.GetFormRoute(ctx, formRouteID)
	require.NoError(t, err)
	require.Equal(t, "", route.LoginStages)
	require.Equal(t, "", route.NavigationSteps)
}
