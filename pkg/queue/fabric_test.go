package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client)
}

func TestQueueIsolation(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	require.NoError(t, f.PushAgentTask(ctx, "user-1", Envelope{TaskID: "t1", TaskType: "login"}))

	_, found, err := f.PopAgentTask(ctx, "user-2")
	require.NoError(t, err)
	require.False(t, found, "user-2 must never see user-1's task")

	env, found, err := f.PopAgentTask(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "t1", env.TaskID)
}

func TestPopAgentTaskEmptyReturnsNotFound(t *testing.T) {
	f := newTestFabric(t)
	_, found, err := f.PopAgentTask(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAgentQueueFIFOOrder(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	require.NoError(t, f.PushAgentTask(ctx, "u", Envelope{TaskID: "first"}))
	require.NoError(t, f.PushAgentTask(ctx, "u", Envelope{TaskID: "second"}))

	first, _, err := f.PopAgentTask(ctx, "u")
	require.NoError(t, err)
	second, _, err := f.PopAgentTask(ctx, "u")
	require.NoError(t, err)

	require.Equal(t, "first", first.TaskID)
	require.Equal(t, "second", second.TaskID)
}

func TestBackgroundTaskRoundTrip(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	require.NoError(t, f.PushBackgroundTask(ctx, "mapper", BackgroundEnvelope{
		TaskName:               "analyze_form_page",
		SessionID:              "sess-1",
		SessionVersionSnapshot: 3,
	}))

	env, queueName, found, err := f.PopBackgroundTask(ctx, []string{"mapper", "runner"}, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "mapper", queueName)
	require.Equal(t, "analyze_form_page", env.TaskName)
	require.EqualValues(t, 3, env.SessionVersionSnapshot)
}
