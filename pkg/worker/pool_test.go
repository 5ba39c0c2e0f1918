package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/queue"
)

type fakeDispatcher struct {
	failed      map[string]string // sessionID -> cause
	fed         map[string]orchestrator.Result
	failErr     error
	feedErr     error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failed: map[string]string{}, fed: map[string]orchestrator.Result{}}
}

func (f *fakeDispatcher) BackgroundTaskResult(ctx context.Context, sessionID, taskName string, dispatchedVersion int64, result orchestrator.Result) error {
	f.fed[sessionID] = result
	return f.feedErr
}

func (f *fakeDispatcher) Fail(ctx context.Context, sessionID, cause string) error {
	f.failed[sessionID] = cause
	return f.failErr
}

func newTestPool(disp Dispatcher) *Pool {
	return NewPool(
		[]string{"mapper"}, nil, disp, nil, nil, nil, nil, nil, nil, nil, 1, nil,
	)
}

func newTestMiniredisFabric(t *testing.T) *queue.Fabric {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return queue.New(rc)
}

func TestHandleErrorSessionNotFoundIsWarnOnly(t *testing.T) {
	disp := newFakeDispatcher()
	p := newTestPool(disp)

	p.handleError(t.Context(), queue.BackgroundEnvelope{SessionID: "s1"}, orchestrator.ErrSessionNotFound, p.logger)

	require.Empty(t, disp.failed, "a vanished session must not be force-failed")
}

func TestHandleErrorBudgetExceededFailsSession(t *testing.T) {
	disp := newFakeDispatcher()
	p := newTestPool(disp)

	wrapped := errors.Join(ErrBudgetExceeded, errors.New("tenant over daily limit"))
	p.handleError(t.Context(), queue.BackgroundEnvelope{SessionID: "s1"}, wrapped, p.logger)

	require.Equal(t, "budget_exceeded", disp.failed["s1"])
}

func TestHandleErrorAIParseFirstAttemptRequeues(t *testing.T) {
	disp := newFakeDispatcher()
	mr := newTestMiniredisFabric(t)
	p := newTestPool(disp)
	p.fabric = mr

	env := queue.BackgroundEnvelope{SessionID: "s1", TaskName: "analyze_form_page", Args: map[string]any{}}
	p.handleError(t.Context(), env, ErrAIParseError, p.logger)

	require.Empty(t, disp.failed, "first parse failure must requeue, not terminate")

	requeued, queueName, found, err := mr.PopBackgroundTask(t.Context(), []string{"forms"}, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "forms", queueName)
	require.Equal(t, true, requeued.Args["ai_parse_retried"])
}

func TestHandleErrorAIParseSecondAttemptFailsSession(t *testing.T) {
	disp := newFakeDispatcher()
	p := newTestPool(disp)

	env := queue.BackgroundEnvelope{SessionID: "s1", TaskName: "analyze_form_page", Args: map[string]any{"ai_parse_retried": true}}
	p.handleError(t.Context(), env, ErrAIParseError, p.logger)

	require.Equal(t, "ai_parse_error", disp.failed["s1"])
}

func TestHandleErrorDefaultFailsSessionAsWorkerError(t *testing.T) {
	disp := newFakeDispatcher()
	p := newTestPool(disp)

	p.handleError(t.Context(), queue.BackgroundEnvelope{SessionID: "s1"}, errors.New("boom"), p.logger)

	require.Equal(t, "worker_error", disp.failed["s1"])
}

func TestQueueForRetryRoutesByTaskClass(t *testing.T) {
	require.Equal(t, "forms", queueForRetry("analyze_form_page"))
	require.Equal(t, "forms", queueForRetry("regenerate_steps"))
	require.Equal(t, "runner", queueForRetry("save_mapping_result"))
	require.Equal(t, "mapper", queueForRetry("analyze_failure_and_recover"))
	require.Equal(t, "mapper", queueForRetry("something_unknown"))
}
