package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quickform/orchestrator/pkg/metrics"
	"github.com/quickform/orchestrator/pkg/objectstore"
	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/pathevaluator"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/resultrecorder"
	"github.com/quickform/orchestrator/pkg/store"
	"github.com/quickform/orchestrator/pkg/tracing"
)

// Dispatcher is the narrow slice of pkg/dispatch.Service a Pool needs:
// feed a finished task's result back into the orchestrator, or
// terminate the session outright on an unrecoverable worker-side error
// (spec.md §4.7 steps 4-5).
type Dispatcher interface {
	BackgroundTaskResult(ctx context.Context, sessionID, taskName string, dispatchedVersion int64, result orchestrator.Result) error
	Fail(ctx context.Context, sessionID, cause string) error
}

// Pool is one consumer group over a set of shared named queues (spec.md
// §4.4 "workers compete to consume from shared queues"), sized by
// config.QueueConfig.WorkerConcurrency. Grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's Celery worker
// processes, re-expressed as a bounded goroutine pool pulling from
// pkg/queue.Fabric.PopBackgroundTask instead of a Celery broker.
type Pool struct {
	queues    []string
	fabric    *queue.Fabric
	dispatch  Dispatcher
	orc       *orchestrator.Orchestrator
	store     *store.Store
	objects   *objectstore.Gateway
	caller    *Caller
	evaluator *pathevaluator.Evaluator
	recorder  *resultrecorder.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pollTimeoutSeconds int
}

// NewPool builds a Pool. queues names the shared worker queues this pool
// polls (spec.md §4.4's "mapper"/"runner"/"forms" classes, or any subset
// a deployment chooses to dedicate a process to).
func NewPool(
	queues []string,
	fabric *queue.Fabric,
	dispatchSvc Dispatcher,
	orc *orchestrator.Orchestrator,
	st *store.Store,
	objects *objectstore.Gateway,
	caller *Caller,
	evaluator *pathevaluator.Evaluator,
	recorder *resultrecorder.Recorder,
	m *metrics.Metrics,
	pollTimeoutSeconds int,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = 5
	}
	return &Pool{
		queues: queues, fabric: fabric, dispatch: dispatchSvc, orc: orc, store: st,
		objects: objects, caller: caller, evaluator: evaluator, recorder: recorder, metrics: m,
		pollTimeoutSeconds: pollTimeoutSeconds, logger: logger,
	}
}

// Run starts concurrency consumer goroutines, each blocking on
// PopBackgroundTask in a loop until ctx is cancelled. It returns once
// every consumer has drained its in-flight task and exited.
func (p *Pool) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, _, found, err := p.fabric.PopBackgroundTask(ctx, p.queues, p.pollTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("worker: pop background task", "error", err)
			continue
		}
		if !found {
			continue
		}

		p.handle(ctx, env)
	}
}

// handle runs one task envelope to completion, classifying the outcome
// into exactly one of: forward a Result to Intake, request one
// regeneration retry on a soft AI-parse failure, or terminate the
// session (spec.md §7's AIParseError/BudgetExceeded/TransientAIOverload
// handling).
func (p *Pool) handle(ctx context.Context, env queue.BackgroundEnvelope) {
	logger := p.logger.With("task_name", env.TaskName, "session_id", env.SessionID)

	tracer := tracing.Tracer("orchestrator.worker")
	ctx, span := tracer.Start(ctx, "task."+env.TaskName,
		traceAttrs(env.TaskName, env.SessionID)...,
	)
	defer span.End()

	h, ok := handlers[env.TaskName]
	if !ok {
		logger.Error("worker: no handler registered for task")
		span.SetStatus(codes.Error, "no handler registered")
		return
	}

	start := time.Now()
	result, err := h(ctx, p, env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if p.metrics != nil {
			p.metrics.RecordTask(env.TaskName, "error", time.Since(start))
		}
		p.handleError(ctx, env, err, logger)
		return
	}
	if p.metrics != nil {
		p.metrics.RecordTask(env.TaskName, "ok", time.Since(start))
	}

	if err := p.dispatch.BackgroundTaskResult(ctx, env.SessionID, env.TaskName, env.SessionVersionSnapshot, result); err != nil {
		logger.Error("worker: feed result back to orchestrator", "error", err)
	}
}

func (p *Pool) handleError(ctx context.Context, env queue.BackgroundEnvelope, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		logger.Warn("worker: session vanished before task completed")

	case errors.Is(err, ErrBudgetExceeded):
		logger.Warn("worker: budget exceeded, terminating session", "error", err)
		if p.metrics != nil {
			p.metrics.RecordTaskFailure(env.TaskName, "budget_exceeded")
		}
		if failErr := p.dispatch.Fail(ctx, env.SessionID, "budget_exceeded"); failErr != nil {
			logger.Error("worker: fail session after budget denial", "error", failErr)
		}

	case errors.Is(err, ErrAIParseError):
		if retried, ok := env.Args["ai_parse_retried"].(bool); ok && retried {
			logger.Error("worker: AI response unparsable on retry, terminating session", "error", err)
			if p.metrics != nil {
				p.metrics.RecordTaskFailure(env.TaskName, "ai_parse_error")
			}
			if failErr := p.dispatch.Fail(ctx, env.SessionID, "ai_parse_error"); failErr != nil {
				logger.Error("worker: fail session after repeated parse error", "error", failErr)
			}
			return
		}
		logger.Warn("worker: AI response unparsable, requeueing once", "error", err)
		retryArgs := map[string]any{}
		for k, v := range env.Args {
			retryArgs[k] = v
		}
		retryArgs["ai_parse_retried"] = true
		if pushErr := p.fabric.PushBackgroundTask(ctx, queueForRetry(env.TaskName), queue.BackgroundEnvelope{
			TaskName: env.TaskName, SessionID: env.SessionID, Args: retryArgs,
			SessionVersionSnapshot: env.SessionVersionSnapshot,
		}); pushErr != nil {
			logger.Error("worker: requeue after parse error", "error", pushErr)
		}

	default:
		logger.Error("worker: task failed, terminating session", "error", err)
		if p.metrics != nil {
			p.metrics.RecordTaskFailure(env.TaskName, "worker_error")
		}
		if failErr := p.dispatch.Fail(ctx, env.SessionID, "worker_error"); failErr != nil {
			logger.Error("worker: fail session after task error", "error", failErr)
		}
	}
}

// traceAttrs builds the span-start attributes for one background task
// invocation, identifying it by task name and session id (but never the
// task's parameter blob, which may carry DOM/screenshot payloads).
func traceAttrs(taskName, sessionID string) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("task.name", taskName),
			attribute.String("session.id", sessionID),
		),
	}
}

// queueForRetry routes a parse-failure requeue back onto the same class
// of queue the task originally ran on. Kept local to worker rather than
// importing pkg/dispatch's routing table, which would create an import
// cycle (dispatch already depends on nothing in worker, by design).
func queueForRetry(taskName string) string {
	switch taskName {
	case "analyze_form_page", "regenerate_steps":
		return "forms"
	case "evaluate_paths_with_ai", "evaluate_existing_paths", "save_mapping_result":
		return "runner"
	default:
		return "mapper"
	}
}
