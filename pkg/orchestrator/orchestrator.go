package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/quickform/orchestrator/pkg/pathevaluator"
)

// DurableSync is the narrow slice of pkg/store.Store the orchestrator
// needs to mirror terminal/status transitions into the relational
// fallback row (spec.md §3: "the authoritative row in the relational
// store persists" beyond the fast-store TTL). Kept as an interface so
// pkg/orchestrator never imports pkg/store directly — ownership of the
// durable schema stays in pkg/store.
type DurableSync interface {
	UpdateMappingSessionStatus(ctx context.Context, sessionID, status, lastError string) error
}

// Orchestrator is the Session State Machine.
type Orchestrator struct {
	fast      *fastStore
	durable   DurableSync
	evaluator *pathevaluator.Evaluator
	logger    *slog.Logger
}

// New builds an Orchestrator over the shared fast-store Redis client.
// durable may be nil in tests that don't care about the relational
// mirror.
func New(redisClient *redis.Client, durable DurableSync, evaluator *pathevaluator.Evaluator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{fast: &fastStore{redis: redisClient}, durable: durable, evaluator: evaluator, logger: logger}
}

// CreateSession initializes a new session record in the fast store and
// returns the first action: a LOGIN_REQUESTED agent task (spec.md §4.6).
func (o *Orchestrator) CreateSession(ctx context.Context, sessionID string, seed Session) (Outcome, error) {
	s := newSession(sessionID, seed)
	s.Phase = PhaseLoginRequested
	s.bumpVersion()
	if err := o.fast.save(ctx, s); err != nil {
		return Outcome{}, err
	}
	return Outcome{NextAgentTask: &AgentTaskRequest{TaskType: "login", Parameters: map[string]any{}}}, nil
}

// Cancel marks a session cancelled (spec.md §5 "Cancellation &
// timeouts"): in-flight background results are discarded later via the
// version check, not interrupted directly.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	s, found, err := o.fast.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found || s.Phase.Terminal() {
		return nil
	}
	s.Phase = PhaseCancelled
	s.bumpVersion()
	if err := o.fast.save(ctx, s); err != nil {
		return err
	}
	o.syncDurable(ctx, sessionID, "cancelled", "")
	return nil
}

// Fail force-terminates a session with an explicit cause outside the
// normal Intake path (spec.md §4.2/§7: a Budget Gate denial discovered
// inside a background worker has no "result" to feed through Intake's
// per-task-name dispatch — it is a standalone termination).
func (o *Orchestrator) Fail(ctx context.Context, sessionID, cause string) error {
	s, found, err := o.fast.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found || s.Phase.Terminal() {
		return nil
	}
	s.Phase = PhaseFailed
	s.LastError = cause
	s.bumpVersion()
	if err := o.fast.save(ctx, s); err != nil {
		return err
	}
	o.syncDurable(ctx, sessionID, "failed", cause)
	return nil
}

// Get returns the session record as currently held in the fast store.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Session, bool, error) {
	return o.fast.load(ctx, sessionID)
}

func (o *Orchestrator) syncDurable(ctx context.Context, sessionID, status, lastError string) {
	if o.durable == nil {
		return
	}
	if err := o.durable.UpdateMappingSessionStatus(ctx, sessionID, status, lastError); err != nil {
		o.logger.Error("orchestrator: sync durable session status", "session_id", sessionID, "error", err)
	}
}

// ErrSessionNotFound is returned by Intake when the session's fast-store
// record has already expired or never existed.
var ErrSessionNotFound = fmt.Errorf("orchestrator: session not found")
