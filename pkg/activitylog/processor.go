package activitylog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quickform/orchestrator/pkg/objectstore"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

// Processor is the Activity Log Ingestor's background half: it consumes
// TaskName off QueueName, downloads the uploaded blob, fans out one row
// per entry, and deletes the blob (spec.md §4.10). Unlike pkg/worker's
// Pool, this task chain never touches a MappingSession or the
// orchestrator — a log upload has no session-version or AI call to
// coordinate — so it runs its own small consumer loop directly over the
// Queue Fabric rather than going through pkg/dispatch.
type Processor struct {
	store   *store.Store
	objects *objectstore.Gateway
	fabric  *queue.Fabric
	logger  *slog.Logger
}

// NewProcessor builds a Processor.
func NewProcessor(st *store.Store, objects *objectstore.Gateway, fabric *queue.Fabric, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, objects: objects, fabric: fabric, logger: logger}
}

// Run starts concurrency consumers, each blocking in a loop on
// QueueName until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, concurrency int) {
	if concurrency < 1 {
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

func (p *Processor) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, _, found, err := p.fabric.PopBackgroundTask(ctx, []string{QueueName}, 5)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("activitylog: pop task", "error", err)
			continue
		}
		if !found {
			continue
		}
		if err := p.handle(ctx, env); err != nil {
			p.logger.Error("activitylog: ingest blob", "session_id", env.SessionID, "error", err)
		}
	}
}

func (p *Processor) handle(ctx context.Context, env queue.BackgroundEnvelope) error {
	if env.TaskName != TaskName {
		return fmt.Errorf("activitylog: unexpected task name %q", env.TaskName)
	}
	key, _ := env.Args["object_key"].(string)
	tenantID, _ := env.Args["tenant_id"].(string)
	if key == "" {
		return errors.New("activitylog: missing object_key")
	}

	blob, err := p.objects.Fetch(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch blob %s: %w", key, err)
	}

	var req batchRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		return fmt.Errorf("parse blob %s: %w", key, err)
	}

	entries := make([]store.ActivityLogEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, store.ActivityLogEntry{
			SessionID: env.SessionID,
			TenantID:  tenantID,
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Category:  e.Category,
			Message:   e.Message,
			Extra:     e.Extra,
		})
	}
	if err := p.store.InsertActivityLogBatch(ctx, entries); err != nil {
		return fmt.Errorf("insert batch from %s: %w", key, err)
	}

	if _, err := p.objects.DeletePrefix(ctx, key); err != nil {
		p.logger.Error("activitylog: delete blob after ingest", "key", key, "error", err)
	}
	return nil
}
