// Package queue implements the Queue Fabric (spec.md §4.4): per-user FIFO
// queues that deliver agent tasks to exactly the agent owned by that
// user, plus shared named queues background workers compete to consume,
// grounded on
// original_source/api-server/routes/agent_router.py's `agent:{user_id}`
// Redis list convention (`redis_client.lpop(queue_name)`/rpush) and
// original_source/api-server/tasks/form_mapper_tasks.py's
// `_trigger_celery_task` for the background side.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is the opaque task reference a queue entry carries. The full
// record lives in the relational store (pkg/store); the queue only holds
// enough to look it up (spec.md §3: AgentTask "compact pointer").
type Envelope struct {
	TaskID   string            `json:"task_id"`
	TaskType string            `json:"task_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BackgroundEnvelope is the task-chain side's envelope (spec.md §6): a
// session id, a task name, arguments, and the dispatch-time version
// snapshot the orchestrator uses for stale-result rejection.
type BackgroundEnvelope struct {
	TaskName               string         `json:"task_name"`
	SessionID              string         `json:"session_id"`
	Args                   map[string]any `json:"args"`
	DispatchedAtUnix       int64          `json:"dispatched_at"`
	SessionVersionSnapshot int64          `json:"session_version_snapshot"`
}

// Fabric is the Queue Fabric.
type Fabric struct {
	redis *redis.Client
}

// New builds a Fabric over a shared Redis client.
func New(redisClient *redis.Client) *Fabric {
	return &Fabric{redis: redisClient}
}

// agentQueueKey names the FIFO list for one user's agent. Only the agent
// whose owning user id matches may ever pop from this key — enforced by
// callers never constructing this key from anything but the
// authenticated agent's own user id (spec.md §4.4, §8 "Queue isolation").
func agentQueueKey(userID string) string {
	return fmt.Sprintf("agent:%s", userID)
}

func workerQueueKey(queueName string) string {
	return fmt.Sprintf("worker:%s", queueName)
}

// PushAgentTask appends a task envelope to userID's agent queue. Push
// order is dispatch order (spec.md §4.4).
func (f *Fabric) PushAgentTask(ctx context.Context, userID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal agent envelope: %w", err)
	}
	if err := f.redis.RPush(ctx, agentQueueKey(userID), data).Err(); err != nil {
		return fmt.Errorf("queue: push agent task for user %s: %w", userID, err)
	}
	return nil
}

// PopAgentTask pops one task envelope from userID's queue. found is false
// when the queue is empty (the caller returns a 204-equivalent per
// spec.md §4.4) — this is a non-blocking, single-consumer pop from the
// caller's point of view, matching LPOP rather than BLPOP: an agent that
// finds nothing polls again later instead of holding a connection open.
func (f *Fabric) PopAgentTask(ctx context.Context, userID string) (env Envelope, found bool, err error) {
	data, err := f.redis.LPop(ctx, agentQueueKey(userID)).Result()
	if err == redis.Nil {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("queue: pop agent task for user %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return Envelope{}, false, fmt.Errorf("queue: corrupt agent envelope for user %s: %w", userID, err)
	}
	return env, true, nil
}

// PushBackgroundTask enqueues a task onto a shared named worker queue.
// Any worker subscribed to queueName may consume it (competitive
// consumption, spec.md §4.4's "shared worker queues").
func (f *Fabric) PushBackgroundTask(ctx context.Context, queueName string, env BackgroundEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal background envelope: %w", err)
	}
	if err := f.redis.RPush(ctx, workerQueueKey(queueName), data).Err(); err != nil {
		return fmt.Errorf("queue: push background task to %s: %w", queueName, err)
	}
	return nil
}

// PopBackgroundTask pops one task from a named worker queue, blocking up
// to timeout for one to arrive. Workers call this in a loop; blocking
// with a bounded timeout (BLPOP) avoids both a busy-poll and an
// indefinitely held connection.
func (f *Fabric) PopBackgroundTask(ctx context.Context, queueNames []string, timeoutSeconds int) (env BackgroundEnvelope, queueName string, found bool, err error) {
	keys := make([]string, len(queueNames))
	for i, q := range queueNames {
		keys[i] = workerQueueKey(q)
	}

	res, err := f.redis.BLPop(ctx, secondsToDuration(timeoutSeconds), keys...).Result()
	if err == redis.Nil {
		return BackgroundEnvelope{}, "", false, nil
	}
	if err != nil {
		return BackgroundEnvelope{}, "", false, fmt.Errorf("queue: pop background task: %w", err)
	}
	if len(res) != 2 {
		return BackgroundEnvelope{}, "", false, fmt.Errorf("queue: unexpected BLPOP reply shape")
	}

	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return BackgroundEnvelope{}, "", false, fmt.Errorf("queue: corrupt background envelope: %w", err)
	}
	return env, trimWorkerPrefix(res[0]), true, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func trimWorkerPrefix(key string) string {
	const prefix = "worker:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
