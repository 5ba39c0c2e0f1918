// Package activitylog implements the Activity Log Ingestor (spec.md
// §4.10): agents post batches of structured log entries for a session;
// small batches are inserted inline, large ones go through a presigned
// upload and a background task fans them out, grounded on
// original_source/api-server/routes/agent_router.py's log-upload
// endpoint and pkg/agentsession's HTTP handler style (chi router,
// X-Agent-API-Key auth, writeJSON/writeError helpers).
package activitylog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/objectstore"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

// TaskName is the background task the Service enqueues once an agent
// confirms a log blob finished uploading (spec.md §4.10).
const TaskName = "ingest_activity_log_blob"

// QueueName is the shared worker queue TaskName is routed to.
const QueueName = "logs"

// Service implements the agent-facing activity log surface.
type Service struct {
	store   *store.Store
	objects *objectstore.Gateway
	fabric  *queue.Fabric
	cfg     config.ObjectStoreConfig
	logger  *slog.Logger
}

// New builds a Service.
func New(st *store.Store, objects *objectstore.Gateway, fabric *queue.Fabric, cfg config.ObjectStoreConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, objects: objects, fabric: fabric, cfg: cfg, logger: logger}
}

// Routes mounts the activity log API behind agent API-key auth, the same
// header pkg/agentsession requires.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requireAPIKey)

	r.Post("/batch", s.PostBatch)
	r.Post("/blob-uploaded", s.PostBlobUploaded)
	r.Get("/tail", s.GetTail)
	return r
}

func (s *Service) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Agent-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key. Include X-Agent-API-Key header.")
			return
		}
		agent, err := s.store.GetAgentByAPIKey(r.Context(), key)
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid API key.")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		ctx := context.WithValue(r.Context(), agentCtxKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ctxKey int

const agentCtxKey ctxKey = iota

func authenticatedAgent(r *http.Request) (store.Agent, bool) {
	a, ok := r.Context().Value(agentCtxKey).(store.Agent)
	return a, ok
}

type logEntryRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Extra     string    `json:"extra,omitempty"`
}

type batchRequest struct {
	SessionID string            `json:"session_id"`
	ProjectID string            `json:"project_id"`
	Entries   []logEntryRequest `json:"entries"`
}

type batchResponse struct {
	Inserted   bool   `json:"inserted"`
	UploadURL  string `json:"upload_url,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
}

// PostBatch handles POST /activity-log/batch: inserts the batch inline
// when its serialized size is under the configured threshold, otherwise
// hands back a presigned upload URL and the key the agent must PUT the
// batch to, then confirm via PostBlobUploaded (spec.md §4.10).
func (s *Service) PostBatch(w http.ResponseWriter, r *http.Request) {
	agent, _ := authenticatedAgent(r)

	var req batchRequest
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "session_id and entries are required")
		return
	}

	if len(raw) <= s.cfg.LogBatchThresholdBytes {
		entries := make([]store.ActivityLogEntry, 0, len(req.Entries))
		for _, e := range req.Entries {
			entries = append(entries, store.ActivityLogEntry{
				SessionID: req.SessionID,
				TenantID:  agent.TenantID,
				Timestamp: e.Timestamp,
				Level:     e.Level,
				Category:  e.Category,
				Message:   e.Message,
				Extra:     e.Extra,
			})
		}
		if err := s.store.InsertActivityLogBatch(r.Context(), entries); err != nil {
			s.logger.Error("activitylog: insert batch", "session_id", req.SessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record log batch")
			return
		}
		writeJSON(w, http.StatusOK, batchResponse{Inserted: true})
		return
	}

	key := objectstore.BuildKey(objectstore.KindLogBundle, agent.TenantID, req.ProjectID, req.SessionID, uuid.NewString()+".json")
	ttl, err := time.ParseDuration(s.cfg.PutTTL)
	if err != nil {
		ttl = 15 * time.Minute
	}
	url, err := s.objects.PresignPut(r.Context(), key, "application/json", ttl)
	if err != nil {
		s.logger.Error("activitylog: presign batch upload", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to presign log upload")
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Inserted: false, UploadURL: url, ObjectKey: key})
}

type blobUploadedRequest struct {
	SessionID string `json:"session_id"`
	ObjectKey string `json:"object_key"`
}

// PostBlobUploaded handles POST /activity-log/blob-uploaded: the agent
// calls this once its presigned PUT completes, which schedules the
// background fan-out/delete task (spec.md §4.10).
func (s *Service) PostBlobUploaded(w http.ResponseWriter, r *http.Request) {
	agent, _ := authenticatedAgent(r)

	var req blobUploadedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.ObjectKey == "" {
		writeError(w, http.StatusBadRequest, "session_id and object_key are required")
		return
	}
	if err := objectstore.RequireTenantPrefix(req.ObjectKey, objectstore.KindLogBundle, agent.TenantID); err != nil {
		writeError(w, http.StatusForbidden, "object key outside tenant prefix")
		return
	}

	env := queue.BackgroundEnvelope{
		TaskName: TaskName,
		SessionID: req.SessionID,
		Args: map[string]any{
			"object_key": req.ObjectKey,
			"tenant_id":  agent.TenantID,
		},
	}
	if err := s.fabric.PushBackgroundTask(r.Context(), QueueName, env); err != nil {
		s.logger.Error("activitylog: enqueue blob ingest", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule log ingest")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"scheduled": true})
}

type tailEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Extra     string    `json:"extra,omitempty"`
}

// GetTail handles GET /activity-log/tail?session_id=...&limit=...,
// reading back from the relational table only — a blob that hasn't been
// ingested yet is not visible until its background task runs (spec.md
// §4.10).
func (s *Service) GetTail(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.store.TailActivityLog(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("activitylog: tail", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read log tail")
		return
	}

	out := make([]tailEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, tailEntry{
			Timestamp: row.Timestamp, Level: row.Level, Category: row.Category,
			Message: row.Message, Extra: row.Extra,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
