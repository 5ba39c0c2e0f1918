package activitylog

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/alicebob/miniredis/v2"

	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/objectstore"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *queue.Fabric, *fakeS3) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewForTest(db, "sqlite3")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	fabric := queue.New(rc)

	fake := newFakeS3()
	objects := objectstore.New(config.ObjectStoreConfig{Bucket: "test-bucket"}, fake, fakePresign{}, "")

	_, err = st.UpsertAgent(t.Context(), store.Agent{
		AgentID: "agent-1", TenantID: "tenant-1", UserID: "user-1", APIKey: "test-key",
	})
	require.NoError(t, err)

	cfg := config.ObjectStoreConfig{Bucket: "test-bucket", LogBatchThresholdBytes: 200, PutTTL: "15m"}
	return New(st, objects, fabric, cfg, nil), st, fabric, fake
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-Agent-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostBatchInlineBelowThreshold(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/batch", batchRequest{
		SessionID: "sess-1",
		Entries: []logEntryRequest{
			{Timestamp: time.Now(), Level: "info", Category: "navigation", Message: "clicked submit"},
		},
	}, "test-key")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Inserted)
	require.Empty(t, resp.UploadURL)

	tail, err := st.TailActivityLog(t.Context(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "tenant-1", tail[0].TenantID)
}

func TestPostBatchOverThresholdReturnsUploadURL(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	routes := svc.Routes()

	entries := make([]logEntryRequest, 0, 50)
	for i := 0; i < 50; i++ {
		entries = append(entries, logEntryRequest{
			Timestamp: time.Now(), Level: "debug", Category: "step",
			Message: "a fairly verbose log line to push the batch over the inline threshold",
		})
	}

	rec := doJSON(t, routes, http.MethodPost, "/batch", batchRequest{SessionID: "sess-2", Entries: entries}, "test-key")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Inserted)
	require.NotEmpty(t, resp.UploadURL)
	require.Contains(t, resp.ObjectKey, "log-bundle/tenant-1/")
}

func TestPostBlobUploadedSchedulesIngest(t *testing.T) {
	svc, _, fabric, fake := newTestService(t)
	routes := svc.Routes()

	key := "log-bundle/tenant-1//sess-3/batch.json"
	payload, err := json.Marshal(batchRequest{
		SessionID: "sess-3",
		Entries: []logEntryRequest{
			{Timestamp: time.Now(), Level: "warn", Category: "recovery", Message: "selector missing, retried"},
		},
	})
	require.NoError(t, err)
	fake.objects[key] = payload

	rec := doJSON(t, routes, http.MethodPost, "/blob-uploaded", blobUploadedRequest{SessionID: "sess-3", ObjectKey: key}, "test-key")
	require.Equal(t, http.StatusAccepted, rec.Code)

	env, queueName, found, err := fabric.PopBackgroundTask(t.Context(), []string{QueueName}, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, QueueName, queueName)
	require.Equal(t, TaskName, env.TaskName)
	require.Equal(t, key, env.Args["object_key"])
}

func TestPostBlobUploadedRejectsKeyOutsideTenantPrefix(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/blob-uploaded", blobUploadedRequest{
		SessionID: "sess-4", ObjectKey: "log-bundle/some-other-tenant/proj/sess-4/x.json",
	}, "test-key")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetTailRequiresSessionID(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodGet, "/tail", nil, "test-key")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthenticatedActivityLogRequestRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodGet, "/tail?session_id=sess-1", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
