package agentsession

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/dispatch"
	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/store"
)

const testJWTSecret = "test-only-secret-value-1234567890"

func newTestService(t *testing.T) (*Service, *store.Store, *queue.Fabric) {
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

	orc := orchestrator.New(rc, st, nil, nil)
	disp := dispatch.New(orc, st, fabric, nil, nil, nil)

	return New(st, fabric, disp, nil, testJWTSecret), st, fabric
}

// userToken mints a bearer token for userID, signed the way a real login
// surface would sign the session tokens this service verifies.
func userToken(t *testing.T, userID string) string {
	t.Helper()
	claims := userClaims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func doBearer(t *testing.T, h http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
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

func TestRegisterThenHeartbeatAndPollTask(t *testing.T) {
	svc, st, fabric := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/register", registerRequest{
		AgentID: "agent-1", TenantID: "tenant-1", UserID: "user-1", Platform: "chrome", Version: "1.0.0",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reg registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.APIKey)

	rec = doJSON(t, routes, http.MethodPost, "/heartbeat", heartbeatRequest{Status: "idle"}, reg.APIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, routes, http.MethodGet, "/poll-task", nil, reg.APIKey)
	require.Equal(t, http.StatusNoContent, rec.Code, "empty queue must be 204, not an error")

	require.NoError(t, st.CreateAgentTask(t.Context(), store.AgentTask{
		TaskID: "task-1", TenantID: "tenant-1", UserID: "user-1", TaskType: "execute_step", Parameters: `{"selector":"#x"}`,
	}))
	require.NoError(t, fabric.PushAgentTask(t.Context(), "user-1", queue.Envelope{TaskID: "task-1", TaskType: "execute_step"}))

	rec = doJSON(t, routes, http.MethodGet, "/poll-task", nil, reg.APIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var task pollTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	require.Equal(t, "task-1", task.TaskID)

	got, err := st.GetAgentTask(t.Context(), "task-1")
	require.NoError(t, err)
	require.Equal(t, "assigned", got.Status)
	require.Equal(t, "agent-1", got.AgentID)
}

func TestRegisterTwiceReusesAPIKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/register", registerRequest{AgentID: "agent-1", UserID: "user-1"}, "")
	var first registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = doJSON(t, routes, http.MethodPost, "/register", registerRequest{AgentID: "agent-1", UserID: "user-1", Version: "2.0"}, "")
	var second registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	require.Equal(t, first.APIKey, second.APIKey)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/heartbeat", heartbeatRequest{Status: "idle"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, routes, http.MethodPost, "/heartbeat", heartbeatRequest{Status: "idle"}, "not-a-real-key")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPollTaskAgentIDMismatchForbidden(t *testing.T) {
	svc, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/register", registerRequest{AgentID: "agent-1", UserID: "user-1"}, "")
	var reg registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	req := httptest.NewRequest(http.MethodGet, "/poll-task?agent_id=someone-else", nil)
	req.Header.Set("X-Agent-API-Key", reg.APIKey)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRegenerateAPIKeyRequiresUserAuthNotAgentKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/register", registerRequest{AgentID: "agent-1", UserID: "user-1"}, "")
	var reg registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	// Presenting the agent's own API key (rather than a user bearer
	// token) must not work — that's the bug this endpoint had.
	rec = doJSON(t, routes, http.MethodPost, "/regenerate-api-key", regenerateKeyRequest{AgentID: "agent-1"}, reg.APIKey)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doBearer(t, routes, http.MethodPost, "/regenerate-api-key", regenerateKeyRequest{AgentID: "agent-1"}, userToken(t, "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var out regenerateKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.APIKey)
	require.NotEqual(t, reg.APIKey, out.APIKey)

	// The old key no longer authenticates.
	rec = doJSON(t, routes, http.MethodPost, "/heartbeat", heartbeatRequest{Status: "idle"}, reg.APIKey)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegenerateAPIKeyRejectsOtherUsersAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	routes := svc.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/register", registerRequest{AgentID: "agent-1", UserID: "user-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doBearer(t, routes, http.MethodPost, "/regenerate-api-key", regenerateKeyRequest{AgentID: "agent-1"}, userToken(t, "user-2"))
	require.Equal(t, http.StatusForbidden, rec.Code)
}
