package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskIncrementsCounterAndHistogram(t *testing.T) {
	m := New()
	m.RecordTask("analyze_form_page", "ok", 200*time.Millisecond)

	require.Equal(t, 1, int(testutil.ToFloat64(m.tasksProcessed.WithLabelValues("analyze_form_page", "ok"))))
}

func TestRecordTaskFailureIncrementsByCause(t *testing.T) {
	m := New()
	m.RecordTaskFailure("analyze_form_page", "ai_parse_error")
	m.RecordTaskFailure("analyze_form_page", "ai_parse_error")

	require.Equal(t, 2, int(testutil.ToFloat64(m.taskFailures.WithLabelValues("analyze_form_page", "ai_parse_error"))))
}

func TestRecordAICallAndBudgetDenial(t *testing.T) {
	m := New()
	m.RecordAICall("quickform", "ok", time.Second)
	m.RecordBudgetDenial("tenant-1")

	require.Equal(t, 1, int(testutil.ToFloat64(m.aiCalls.WithLabelValues("quickform", "ok"))))
	require.Equal(t, 1, int(testutil.ToFloat64(m.budgetDenials.WithLabelValues("tenant-1"))))
}

func TestActiveSessionsGaugeIncDec(t *testing.T) {
	m := New()
	m.IncActiveSessions()
	m.IncActiveSessions()
	m.DecActiveSessions()

	require.Equal(t, float64(1), testutil.ToFloat64(m.sessionsActive))
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	m := New()
	m.RecordSessionCompleted("completed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "orchestrator_session_completed_total")
}
