package agentsession

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quickform/orchestrator/pkg/tracing"
)

// statusWriter captures the status code written by a handler so the
// span can record it after ServeHTTP returns, the same seam the
// teacher's pkg/transport/http_metrics_middleware.go responseWriter
// wrapper serves.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// tracingMiddleware opens one span per agent-facing request (spec.md
// §4.5's register/heartbeat/poll-task/task-result/task-progress
// endpoints), named after the route pattern chi resolved rather than the
// raw path so a path parameter never explodes span cardinality.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := tracing.Tracer("orchestrator.http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "agent."+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}
