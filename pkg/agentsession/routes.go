package agentsession

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes mounts the agent-facing API under a chi router, following the
// router-pattern-based routing pkg/transport's http_metrics_middleware.go
// assumes (chi.RouteContext route patterns for metrics labels) rather
// than the teacher's grpc-gateway REST surface, since this API has no
// protobuf service behind it.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(tracingMiddleware)

	r.Post("/register", s.Register)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKeyMiddleware)
		r.Post("/heartbeat", s.Heartbeat)
		r.Get("/poll-task", s.PollTask)
		r.Post("/task-result", s.TaskResult)
		r.Post("/task-progress", s.TaskProgress)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.requireUserAuthMiddleware)
		r.Post("/regenerate-api-key", s.RegenerateAPIKey)
	})
	return r
}

func (s *Service) requireAPIKeyMiddleware(next http.Handler) http.Handler {
	return s.requireAPIKey(next.ServeHTTP)
}

func (s *Service) requireUserAuthMiddleware(next http.Handler) http.Handler {
	return s.requireUserAuth(next.ServeHTTP)
}
