package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.middlewares()...)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		notFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, r.Method+" not allowed here")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/stats", s.handleStats)

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", s.handleTopUsage)
			r.Post("/", s.handleRecordUsage)
			r.Delete("/", s.handleResetUsage)
			r.Post("/lookup", s.handleLookupUsage)

			r.Route("/{command}", func(r chi.Router) {
				r.Get("/", s.handleGetUsage)
				r.Delete("/", s.handleForgetUsage)
			})
		})

		// Live usage events
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status. The database is checked so
// a disposed or unreadable store reports as unavailable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"version": s.version,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
