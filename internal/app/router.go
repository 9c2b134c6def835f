// Package app wires the HTTP surface and the background sweepers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/fairyhunter13/docpipe/internal/adapter/httpserver"
	"github.com/fairyhunter13/docpipe/internal/config"
	"github.com/fairyhunter13/docpipe/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-P95-JOB-MS"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints: rate limited and bounded by a request deadline.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Post("/v1/documents/{id}/process", srv.ProcessHandler())
		wr.Post("/v1/documents/{id}/cancel", srv.CancelHandler())
		wr.Delete("/v1/documents/{id}", srv.DeleteHandler())
		wr.Post("/v1/artifacts/{id}/review", srv.ReviewArtifactHandler())
	})

	// Read-only endpoints. The SSE stream is long-lived and stays outside the
	// timeout group.
	r.Get("/v1/documents/{id}/artifacts", srv.ArtifactsHandler())
	r.Get("/v1/jobs/{id}/events", srv.StreamEventsHandler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())

	user, pass, authRequired := cfg.MetricsCredentials()
	r.Handle("/metrics", httpserver.MetricsHandler(user, pass, authRequired))

	return httpserver.SecurityHeaders(r)
}
