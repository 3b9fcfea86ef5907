// Package rest is the HTTP facade of the baha daemon: route queries,
// feedback submission, the status probe, and the Prometheus exposition.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router.
//
// Route layout:
//
//	GET  /healthz         – liveness probe
//	POST /api/v1/route    – risk-aware route query
//	POST /api/v1/feedback – crowdsource feedback submission
//	GET  /api/v1/status   – last tick outcome and current conditions
//	GET  /metrics         – Prometheus exposition
//
// metricsHandler serves the registry; pass nil to skip mounting /metrics.
func NewRouter(srv *Server, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/route", srv.handleRoute)
		r.Post("/feedback", srv.handleFeedback)
		r.Get("/status", srv.handleStatus)
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return r
}
