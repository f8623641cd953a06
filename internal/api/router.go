// Package api implements the thin HTTP surface: handlers validate
// input, enqueue a Job, await its Future, and serialize the response.
// No business logic lives here, per spec's "external collaborator"
// framing of the HTTP layer.
//
// Grounded on iconidentify-xgrabba's internal/api/router.go + handler
// package wiring, the only example repo in the pack running a chi HTTP
// server.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router with all tracker routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Post("/profiles", h.CreateOrRefreshProfile)
	r.Post("/profiles/{username}/refresh", h.RefreshProfile)
	r.Get("/profiles/tracking/{trackingID}", h.GetTrackedProfile)

	r.Get("/queue/status", h.QueueStatus)
	r.Post("/queue/process", h.QueueProcess)

	r.Post("/cron/trigger", h.CronTrigger)
	r.Get("/cron/schedule", h.CronSchedule)

	return r
}
