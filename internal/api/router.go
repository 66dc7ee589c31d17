package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/headroomhq/headroom/internal/api/handlers"
	"github.com/headroomhq/headroom/internal/api/middleware"
	"github.com/headroomhq/headroom/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Resource handles and their usage history
		r.Route("/handles", func(r chi.Router) {
			r.Get("/", h.ListHandles)
			r.Post("/", h.RegisterHandle)
			r.Route("/{service}/{limitID}/{region}", func(r chi.Router) {
				r.Get("/", h.GetHandle)
				r.Delete("/", h.DeregisterHandle)
				r.Get("/snapshots", h.ListSnapshots)
				r.Get("/snapshots/latest", h.LatestSnapshot)
			})
		})

		// Governance policies
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Route("/{policyID}", func(r chi.Router) {
				r.Get("/", h.GetPolicy)
				r.Put("/", h.UpdatePolicy)
				r.Delete("/", h.DeletePolicy)
			})
		})

		// Actions and approval callbacks
		r.Route("/actions", func(r chi.Router) {
			r.Get("/", h.ListActions)
			r.Route("/{actionID}", func(r chi.Router) {
				r.Get("/", h.GetAction)
				r.Post("/approve", h.ApproveAction)
				r.Post("/deny", h.DenyAction)
			})
		})

		// Audit trail
		r.Get("/audit", h.ListAudit)

		// Cross-region capacity pools
		r.Route("/pools/{region}/{kind}", func(r chi.Router) {
			r.Get("/", h.GetPool)
			r.Put("/", h.UpsertPool)
			r.Get("/reservations", h.ListReservations)
			r.Post("/reservations", h.CreateReservation)
		})
		r.Route("/reservations/{reservationID}", func(r chi.Router) {
			r.Delete("/", h.ReleaseReservation)
			r.Post("/consume", h.ConsumeReservation)
		})

		// Notification channels
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.CreateChannel)
			r.Route("/{channelName}", func(r chi.Router) {
				r.Get("/", h.GetChannel)
				r.Put("/", h.UpdateChannel)
				r.Delete("/", h.DeleteChannel)
			})
		})

		// Engine control
		r.Route("/engine", func(r chi.Router) {
			r.Post("/cycle", h.TriggerCycle)
			r.Get("/status", h.EngineStatus)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "headroom",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "headroom",
		})
	}
}
