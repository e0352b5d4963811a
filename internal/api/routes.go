package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the HTTP router with all routes and middleware.
// Health stays outside authentication so probes work without a key.
func NewRouter(h *Handler, apiKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Get("/api/v1/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(apiKey))

		r.Route("/api/v1/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Delete("/", h.EndSession)
				r.Post("/entities", h.JoinEntity)
				r.Delete("/entities/{entityID}", h.LeaveEntity)
				r.Put("/entities/{entityID}/device", h.AssignDevice)
				r.Post("/samples", h.IngestSamples)
				r.Get("/decision", h.GetDecision)
				r.Get("/profiles", h.GetProfiles)
				r.Get("/coins", h.GetCoins)
			})
		})
	})

	return r
}
