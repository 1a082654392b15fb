package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the gateway router. Token verification happens in
// the gateway itself (tokens are scoped per gateway id), so the router
// only wires transport middleware.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.Post("/push", h.Push)
	r.Post("/pull", h.Pull)
	r.Post("/flush", h.Flush)
	r.Get("/stats", h.Stats)

	return r
}
