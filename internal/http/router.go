package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/stock", func(r chi.Router) {
		r.Get("/{productId}", h.GetStock)
		r.Put("/", h.SetStock)
		r.Post("/reserve", h.Reserve)
		r.Post("/release", h.Release)
		r.Post("/deduct", h.Deduct)
	})

	return r
}
