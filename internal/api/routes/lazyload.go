package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lazyloadhandlers "Lazythumb/internal/api/handlers/lazyload"
	"Lazythumb/internal/api/middleware"
)

// RegisterLazyloadRoutes registers the image endpoints on the router.
//
// Routes:
//   - GET /transform?image=<ref>&strategy=<s>&aspect=<a>&width=<w>&inline=<bool>&preserve=<bool>
//   - GET /placeholder?aspect=<a>&inline=<bool>
//
// Both routes require apiKey when it is non-empty.
func RegisterLazyloadRoutes(r chi.Router, handler *lazyloadhandlers.Handler, apiKey string) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(apiKey))
		r.Get("/transform", handler.HandleTransform)
		r.Get("/placeholder", handler.HandlePlaceholder)
	})
}

// RegisterOperationalRoutes registers /health and /metrics.
func RegisterOperationalRoutes(r chi.Router, gatherer prometheus.Gatherer) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
