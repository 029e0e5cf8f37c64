package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/monitor"
	"analysis-gateway/internal/ratelimit"
)

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h *GatewayHandler, limiter *ratelimit.Limiter, mon *monitor.Monitor, cfg *config.Config, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", "X-Admin-Key"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check stays outside the API quota so probes never starve
	router.Get("/health", h.HealthCheck)

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(UsageMiddleware(mon))
		r.Use(RateLimitMiddleware(limiter, cfg))
		h.RegisterRoutes(r)
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse(fmt.Errorf("endpoint not found"), ""))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse(fmt.Errorf("method not allowed"), ""))
	})

	return router
}
