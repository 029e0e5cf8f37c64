package handler

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/monitor"
	"analysis-gateway/internal/ratelimit"
	"analysis-gateway/internal/token"
	"analysis-gateway/internal/util"
)

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// UsageMiddleware records per-endpoint counters and durations. The chi route
// pattern keeps endpoint cardinality bounded regardless of path parameters.
func UsageMiddleware(mon *monitor.Monitor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			mon.RecordAPIRequest(r.Context(), r.Method+" "+pattern,
				time.Since(start).Milliseconds(), ww.Status())
		})
	}
}

// RateLimitMiddleware applies the general API quota per client IP.
func RateLimitMiddleware(limiter *ratelimit.Limiter, cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := limiter.CheckAPIQuota(r.Context(), clientIP(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.API.QuotaMax))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse(fmt.Errorf("rate limit exceeded"), "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFMiddleware validates the echoed authorization token on state-changing
// calls. Store failures deny the request: this control fails closed.
func CSRFMiddleware(tokens *token.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := tokens.Validate(r.Context(), r.Header.Get("X-CSRF-Token"))
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, token.ErrTokenExhausted):
				writeJSON(w, http.StatusForbidden, errorResponse(err, "token exhausted"))
			case errors.Is(err, token.ErrTokenInvalid):
				writeJSON(w, http.StatusForbidden, errorResponse(err, "invalid token"))
			default:
				writeJSON(w, http.StatusServiceUnavailable, errorResponse(err, "token validation unavailable"))
			}
		})
	}
}

// AdminAuthMiddleware gates destructive operations behind a shared key with
// a constant-time comparison. With no key configured, admin routes are
// disabled rather than open.
func AdminAuthMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.API.AdminKey == "" {
				writeJSON(w, http.StatusServiceUnavailable,
					errorResponse(fmt.Errorf("admin key not configured"), "admin operations disabled"))
				return
			}
			provided := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.API.AdminKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse(fmt.Errorf("invalid admin key"), "unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
