package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/monitor"
	"analysis-gateway/internal/queue"
	"analysis-gateway/internal/ratelimit"
	"analysis-gateway/internal/service"
	"analysis-gateway/internal/token"
)

// GatewayHandler handles HTTP requests for the admission-control surface.
type GatewayHandler struct {
	cfg       *config.Config
	admission *service.AdmissionService
	queue     *queue.Manager
	monitor   *monitor.Monitor
	limiter   *ratelimit.Limiter
	tokens    *token.Service
	logger    *zap.Logger
}

func NewGatewayHandler(
	cfg *config.Config,
	admission *service.AdmissionService,
	q *queue.Manager,
	mon *monitor.Monitor,
	limiter *ratelimit.Limiter,
	tokens *token.Service,
	logger *zap.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		cfg:       cfg,
		admission: admission,
		queue:     q,
		monitor:   mon,
		limiter:   limiter,
		tokens:    tokens,
		logger:    logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterRoutes registers the public API surface.
func (h *GatewayHandler) RegisterRoutes(router chi.Router) {
	// Read-only status surface
	router.Get("/status", h.SystemStatus)
	router.Get("/queue/stats", h.QueueStats)
	router.Get("/queue/jobs/{jobID}", h.JobStatus)
	router.Get("/analyses/active", h.ActiveAnalyses)
	router.Get("/stats/api", h.APIStats)
	router.Get("/stats/ratelimit", h.RateLimitStats)

	router.Post("/csrf-token", h.IssueToken)

	// State-changing calls echo back an issued token
	router.Group(func(r chi.Router) {
		r.Use(CSRFMiddleware(h.tokens))
		r.Post("/analyses", h.RequestAnalysis)
		r.Delete("/queue/jobs/{jobID}", h.CancelJob)
	})

	// Destructive admin operations, authorized by a shared key
	router.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(h.cfg))
		r.Post("/locks/{wallet}/release", h.ReleaseAnalysisLock)
		r.Post("/locks/clear", h.ClearAnalysisLocks)
		r.Post("/stats/reset", h.ResetStats)
		r.Post("/analyses/{wallet}/heartbeat", h.HeartbeatAnalysis)
		r.Post("/analyses/{wallet}/complete", h.CompleteAnalysis)
	})
}

// HealthCheck always answers 200 with the verdict in the body; only an
// internal failure produces a 500 envelope.
func (h *GatewayHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	active, err := h.monitor.GetActiveAnalyses(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "health check failed"))
		return
	}
	// Exactly 1.5x the concurrency ceiling still counts as healthy.
	verdict := "healthy"
	if float64(len(active)) > float64(h.cfg.Analysis.MaxConcurrent)*1.5 {
		verdict = "degraded"
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"status":       verdict,
		"active_count": len(active),
	}, ""))
}

func (h *GatewayHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.monitor.GetSystemStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read system status"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(status, ""))
}

func (h *GatewayHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read queue stats"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(stats, ""))
}

func (h *GatewayHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, position, err := h.queue.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse(err, "job not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read job"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"job":      job,
		"position": position,
	}, ""))
}

func (h *GatewayHandler) ActiveAnalyses(w http.ResponseWriter, r *http.Request) {
	active, err := h.monitor.GetActiveAnalyses(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to list active analyses"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(active, ""))
}

func (h *GatewayHandler) APIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.GetAPIStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read API stats"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(stats, ""))
}

func (h *GatewayHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Errorf("identifier is required"), "missing query parameter"))
		return
	}
	scope := r.URL.Query().Get("scope")
	maxRequests := h.cfg.API.QuotaMax
	window := h.cfg.API.QuotaWindow
	if scope == "analysis" {
		maxRequests = h.cfg.Analysis.QuotaMax
		window = h.cfg.Analysis.QuotaWindow
	} else {
		scope = "api"
	}

	usage, err := h.limiter.GetUsage(r.Context(), identifier, scope, maxRequests, window)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read rate limit usage"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(usage, ""))
}

func (h *GatewayHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.tokens.Issue(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(t, ""))
}

type analysisRequest struct {
	Wallet string `json:"wallet"`
	UserID string `json:"user_id,omitempty"`
}

// RequestAnalysis admits, queues, or rejects one analysis request.
// 200 started, 202 queued, 429 over quota, 409 duplicate.
func (h *GatewayHandler) RequestAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err, "invalid request body"))
		return
	}

	result, err := h.admission.RequestAnalysis(r.Context(), req.Wallet, req.UserID)
	if err != nil {
		var quotaErr *service.QuotaExceededError
		switch {
		case errors.As(err, &quotaErr):
			w.Header().Set("Retry-After", strconv.Itoa(quotaErr.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorResponse(err, "analysis quota exceeded"))
		case errors.Is(err, service.ErrAnalysisInProgress):
			writeJSON(w, http.StatusConflict, errorResponse(err, "analysis already running for this wallet"))
		case errors.Is(err, service.ErrInvalidWallet):
			writeJSON(w, http.StatusBadRequest, errorResponse(err, "invalid wallet address"))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to admit analysis"))
		}
		return
	}

	status := http.StatusOK
	if result.Status == "queued" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, successResponse(result, ""))
}

// CancelJob is idempotent: once removed, repeated calls report not found.
func (h *GatewayHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.admission.CancelJob(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err, "job not found"))
		case errors.Is(err, queue.ErrJobNotCancellable):
			writeJSON(w, http.StatusConflict, errorResponse(err, "job is already running"))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to cancel job"))
		}
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "job cancelled"))
}

func (h *GatewayHandler) ReleaseAnalysisLock(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	h.limiter.ReleaseAnalysisLock(r.Context(), wallet)
	writeJSON(w, http.StatusOK, successResponse(nil, "analysis lock released"))
}

func (h *GatewayHandler) ClearAnalysisLocks(w http.ResponseWriter, r *http.Request) {
	count, err := h.limiter.ClearAnalysisLocks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to clear analysis locks"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]int{"cleared": count}, ""))
}

func (h *GatewayHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.ResetStats(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to reset statistics"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "statistics reset"))
}

type heartbeatRequest struct {
	JobID string `json:"job_id,omitempty"`
}

// HeartbeatAnalysis lets a worker extend the liveness window of a run that
// outlasts the liveness TTL. The body is optional; immediate admissions have
// no job id.
func (h *GatewayHandler) HeartbeatAnalysis(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(err, "invalid request body"))
			return
		}
	}
	if err := h.admission.HeartbeatAnalysis(r.Context(), wallet, req.JobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse(err, "job not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to record heartbeat"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "heartbeat recorded"))
}

type completionRequest struct {
	JobID      string `json:"job_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
}

// CompleteAnalysis is the worker's report-back endpoint.
func (h *GatewayHandler) CompleteAnalysis(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err, "invalid request body"))
		return
	}
	if err := h.admission.CompleteAnalysis(r.Context(), wallet, req.JobID, req.DurationMs, req.Success); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to record completion"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "completion recorded"))
}
