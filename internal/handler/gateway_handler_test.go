package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/monitor"
	"analysis-gateway/internal/queue"
	"analysis-gateway/internal/ratelimit"
	"analysis-gateway/internal/service"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/token"
	"analysis-gateway/internal/util"
)

const testWallet = "walletAAAAAAAAAAAAAAAAAA"

func testConfig() *config.Config {
	return &config.Config{
		Environment:  "test",
		StoreTimeout: 5 * time.Second,
		Analysis: config.AnalysisConfig{
			MaxConcurrent:    2,
			QuotaMax:         5,
			QuotaWindow:      time.Hour,
			DuplicateLockTTL: 10 * time.Minute,
			LivenessTTL:      15 * time.Minute,
			AvgJobDuration:   40 * time.Second,
			MaxAttempts:      3,
			MaxStalledCount:  2,
			RetryBackoffBase: 30 * time.Second,
			RetryBackoffMax:  5 * time.Minute,
		},
		API: config.APIConfig{
			QuotaMax:    100,
			QuotaWindow: time.Minute,
			AdminKey:    "test-admin-key",
		},
		CSRF: config.CSRFConfig{
			TTL:       time.Hour,
			UseWindow: 5 * time.Minute,
			UseBudget: 10,
		},
		Queue: config.QueueConfig{
			CompletedRetention: time.Hour,
			FailedRetention:    24 * time.Hour,
		},
		Monitor: config.MonitorConfig{
			MetricCapacity: 100,
			MetricTTL:      time.Hour,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	mem := store.NewMemory()
	logger := util.Get()
	limiter := ratelimit.NewLimiter(mem, cfg, logger)
	q := queue.NewManager(mem, cfg, logger)
	mon := monitor.New(mem, cfg, q, logger)
	tokens := token.NewService(mem, cfg, logger)
	admission := service.NewAdmissionService(cfg, limiter, q, mon, service.LogDispatcher{}, nil, logger)
	h := NewGatewayHandler(cfg, admission, q, mon, limiter, tokens, logger)

	srv := httptest.NewServer(NewRouter(h, limiter, mon, cfg, logger))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func issueToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/csrf-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	value, _ := data["token"].(string)
	require.NotEmpty(t, value)
	return value
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, envelope := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, envelope.Success)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, "healthy", data["status"])
}

func TestRequestAnalysisRequiresToken(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": testWallet}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, envelope.Success)
}

func TestRequestAnalysisFlow(t *testing.T) {
	srv := newTestServer(t, testConfig())
	tok := issueToken(t, srv)
	headers := map[string]string{"X-CSRF-Token": tok}

	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": testWallet}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, "started", data["status"])

	// The same wallet is already in flight.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": testWallet}, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A malformed wallet is a client error.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": "nope"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestAnalysisQueuedGets202(t *testing.T) {
	srv := newTestServer(t, testConfig())
	tok := issueToken(t, srv)
	headers := map[string]string{"X-CSRF-Token": tok}

	wallets := []string{testWallet, "walletBBBBBBBBBBBBBBBBBB", "walletCCCCCCCCCCCCCCCCCC"}
	var statuses []int
	for _, wallet := range wallets {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
			map[string]string{"wallet": wallet}, headers)
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusAccepted}, statuses)
}

func TestCancelQueuedJob(t *testing.T) {
	srv := newTestServer(t, testConfig())
	tok := issueToken(t, srv)
	headers := map[string]string{"X-CSRF-Token": tok}

	wallets := []string{testWallet, "walletBBBBBBBBBBBBBBBBBB"}
	for _, wallet := range wallets {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
			map[string]string{"wallet": wallet}, headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": "walletCCCCCCCCCCCCCCCCCC"}, headers)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := envelope.Data.(map[string]any)["job_id"].(string)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/jobs/"+jobID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/queue/jobs/"+jobID, nil, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/queue/jobs/"+jobID, nil, headers)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.API.QuotaMax = 2
	srv := newTestServer(t, cfg)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, envelope := doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, envelope.Success)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAdminAuth(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/locks/clear", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/locks/clear", nil,
		map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/locks/clear", nil,
		map[string]string{"X-Admin-Key": "test-admin-key"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, envelope.Success)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.API.AdminKey = ""
	srv := newTestServer(t, cfg)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/stats/reset", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminCompleteAnalysisPromotes(t *testing.T) {
	srv := newTestServer(t, testConfig())
	tok := issueToken(t, srv)
	headers := map[string]string{"X-CSRF-Token": tok}
	admin := map[string]string{"X-Admin-Key": "test-admin-key"}

	wallets := []string{testWallet, "walletBBBBBBBBBBBBBBBBBB"}
	for _, wallet := range wallets {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
			map[string]string{"wallet": wallet}, headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": "walletCCCCCCCCCCCCCCCCCC"}, headers)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := envelope.Data.(map[string]any)["job_id"].(string)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/analyses/"+testWallet+"/complete",
		map[string]any{"duration_ms": 1200, "success": true}, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The queued job took the freed slot.
	resp, envelope = doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := envelope.Data.(map[string]any)["job"].(map[string]any)
	assert.Equal(t, "active", job["state"])

	resp, envelope = doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := envelope.Data.(map[string]any)
	assert.Equal(t, float64(2), status["active_count"])
}

func TestAdminHeartbeat(t *testing.T) {
	srv := newTestServer(t, testConfig())
	tok := issueToken(t, srv)
	headers := map[string]string{"X-CSRF-Token": tok}
	admin := map[string]string{"X-Admin-Key": "test-admin-key"}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/analyses",
		map[string]string{"wallet": testWallet}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Immediate admissions heartbeat with no job id.
	resp, envelope := doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/admin/analyses/"+testWallet+"/heartbeat", nil, admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, envelope.Success)

	resp, _ = doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/admin/analyses/"+testWallet+"/heartbeat",
		map[string]string{"job_id": "nope"}, admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobStatusNotFound(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/queue/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitStatsRequiresIdentifier(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats/ratelimit", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, envelope := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/stats/ratelimit?identifier="+testWallet+"&scope=analysis", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, envelope.Success)
}
