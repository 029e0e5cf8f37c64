// Package monitor tracks in-flight analyses through TTL liveness records,
// keeps bounded rolling metric series, and tallies per-endpoint API usage.
// Liveness TTLs make the "active" signal self-healing: a crashed worker's
// record evaporates without manual intervention.
package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/queue"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/util"
)

// QueueStatsProvider supplies queue aggregates for the composed status view.
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// ActiveAnalysis is one in-flight analysis, for the operator listing.
type ActiveAnalysis struct {
	Wallet    string `json:"wallet"`
	StartedAt int64  `json:"started_at"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// MetricStats summarizes the retained window of one metric series. It is a
// bounded-memory approximation, not an exact historical aggregate.
type MetricStats struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// EndpointStats is the per-endpoint usage summary.
type EndpointStats struct {
	Endpoint      string  `json:"endpoint"`
	Total         int64   `json:"total"`
	Errors        int64   `json:"errors"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// SystemStatus is the composed snapshot returned by the status endpoint.
type SystemStatus struct {
	Healthy            bool         `json:"healthy"`
	ActiveCount        int          `json:"active_count"`
	MaxConcurrent      int          `json:"max_concurrent"`
	UtilizationPercent float64      `json:"utilization_percent"`
	Queue              *queue.Stats `json:"queue"`
	Duration           MetricStats  `json:"analysis_duration"`
	TotalStarted       int64        `json:"total_started"`
	TotalCompleted     int64        `json:"total_completed"`
	TotalFailed        int64        `json:"total_failed"`
}

type Monitor struct {
	store      store.Store
	cfg        *config.Config
	queueStats QueueStatsProvider
	timeout    time.Duration
	logger     *zap.Logger
}

func New(s store.Store, cfg *config.Config, queueStats QueueStatsProvider, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:      s,
		cfg:        cfg,
		queueStats: queueStats,
		timeout:    cfg.StoreTimeout,
		logger:     logger,
	}
}

func livenessKey(wallet string) string {
	return store.PrefixLiveness + strings.ToLower(strings.TrimSpace(wallet))
}

// RecordStart registers a starting analysis. The liveness TTL covers the
// slowest expected run.
func (m *Monitor) RecordStart(ctx context.Context, wallet string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	now := time.Now().UnixMilli()
	key := livenessKey(wallet)
	if err := m.store.Set(ctx, key, strconv.FormatInt(now, 10), m.cfg.Analysis.LivenessTTL); err != nil {
		return fmt.Errorf("failed to record analysis start: %w", err)
	}
	if err := m.store.ZAdd(ctx, store.KeyLivenessIndex, float64(now), strings.ToLower(strings.TrimSpace(wallet))); err != nil {
		return fmt.Errorf("failed to index analysis start: %w", err)
	}
	if _, err := m.store.Incr(ctx, store.StatTotalStarted); err != nil {
		util.Warn("failed to bump started counter", zap.Error(err))
	}
	return nil
}

// Heartbeat extends the liveness record of a still-running analysis.
func (m *Monitor) Heartbeat(ctx context.Context, wallet string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.Expire(ctx, livenessKey(wallet), m.cfg.Analysis.LivenessTTL)
}

// RecordComplete removes the liveness record and, on success, feeds the
// duration series and completion counters.
func (m *Monitor) RecordComplete(ctx context.Context, wallet string, durationMs int64, success bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	w := strings.ToLower(strings.TrimSpace(wallet))
	if err := m.store.Del(ctx, livenessKey(wallet)); err != nil {
		util.Warn("failed to delete liveness record",
			zap.String("wallet", wallet), zap.Error(err))
	}
	if _, err := m.store.ZRem(ctx, store.KeyLivenessIndex, w); err != nil {
		util.Warn("failed to unindex liveness record",
			zap.String("wallet", wallet), zap.Error(err))
	}

	counter := store.StatTotalFailed
	if success {
		counter = store.StatTotalCompleted
		if err := m.RecordMetric(ctx, store.MetricAnalysisDuration, float64(durationMs)); err != nil {
			util.Warn("failed to record duration sample", zap.Error(err))
		}
	}
	if _, err := m.store.Incr(ctx, counter); err != nil {
		return fmt.Errorf("failed to bump completion counter: %w", err)
	}
	return nil
}

// RecordMetric pushes a sample to the head of a bounded series and refreshes
// its TTL so abandoned series evaporate.
func (m *Monitor) RecordMetric(ctx context.Context, name string, value float64) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := store.PrefixMetric + name
	if err := m.store.LPush(ctx, key, strconv.FormatFloat(value, 'f', -1, 64)); err != nil {
		return fmt.Errorf("failed to push metric sample: %w", err)
	}
	if err := m.store.LTrim(ctx, key, 0, int64(m.cfg.Monitor.MetricCapacity)-1); err != nil {
		return fmt.Errorf("failed to trim metric series: %w", err)
	}
	if err := m.store.Expire(ctx, key, m.cfg.Monitor.MetricTTL); err != nil {
		util.Warn("failed to refresh metric TTL", zap.String("metric", name), zap.Error(err))
	}
	return nil
}

// GetMetricStats aggregates the retained samples of one series.
func (m *Monitor) GetMetricStats(ctx context.Context, name string) (MetricStats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.metricStats(ctx, name)
}

func (m *Monitor) metricStats(ctx context.Context, name string) (MetricStats, error) {
	stats := MetricStats{Name: name, Min: math.NaN(), Max: math.NaN()}
	samples, err := m.store.LRange(ctx, store.PrefixMetric+name, 0, -1)
	if err != nil {
		return stats, fmt.Errorf("failed to read metric series: %w", err)
	}
	var sum float64
	for _, raw := range samples {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if stats.Count == 0 {
			stats.Min, stats.Max = v, v
		} else {
			stats.Min = math.Min(stats.Min, v)
			stats.Max = math.Max(stats.Max, v)
		}
		sum += v
		stats.Count++
	}
	if stats.Count > 0 {
		stats.Avg = sum / float64(stats.Count)
	} else {
		stats.Min, stats.Max = 0, 0
	}
	return stats, nil
}

// GetActiveAnalyses lists in-flight analyses oldest-first, so an operator
// sees the longest-stuck request at the top. Index entries whose liveness
// key already expired are pruned on the way through.
func (m *Monitor) GetActiveAnalyses(ctx context.Context) ([]ActiveAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	members, err := m.store.ZRangeWithScores(ctx, store.KeyLivenessIndex, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read liveness index: %w", err)
	}

	now := time.Now().UnixMilli()
	out := make([]ActiveAnalysis, 0, len(members))
	for _, member := range members {
		alive, err := m.store.Exists(ctx, store.PrefixLiveness+member.Member)
		if err != nil {
			return nil, fmt.Errorf("failed to check liveness record: %w", err)
		}
		if !alive {
			if _, err := m.store.ZRem(ctx, store.KeyLivenessIndex, member.Member); err != nil {
				util.Warn("failed to prune stale liveness entry", zap.Error(err))
			}
			continue
		}
		startedAt := int64(member.Score)
		out = append(out, ActiveAnalysis{
			Wallet:    member.Member,
			StartedAt: startedAt,
			ElapsedMs: now - startedAt,
		})
	}
	return out, nil
}

// PruneLiveness drops stale index entries without building the listing.
// Scheduled alongside the queue janitor.
func (m *Monitor) PruneLiveness(ctx context.Context) error {
	_, err := m.GetActiveAnalyses(ctx)
	return err
}

// GetSystemStatus composes active work, queue aggregates, duration stats,
// and cumulative totals into one snapshot.
func (m *Monitor) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	active, err := m.GetActiveAnalyses(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	qs, err := m.queueStats.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	duration, err := m.metricStats(ctx, store.MetricAnalysisDuration)
	if err != nil {
		return nil, err
	}

	// Healthy up to and including 1.5x the concurrency ceiling; only a
	// backlog beyond that counts as degraded.
	maxConcurrent := m.cfg.Analysis.MaxConcurrent
	status := &SystemStatus{
		ActiveCount:        len(active),
		MaxConcurrent:      maxConcurrent,
		UtilizationPercent: float64(len(active)) / float64(maxConcurrent) * 100,
		Queue:              qs,
		Duration:           duration,
		Healthy:            float64(len(active)) <= float64(maxConcurrent)*1.5,
		TotalStarted:       m.readCounter(ctx, store.StatTotalStarted),
		TotalCompleted:     m.readCounter(ctx, store.StatTotalCompleted),
		TotalFailed:        m.readCounter(ctx, store.StatTotalFailed),
	}
	return status, nil
}

func (m *Monitor) readCounter(ctx context.Context, key string) int64 {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

// RecordAPIRequest tallies one handled request against its endpoint.
func (m *Monitor) RecordAPIRequest(ctx context.Context, endpoint string, durationMs int64, statusCode int) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.store.Incr(ctx, store.PrefixAPIStats+endpoint+":total"); err != nil {
		util.Warn("failed to count api request", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	if statusCode >= 400 {
		if _, err := m.store.Incr(ctx, store.PrefixAPIStats+endpoint+":errors"); err != nil {
			util.Warn("failed to count api error", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	if err := m.store.ZAdd(ctx, store.KeyAPIIndex, float64(time.Now().UnixMilli()), endpoint); err != nil {
		util.Warn("failed to index endpoint", zap.String("endpoint", endpoint), zap.Error(err))
	}
	if err := m.RecordMetric(ctx, "api:"+endpoint, float64(durationMs)); err != nil {
		util.Warn("failed to record api duration", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// GetAPIStats derives per-endpoint totals and success rates.
func (m *Monitor) GetAPIStats(ctx context.Context) ([]EndpointStats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	endpoints, err := m.store.ZRange(ctx, store.KeyAPIIndex, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	out := make([]EndpointStats, 0, len(endpoints))
	for _, endpoint := range endpoints {
		total := m.readCounter(ctx, store.PrefixAPIStats+endpoint+":total")
		errorsN := m.readCounter(ctx, store.PrefixAPIStats+endpoint+":errors")
		duration, err := m.metricStats(ctx, "api:"+endpoint)
		if err != nil {
			return nil, err
		}
		stats := EndpointStats{
			Endpoint:      endpoint,
			Total:         total,
			Errors:        errorsN,
			SuccessRate:   100,
			AvgDurationMs: duration.Avg,
		}
		if total > 0 {
			stats.SuccessRate = float64(total-errorsN) / float64(total) * 100
		}
		out = append(out, stats)
	}
	return out, nil
}

// ResetStats bulk-deletes counters, metric series, and endpoint tallies.
// Authorization is the caller's problem; this operation is deliberately
// unguarded here.
func (m *Monitor) ResetStats(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	patterns := []string{
		store.PrefixStats + "*",
		store.PrefixMetric + "*",
		store.PrefixAPIStats + "*",
	}
	var keys []string
	for _, pattern := range patterns {
		batch, err := m.store.ScanKeys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("failed to scan stats keys: %w", err)
		}
		keys = append(keys, batch...)
	}
	keys = append(keys, store.KeyAPIIndex)
	if err := m.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset stats: %w", err)
	}
	util.Info("statistics reset", zap.Int("keys_deleted", len(keys)))
	return nil
}
