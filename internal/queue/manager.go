// Package queue provides capacity-gated FIFO admission for analysis jobs.
// Ordering and state live in sorted sets in the shared store; FIFO position
// is the rank among waiting jobs and stays stable until jobs ahead leave the
// waiting state. Unlike quota checks, submission failures surface to the
// caller: silently dropping or admitting a job risks double-processing.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/util"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is not cancellable in its current state")
)

// Stats is the aggregate queue view.
type Stats struct {
	Waiting       int64 `json:"waiting"`
	Delayed       int64 `json:"delayed"`
	Active        int64 `json:"active"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	MaxConcurrent int   `json:"max_concurrent"`
	HasCapacity   bool  `json:"has_capacity"`
}

// EnqueueResult is returned to a caller whose request was queued.
type EnqueueResult struct {
	JobID                string `json:"job_id"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

type Manager struct {
	store   store.Store
	cfg     *config.Config
	timeout time.Duration
	logger  *zap.Logger
}

func NewManager(s store.Store, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		store:   s,
		cfg:     cfg,
		timeout: cfg.StoreTimeout,
		logger:  logger,
	}
}

// ActiveCount counts in-flight analyses via the liveness index. Records
// whose TTL expired are pruned by the monitor; a short overcount window is
// acceptable here.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	n, err := m.store.ZCard(ctx, store.KeyLivenessIndex)
	return int(n), err
}

// ShouldQueue reports whether a new analysis must wait. A store error means
// "do not queue": the request proceeds and capacity enforcement degrades
// rather than the request path.
func (m *Manager) ShouldQueue(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	active, err := m.ActiveCount(ctx)
	if err != nil {
		util.Error("capacity check failed, admitting without queue", zap.Error(err))
		return false
	}
	return active >= m.cfg.Analysis.MaxConcurrent
}

// Add enqueues a job at the FIFO tail and reports its 1-indexed position and
// a coarse wait estimate. The estimate assumes jobs drain at a constant rate;
// it is an approximation, not a scheduling guarantee.
func (m *Manager) Add(ctx context.Context, wallet, userID string, priority int) (*EnqueueResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	now := time.Now()
	job := &Job{
		ID:          newJobID(wallet, now),
		Wallet:      wallet,
		UserID:      userID,
		Priority:    priority,
		State:       StateWaiting,
		SubmittedAt: now.UnixMilli(),
	}

	if err := m.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job record: %w", err)
	}
	if err := m.store.ZAdd(ctx, store.KeyQueueWaiting, waitingScore(job), job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	rank, err := m.store.ZRank(ctx, store.KeyQueueWaiting, job.ID)
	if err != nil || rank < 0 {
		// Position is informational; the job itself is safely enqueued.
		rank = 0
	}
	position := int(rank) + 1

	active, err := m.ActiveCount(ctx)
	if err != nil {
		active = m.cfg.Analysis.MaxConcurrent
	}

	result := &EnqueueResult{
		JobID:                job.ID,
		Position:             position,
		EstimatedWaitSeconds: m.estimateWait(ctx, position, active),
	}

	util.Info("job queued",
		zap.String("job_id", job.ID),
		zap.Int("position", position),
		zap.Int("estimated_wait_seconds", result.EstimatedWaitSeconds))

	return result, nil
}

// estimateWait = ceil(position / free slots) * average job duration.
func (m *Manager) estimateWait(ctx context.Context, position, active int) int {
	slots := m.cfg.Analysis.MaxConcurrent - active
	if slots < 1 {
		slots = 1
	}
	rounds := int(math.Ceil(float64(position) / float64(slots)))
	return rounds * int(m.averageJobDuration(ctx).Seconds())
}

// averageJobDuration reads the recent analysis_duration samples written by
// the monitor, falling back to the configured estimate when none exist.
func (m *Manager) averageJobDuration(ctx context.Context) time.Duration {
	samples, err := m.store.LRange(ctx, store.PrefixMetric+store.MetricAnalysisDuration, 0, -1)
	if err != nil || len(samples) == 0 {
		return m.cfg.Analysis.AvgJobDuration
	}
	var sum float64
	var n int
	for _, raw := range samples {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return m.cfg.Analysis.AvgJobDuration
	}
	avg := time.Duration(sum/float64(n)) * time.Millisecond
	if avg < time.Second {
		avg = time.Second
	}
	return avg
}

// GetJob returns the job record plus, for waiting jobs, its current position.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	job, err := m.loadJob(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	position := 0
	if job.State == StateWaiting {
		if rank, err := m.store.ZRank(ctx, store.KeyQueueWaiting, job.ID); err == nil && rank >= 0 {
			position = int(rank) + 1
		}
	}
	return job, position, nil
}

// Remove cancels a job. Only waiting and delayed jobs are cancellable;
// in-flight work belongs to the analysis worker. Repeated calls after
// removal report ErrJobNotFound.
func (m *Manager) Remove(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	job, err := m.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}

	var queueKey string
	switch job.State {
	case StateWaiting:
		queueKey = store.KeyQueueWaiting
	case StateDelayed:
		queueKey = store.KeyQueueDelayed
	default:
		return nil, ErrJobNotCancellable
	}

	removed, err := m.store.ZRem(ctx, queueKey, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if removed == 0 {
		// Someone else (promotion, janitor) claimed it first.
		return nil, ErrJobNotFound
	}
	if err := m.store.Del(ctx, store.PrefixJob+job.ID); err != nil {
		util.Warn("failed to delete cancelled job record",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	util.Info("job cancelled", zap.String("job_id", job.ID))
	return job, nil
}

// Stats aggregates queue counts and derives remaining capacity.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	stats := &Stats{MaxConcurrent: m.cfg.Analysis.MaxConcurrent}
	counts := []struct {
		key string
		dst *int64
	}{
		{store.KeyQueueWaiting, &stats.Waiting},
		{store.KeyQueueDelayed, &stats.Delayed},
		{store.KeyQueueCompleted, &stats.Completed},
		{store.KeyQueueFailed, &stats.Failed},
	}
	for _, c := range counts {
		n, err := m.store.ZCard(ctx, c.key)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue counts: %w", err)
		}
		*c.dst = n
	}

	active, err := m.ActiveCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read active count: %w", err)
	}
	stats.Active = int64(active)
	stats.HasCapacity = active < m.cfg.Analysis.MaxConcurrent
	return stats, nil
}

// PromoteNext claims the head of the waiting queue and marks it active.
// Returns nil when the queue is empty. The ZRem removed-count settles races
// between concurrent promoters: only the caller that removed the member owns
// the job.
func (m *Manager) PromoteNext(ctx context.Context) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for {
		head, err := m.store.ZRange(ctx, store.KeyQueueWaiting, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue head: %w", err)
		}
		if len(head) == 0 {
			return nil, nil
		}
		id := head[0]

		removed, err := m.store.ZRem(ctx, store.KeyQueueWaiting, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if removed == 0 {
			continue // lost the race, try the next head
		}

		job, err := m.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				util.Warn("claimed job has no record, skipping", zap.String("job_id", id))
				continue
			}
			return nil, err
		}

		now := time.Now().UnixMilli()
		job.State = StateActive
		job.StartedAt = now
		job.LastHeartbeat = now
		job.Attempts++
		if err := m.saveJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to mark job active: %w", err)
		}
		if err := m.store.ZAdd(ctx, store.KeyQueueActive, float64(now), job.ID); err != nil {
			return nil, fmt.Errorf("failed to track active job: %w", err)
		}

		util.Info("job promoted",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts))
		return job, nil
	}
}

// Heartbeat refreshes the job's stall clock while the worker is making
// progress.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	job, err := m.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.LastHeartbeat = time.Now().UnixMilli()
	return m.saveJob(ctx, job)
}

// MarkCompleted moves an active job to the completed set.
func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	return m.finish(ctx, id, StateCompleted, "")
}

// MarkFailed moves a job to the failed set with a reason.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) error {
	return m.finish(ctx, id, StateFailed, reason)
}

func (m *Manager) finish(ctx context.Context, id string, state State, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	job, err := m.loadJob(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	job.State = state
	job.FinishedAt = now
	job.FailReason = reason
	if err := m.saveJob(ctx, job); err != nil {
		return err
	}

	if _, err := m.store.ZRem(ctx, store.KeyQueueActive, id); err != nil {
		util.Warn("failed to remove job from active set",
			zap.String("job_id", id), zap.Error(err))
	}
	target := store.KeyQueueCompleted
	if state == StateFailed {
		target = store.KeyQueueFailed
	}
	if err := m.store.ZAdd(ctx, target, float64(now), id); err != nil {
		return fmt.Errorf("failed to record terminal job: %w", err)
	}
	return nil
}

// Delay parks a job for retry; it returns to waiting once the backoff
// elapses.
func (m *Manager) Delay(ctx context.Context, id string, backoff time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	job, err := m.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateDelayed
	if err := m.saveJob(ctx, job); err != nil {
		return err
	}
	if _, err := m.store.ZRem(ctx, store.KeyQueueActive, id); err != nil {
		util.Warn("failed to remove delayed job from active set",
			zap.String("job_id", id), zap.Error(err))
	}
	readyAt := time.Now().Add(backoff).UnixMilli()
	return m.store.ZAdd(ctx, store.KeyQueueDelayed, float64(readyAt), id)
}

// RequeueDelayed moves due delayed jobs back to waiting. The original submit
// time keeps their FIFO fairness against newer submissions.
func (m *Manager) RequeueDelayed(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	due, err := m.store.ZRangeByScore(ctx, store.KeyQueueDelayed, 0, float64(time.Now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}
	for _, id := range due {
		removed, err := m.store.ZRem(ctx, store.KeyQueueDelayed, id)
		if err != nil || removed == 0 {
			continue
		}
		job, err := m.loadJob(ctx, id)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := m.saveJob(ctx, job); err != nil {
			continue
		}
		if err := m.store.ZAdd(ctx, store.KeyQueueWaiting, waitingScore(job), id); err != nil {
			util.Error("failed to requeue delayed job",
				zap.String("job_id", id), zap.Error(err))
			continue
		}
		util.Info("delayed job requeued", zap.String("job_id", id))
	}
	return nil
}

// FailStalled inspects active jobs whose liveness record has expired. Each
// expiry counts one stall; the job is requeued until the stall budget is
// spent, then failed.
func (m *Manager) FailStalled(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ids, err := m.store.ZRange(ctx, store.KeyQueueActive, 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read active jobs: %w", err)
	}
	livenessTTL := m.cfg.Analysis.LivenessTTL
	now := time.Now()

	for _, id := range ids {
		job, err := m.loadJob(ctx, id)
		if err != nil {
			_, _ = m.store.ZRem(ctx, store.KeyQueueActive, id)
			continue
		}
		alive, err := m.store.Exists(ctx, store.PrefixLiveness+strings.ToLower(strings.TrimSpace(job.Wallet)))
		if err != nil || alive {
			continue
		}
		lastSeen := time.UnixMilli(job.LastHeartbeat)
		if now.Sub(lastSeen) < livenessTTL {
			continue
		}

		job.StalledCount++
		if job.StalledCount >= m.cfg.Analysis.MaxStalledCount {
			util.Warn("job stalled past budget, failing",
				zap.String("job_id", id),
				zap.Int("stalled_count", job.StalledCount))
			if err := m.saveJob(ctx, job); err == nil {
				_ = m.finish(ctx, id, StateFailed, "worker stalled")
			}
			continue
		}

		util.Warn("job stalled, requeueing",
			zap.String("job_id", id),
			zap.Int("stalled_count", job.StalledCount))
		job.State = StateWaiting
		if err := m.saveJob(ctx, job); err != nil {
			continue
		}
		_, _ = m.store.ZRem(ctx, store.KeyQueueActive, id)
		_ = m.store.ZAdd(ctx, store.KeyQueueWaiting, waitingScore(job), id)
	}
	return nil
}

// Cleanup removes terminal jobs past their retention window, bounding growth
// of the job set. Completed jobs keep a short window, failed jobs a longer
// one for postmortems.
func (m *Manager) Cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sweeps := []struct {
		key       string
		retention time.Duration
	}{
		{store.KeyQueueCompleted, m.cfg.Queue.CompletedRetention},
		{store.KeyQueueFailed, m.cfg.Queue.FailedRetention},
	}
	for _, sweep := range sweeps {
		cutoff := float64(time.Now().Add(-sweep.retention).UnixMilli())
		ids, err := m.store.ZRangeByScore(ctx, sweep.key, 0, cutoff)
		if err != nil {
			return fmt.Errorf("failed to list expired jobs: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		jobKeys := make([]string, len(ids))
		for i, id := range ids {
			jobKeys[i] = store.PrefixJob + id
		}
		if err := m.store.Del(ctx, jobKeys...); err != nil {
			util.Warn("failed to delete expired job records", zap.Error(err))
		}
		if _, err := m.store.ZRemRangeByScore(ctx, sweep.key, 0, cutoff); err != nil {
			return fmt.Errorf("failed to trim terminal set: %w", err)
		}
		util.Info("expired jobs cleaned",
			zap.String("set", sweep.key),
			zap.Int("count", len(ids)))
	}
	return nil
}

// waitingScore orders the FIFO queue. Priority shifts jobs whole epochs
// ahead; within a tier, submit time decides.
func waitingScore(job *Job) float64 {
	return float64(job.SubmittedAt) + float64(job.Priority)*1e15
}

func (m *Manager) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return m.store.Set(ctx, store.PrefixJob+job.ID, string(raw), store.TTLJobRecord)
}

func (m *Manager) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := m.store.Get(ctx, store.PrefixJob+id)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}
