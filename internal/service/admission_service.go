// Package service composes the admission path: rate limiter, duplicate lock,
// capacity check, and queue, in that order, in front of the analysis worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/monitor"
	"analysis-gateway/internal/queue"
	"analysis-gateway/internal/ratelimit"
	"analysis-gateway/internal/util"
)

var (
	ErrInvalidWallet      = errors.New("invalid wallet address")
	ErrQuotaExceeded      = errors.New("analysis quota exceeded")
	ErrAnalysisInProgress = errors.New("analysis already in progress for this wallet")
)

// QuotaExceededError carries retry guidance alongside the sentinel.
type QuotaExceededError struct {
	RetryAfter int
	ResetAt    time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("analysis quota exceeded, retry in %ds", e.RetryAfter)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// AdmissionResult reports how a request was admitted.
type AdmissionResult struct {
	Status               string `json:"status"` // "started" or "queued"
	Wallet               string `json:"wallet"`
	JobID                string `json:"job_id,omitempty"`
	Position             int    `json:"position,omitempty"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds,omitempty"`
}

// Dispatch describes work handed to the analysis worker.
type Dispatch struct {
	Wallet string
	JobID  string
	UserID string
}

// AnalysisDispatcher hands admitted work to the analysis worker. The worker
// itself is an external collaborator; it reports back through
// CompleteAnalysis.
type AnalysisDispatcher interface {
	DispatchAnalysis(ctx context.Context, d Dispatch) error
}

// wallet addresses: base58 or hex, no separators.
var walletPattern = regexp.MustCompile(`^[0-9a-zA-Z]{20,64}$`)

type AdmissionService struct {
	cfg        *config.Config
	limiter    *ratelimit.Limiter
	queue      *queue.Manager
	monitor    *monitor.Monitor
	dispatcher AnalysisDispatcher
	events     *EventPublisher
	logger     *zap.Logger
}

func NewAdmissionService(
	cfg *config.Config,
	limiter *ratelimit.Limiter,
	q *queue.Manager,
	mon *monitor.Monitor,
	dispatcher AnalysisDispatcher,
	events *EventPublisher,
	logger *zap.Logger,
) *AdmissionService {
	return &AdmissionService{
		cfg:        cfg,
		limiter:    limiter,
		queue:      q,
		monitor:    mon,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// RequestAnalysis runs the full admission sequence for one wallet.
func (s *AdmissionService) RequestAnalysis(ctx context.Context, wallet, userID string) (*AdmissionResult, error) {
	wallet = strings.TrimSpace(wallet)
	if !walletPattern.MatchString(wallet) {
		return nil, ErrInvalidWallet
	}

	quota := s.limiter.CheckAnalysisQuota(ctx, wallet)
	if !quota.Allowed {
		return nil, &QuotaExceededError{RetryAfter: quota.RetryAfter, ResetAt: quota.ResetAt}
	}

	if !s.limiter.PreventDuplicateAnalysis(ctx, wallet) {
		return nil, ErrAnalysisInProgress
	}

	if !s.queue.ShouldQueue(ctx) {
		if err := s.startAnalysis(ctx, Dispatch{Wallet: wallet, UserID: userID}); err != nil {
			s.limiter.ReleaseAnalysisLock(ctx, wallet)
			return nil, err
		}
		return &AdmissionResult{Status: "started", Wallet: wallet}, nil
	}

	enq, err := s.queue.Add(ctx, wallet, userID, 0)
	if err != nil {
		// Leaving the wallet locked with nothing running would block the
		// user for the full lock TTL.
		s.limiter.ReleaseAnalysisLock(ctx, wallet)
		return nil, fmt.Errorf("failed to queue analysis: %w", err)
	}

	s.events.Publish(ctx, EventJobQueued, wallet, enq.JobID)
	return &AdmissionResult{
		Status:               "queued",
		Wallet:               wallet,
		JobID:                enq.JobID,
		Position:             enq.Position,
		EstimatedWaitSeconds: enq.EstimatedWaitSeconds,
	}, nil
}

func (s *AdmissionService) startAnalysis(ctx context.Context, d Dispatch) error {
	if err := s.monitor.RecordStart(ctx, d.Wallet); err != nil {
		return fmt.Errorf("failed to record analysis start: %w", err)
	}
	if err := s.dispatcher.DispatchAnalysis(ctx, d); err != nil {
		if cerr := s.monitor.RecordComplete(ctx, d.Wallet, 0, false); cerr != nil {
			util.Warn("failed to roll back liveness record", zap.Error(cerr))
		}
		return fmt.Errorf("failed to dispatch analysis: %w", err)
	}
	s.events.Publish(ctx, EventJobStarted, d.Wallet, d.JobID)
	util.Info("analysis started",
		zap.String("wallet", d.Wallet),
		zap.String("job_id", d.JobID))
	return nil
}

// HeartbeatAnalysis extends the liveness window of a long-running analysis
// and, for promoted queue jobs, its stall clock. Workers whose runs outlast
// the liveness TTL call this periodically so the janitor never mistakes them
// for dead.
func (s *AdmissionService) HeartbeatAnalysis(ctx context.Context, wallet, jobID string) error {
	if err := s.monitor.Heartbeat(ctx, wallet); err != nil {
		return fmt.Errorf("failed to refresh liveness record: %w", err)
	}
	if jobID == "" {
		return nil
	}
	return s.queue.Heartbeat(ctx, jobID)
}

// CompleteAnalysis is the worker's report-back path: it settles liveness and
// job state, releases the wallet lock, and pulls the next waiting job into
// the freed slot.
func (s *AdmissionService) CompleteAnalysis(ctx context.Context, wallet, jobID string, durationMs int64, success bool) error {
	if err := s.monitor.RecordComplete(ctx, wallet, durationMs, success); err != nil {
		util.Warn("failed to record completion",
			zap.String("wallet", wallet), zap.Error(err))
	}

	if jobID != "" {
		if err := s.settleJob(ctx, wallet, jobID, success); err != nil {
			util.Warn("failed to settle job state",
				zap.String("job_id", jobID), zap.Error(err))
		}
	} else {
		event := EventJobCompleted
		if !success {
			event = EventJobFailed
		}
		s.events.Publish(ctx, event, wallet, "")
	}

	s.limiter.ReleaseAnalysisLock(ctx, wallet)
	return s.promoteNext(ctx)
}

func (s *AdmissionService) settleJob(ctx context.Context, wallet, jobID string, success bool) error {
	if success {
		s.events.Publish(ctx, EventJobCompleted, wallet, jobID)
		return s.queue.MarkCompleted(ctx, jobID)
	}

	job, _, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Attempts < s.cfg.Analysis.MaxAttempts {
		backoff := s.retryBackoff(job.Attempts)
		util.Info("analysis failed, delaying retry",
			zap.String("job_id", jobID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("backoff", backoff))
		return s.queue.Delay(ctx, jobID, backoff)
	}
	s.events.Publish(ctx, EventJobFailed, wallet, jobID)
	return s.queue.MarkFailed(ctx, jobID, "analysis failed after max attempts")
}

// retryBackoff doubles the base delay per prior attempt, capped.
func (s *AdmissionService) retryBackoff(attempts int) time.Duration {
	backoff := s.cfg.Analysis.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= s.cfg.Analysis.RetryBackoffMax {
			return s.cfg.Analysis.RetryBackoffMax
		}
	}
	return backoff
}

func (s *AdmissionService) promoteNext(ctx context.Context) error {
	job, err := s.queue.PromoteNext(ctx)
	if err != nil {
		return fmt.Errorf("failed to promote next job: %w", err)
	}
	if job == nil {
		return nil
	}

	// The duplicate lock acquired at submission may have expired while the
	// job waited; re-assert it for the run.
	s.limiter.PreventDuplicateAnalysis(ctx, job.Wallet)

	if err := s.startAnalysis(ctx, Dispatch{Wallet: job.Wallet, JobID: job.ID, UserID: job.UserID}); err != nil {
		s.limiter.ReleaseAnalysisLock(ctx, job.Wallet)
		if ferr := s.queue.MarkFailed(ctx, job.ID, "dispatch failed"); ferr != nil {
			util.Error("failed to fail undispatchable job",
				zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return err
	}
	return nil
}

// CancelJob removes a queued job and frees its wallet lock. Idempotent:
// repeated calls report ErrJobNotFound.
func (s *AdmissionService) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.queue.Remove(ctx, jobID)
	if err != nil {
		return err
	}
	s.limiter.ReleaseAnalysisLock(ctx, job.Wallet)
	s.events.Publish(ctx, EventJobCancelled, job.Wallet, job.ID)
	return nil
}

// RunJanitor is the scheduled maintenance pass: retention sweep, delayed-job
// promotion, stalled-job handling, liveness pruning.
func (s *AdmissionService) RunJanitor(ctx context.Context) {
	if err := s.queue.Cleanup(ctx); err != nil {
		util.Error("janitor cleanup failed", zap.Error(err))
	}
	if err := s.queue.RequeueDelayed(ctx); err != nil {
		util.Error("janitor requeue failed", zap.Error(err))
	}
	if err := s.queue.FailStalled(ctx); err != nil {
		util.Error("janitor stall check failed", zap.Error(err))
	}
	if err := s.monitor.PruneLiveness(ctx); err != nil {
		util.Error("janitor liveness prune failed", zap.Error(err))
	}
}
