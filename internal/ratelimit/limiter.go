// Package ratelimit enforces sliding-window quotas per (identifier, scope)
// and provides the advisory TTL lock primitive used for request
// deduplication. Quota and lock decisions fail open: when the coordination
// store is unhealthy, availability wins over strict enforcement.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/util"
)

// Result is the outcome of a quota check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is the whole seconds a denied caller should wait. Zero when
	// allowed.
	RetryAfter int `json:"retry_after,omitempty"`
}

// Usage is the read-only view of a window, for the stats endpoint.
type Usage struct {
	Identifier string `json:"identifier"`
	Scope      string `json:"scope"`
	Count      int    `json:"count"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
}

type Limiter struct {
	store   store.Store
	cfg     *config.Config
	timeout time.Duration
	logger  *zap.Logger
}

func NewLimiter(s store.Store, cfg *config.Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:   s,
		cfg:     cfg,
		timeout: cfg.StoreTimeout,
		logger:  logger,
	}
}

// bucketID hashes an identifier (wallet address, client IP) into a short
// key-safe token so raw identifiers never appear in store keys and key
// cardinality stays bounded by the identifier space, not its encoding.
func bucketID(identifier string) string {
	h := murmur3.Sum64([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return strconv.FormatUint(h, 16)
}

func windowKey(identifier, scope string) string {
	return store.PrefixRateLimit + scope + ":" + bucketID(identifier)
}

// CheckLimit applies a sliding-window quota: prune entries older than the
// window, count survivors, then either deny with retry guidance or record
// this request. Each step is a single atomic store call.
func (l *Limiter) CheckLimit(ctx context.Context, identifier, scope string, maxRequests int, window time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := windowKey(identifier, scope)
	now := time.Now()
	cutoff := now.Add(-window)

	if _, err := l.store.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixMilli())); err != nil {
		return l.failOpen(scope, maxRequests, window, err)
	}

	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return l.failOpen(scope, maxRequests, window, err)
	}

	if count >= int64(maxRequests) {
		resetAt := now.Add(window)
		if oldest, err := l.store.ZRangeWithScores(ctx, key, 0, 0); err == nil && len(oldest) > 0 {
			resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
		}
		retryAfter := int(math.Ceil(time.Until(resetAt).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
	}

	// The nonce keeps two requests in the same millisecond from colliding on
	// one zset member.
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	if err := l.store.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return l.failOpen(scope, maxRequests, window, err)
	}
	if err := l.store.Expire(ctx, key, window); err != nil {
		util.Warn("failed to refresh rate window expiry",
			zap.String("scope", scope), zap.Error(err))
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests - int(count) - 1,
		ResetAt:   now.Add(window),
	}
}

func (l *Limiter) failOpen(scope string, maxRequests int, window time.Duration, err error) Result {
	util.Error("rate limit check failed, allowing request",
		zap.String("scope", scope), zap.Error(err))
	return Result{Allowed: true, Remaining: maxRequests - 1, ResetAt: time.Now().Add(window)}
}

// CheckAnalysisQuota guards the expensive downstream job: small ceiling,
// long window.
func (l *Limiter) CheckAnalysisQuota(ctx context.Context, wallet string) Result {
	return l.CheckLimit(ctx, wallet, "analysis", l.cfg.Analysis.QuotaMax, l.cfg.Analysis.QuotaWindow)
}

// CheckAPIQuota guards against request floods: large ceiling, short window.
func (l *Limiter) CheckAPIQuota(ctx context.Context, clientIP string) Result {
	return l.CheckLimit(ctx, clientIP, "api", l.cfg.API.QuotaMax, l.cfg.API.QuotaWindow)
}

// GetUsage reports the current window without recording a request.
func (l *Limiter) GetUsage(ctx context.Context, identifier, scope string, maxRequests int, window time.Duration) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := windowKey(identifier, scope)
	cutoff := time.Now().Add(-window)
	if _, err := l.store.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixMilli())); err != nil {
		return Usage{}, fmt.Errorf("failed to prune rate window: %w", err)
	}
	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to count rate window: %w", err)
	}
	remaining := maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Identifier: identifier,
		Scope:      scope,
		Count:      int(count),
		Limit:      maxRequests,
		Remaining:  remaining,
	}, nil
}

// AcquireLock wins only for the single caller whose set-if-absent lands
// first. Store errors fail open: the lock is advisory, not safety-critical.
func (l *Limiter) AcquireLock(ctx context.Context, key string, ttl time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acquired, err := l.store.SetNX(ctx, store.PrefixLock+key, "locked", ttl)
	if err != nil {
		util.Error("lock acquire failed, treating as acquired",
			zap.String("key", key), zap.Error(err))
		return true
	}
	return acquired
}

// ReleaseLock deletes unconditionally. No ownership token: locks here are
// short-lived and advisory.
func (l *Limiter) ReleaseLock(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.Del(ctx, store.PrefixLock+key); err != nil {
		util.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}

// PreventDuplicateAnalysis folds concurrent requests for one wallet into a
// single run. Returns false when an analysis already holds the wallet.
func (l *Limiter) PreventDuplicateAnalysis(ctx context.Context, wallet string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acquired, err := l.store.SetNX(ctx, analysisLockKey(wallet), "locked", l.cfg.Analysis.DuplicateLockTTL)
	if err != nil {
		util.Error("duplicate-analysis lock failed, allowing analysis",
			zap.String("wallet", wallet), zap.Error(err))
		return true
	}
	return acquired
}

func (l *Limiter) ReleaseAnalysisLock(ctx context.Context, wallet string) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.Del(ctx, analysisLockKey(wallet)); err != nil {
		util.Warn("analysis lock release failed",
			zap.String("wallet", wallet), zap.Error(err))
	}
}

// ClearAnalysisLocks removes every wallet analysis lock. Administrative.
func (l *Limiter) ClearAnalysisLocks(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	keys, err := l.store.ScanKeys(ctx, store.PrefixAnalysisLock+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to scan analysis locks: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := l.store.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to clear analysis locks: %w", err)
	}
	util.Info("analysis locks cleared", zap.Int("count", len(keys)))
	return len(keys), nil
}

func analysisLockKey(wallet string) string {
	return store.PrefixAnalysisLock + strings.ToLower(strings.TrimSpace(wallet))
}
