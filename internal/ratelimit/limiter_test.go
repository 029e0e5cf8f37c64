package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-gateway/internal/config"
	"analysis-gateway/internal/store"
	"analysis-gateway/internal/util"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:  "test",
		StoreTimeout: 5 * time.Second,
		Analysis: config.AnalysisConfig{
			MaxConcurrent:    2,
			QuotaMax:         5,
			QuotaWindow:      time.Hour,
			DuplicateLockTTL: 10 * time.Minute,
		},
		API: config.APIConfig{
			QuotaMax:    120,
			QuotaWindow: time.Minute,
		},
	}
}

func newTestLimiter() (*Limiter, *store.Memory) {
	mem := store.NewMemory()
	return NewLimiter(mem, testConfig(), util.Get()), mem
}

func TestCheckLimitSlidingWindow(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		res := limiter.CheckLimit(ctx, "wallet-one", "analysis", 5, time.Hour)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res := limiter.CheckLimit(ctx, "wallet-one", "analysis", 5, time.Hour)
	require.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, 0)
	assert.True(t, res.ResetAt.After(time.Now()))
}

func TestCheckLimitWindowElapses(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()
	window := 150 * time.Millisecond

	require.True(t, limiter.CheckLimit(ctx, "id", "api", 2, window).Allowed)
	require.True(t, limiter.CheckLimit(ctx, "id", "api", 2, window).Allowed)
	require.False(t, limiter.CheckLimit(ctx, "id", "api", 2, window).Allowed)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, limiter.CheckLimit(ctx, "id", "api", 2, window).Allowed,
		"a fresh check is allowed once the window fully elapses")
}

func TestCheckLimitIsolatesIdentifiersAndScopes(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	require.True(t, limiter.CheckLimit(ctx, "a", "analysis", 1, time.Hour).Allowed)
	require.False(t, limiter.CheckLimit(ctx, "a", "analysis", 1, time.Hour).Allowed)
	assert.True(t, limiter.CheckLimit(ctx, "b", "analysis", 1, time.Hour).Allowed,
		"other identifiers keep their own window")
	assert.True(t, limiter.CheckLimit(ctx, "a", "api", 1, time.Hour).Allowed,
		"other scopes keep their own window")
}

func TestAcquireLockExclusivity(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.AcquireLock(ctx, "resource", time.Minute) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins, "exactly one concurrent caller wins")

	limiter.ReleaseLock(ctx, "resource")
	assert.True(t, limiter.AcquireLock(ctx, "resource", time.Minute))
}

func TestAcquireLockTTLExpiry(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	require.True(t, limiter.AcquireLock(ctx, "short", 30*time.Millisecond))
	require.False(t, limiter.AcquireLock(ctx, "short", 30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, limiter.AcquireLock(ctx, "short", time.Minute))
}

func TestPreventDuplicateAnalysis(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	require.True(t, limiter.PreventDuplicateAnalysis(ctx, "WalletX"))
	assert.False(t, limiter.PreventDuplicateAnalysis(ctx, "walletx"),
		"lock is case-insensitive on the wallet")

	limiter.ReleaseAnalysisLock(ctx, "WALLETX")
	assert.True(t, limiter.PreventDuplicateAnalysis(ctx, "walletx"))
}

func TestClearAnalysisLocks(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	require.True(t, limiter.PreventDuplicateAnalysis(ctx, "w1"))
	require.True(t, limiter.PreventDuplicateAnalysis(ctx, "w2"))

	cleared, err := limiter.ClearAnalysisLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
	assert.True(t, limiter.PreventDuplicateAnalysis(ctx, "w1"))
}

func TestGetUsage(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	limiter.CheckLimit(ctx, "id", "analysis", 5, time.Hour)
	limiter.CheckLimit(ctx, "id", "analysis", 5, time.Hour)

	usage, err := limiter.GetUsage(ctx, "id", "analysis", 5, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Count)
	assert.Equal(t, 3, usage.Remaining)
}

func TestFailOpenOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(failingStore{}, testConfig(), util.Get())

	res := limiter.CheckLimit(ctx, "id", "analysis", 5, time.Hour)
	assert.True(t, res.Allowed, "quota checks fail open")

	assert.True(t, limiter.AcquireLock(ctx, "k", time.Minute), "lock acquires fail open")
	assert.True(t, limiter.PreventDuplicateAnalysis(ctx, "w"), "duplicate guard fails open")
}

// failingStore simulates a coordination store outage.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Del(context.Context, ...string) error           { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error)   { return false, errStoreDown }
func (failingStore) Expire(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Incr(context.Context, string) (int64, error) { return 0, errStoreDown }
func (failingStore) IncrWithExpire(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) ZAdd(context.Context, string, float64, string) error { return errStoreDown }
func (failingStore) ZRem(context.Context, string, ...string) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) ZRemRangeByScore(context.Context, string, float64, float64) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) ZCard(context.Context, string) (int64, error) { return 0, errStoreDown }
func (failingStore) ZRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, errStoreDown
}
func (failingStore) ZRangeWithScores(context.Context, string, int64, int64) ([]store.ZMember, error) {
	return nil, errStoreDown
}
func (failingStore) ZRangeByScore(context.Context, string, float64, float64) ([]string, error) {
	return nil, errStoreDown
}
func (failingStore) ZRank(context.Context, string, string) (int64, error) { return -1, errStoreDown }
func (failingStore) LPush(context.Context, string, ...string) error       { return errStoreDown }
func (failingStore) LTrim(context.Context, string, int64, int64) error    { return errStoreDown }
func (failingStore) LRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, errStoreDown
}
func (failingStore) ScanKeys(context.Context, string) ([]string, error) { return nil, errStoreDown }
