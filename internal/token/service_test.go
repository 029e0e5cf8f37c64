package token

import (
	"context"
	"errors"
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
		CSRF: config.CSRFConfig{
			TTL:       time.Hour,
			UseWindow: 5 * time.Minute,
			UseBudget: 10,
		},
	}
}

func newTestService(cfg *config.Config) (*Service, *store.Memory) {
	mem := store.NewMemory()
	return NewService(mem, cfg, util.Get()), mem
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(testConfig())

	tok, err := svc.Issue(ctx)
	require.NoError(t, err)
	assert.Len(t, tok.Value, 64)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	assert.NoError(t, svc.Validate(ctx, tok.Value))
}

func TestValidateRejectsUnknownAndEmpty(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(testConfig())

	assert.ErrorIs(t, svc.Validate(ctx, ""), ErrTokenInvalid)
	assert.ErrorIs(t, svc.Validate(ctx, "deadbeef"), ErrTokenInvalid)
}

func TestValidateChargesUseBudget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(testConfig())

	tok, err := svc.Issue(ctx)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, svc.Validate(ctx, tok.Value), "use %d is within budget", i+1)
	}

	// Past the budget the token is destroyed, so the next attempt reports
	// it unknown rather than exhausted.
	assert.ErrorIs(t, svc.Validate(ctx, tok.Value), ErrTokenExhausted)
	assert.ErrorIs(t, svc.Validate(ctx, tok.Value), ErrTokenInvalid)
}

func TestValidateExpiredToken(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CSRF.TTL = 30 * time.Millisecond
	svc, _ := newTestService(cfg)

	tok, err := svc.Issue(ctx)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, svc.Validate(ctx, tok.Value), ErrTokenInvalid)
}

func TestValidateFailsClosedOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	svc := NewService(failingStore{}, testConfig(), util.Get())

	err := svc.Validate(ctx, "sometoken")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateBypassOutsideProduction(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.CSRF.Bypass = true
	svc := NewService(failingStore{}, cfg, util.Get())
	assert.NoError(t, svc.Validate(ctx, ""), "bypass skips the store entirely")

	cfg = testConfig()
	cfg.Environment = "production"
	cfg.CSRF.Bypass = true
	svc, _ = newTestService(cfg)
	assert.ErrorIs(t, svc.Validate(ctx, ""), ErrTokenInvalid,
		"bypass is inert in production")
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
func (failingStore) Del(context.Context, ...string) error         { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
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
