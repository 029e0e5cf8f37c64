package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, ":8080", cfg.GetServerAddress())

	assert.Equal(t, 3, cfg.Analysis.MaxConcurrent)
	assert.Equal(t, 5, cfg.Analysis.QuotaMax)
	assert.Equal(t, time.Hour, cfg.Analysis.QuotaWindow)
	assert.Equal(t, 120, cfg.API.QuotaMax)
	assert.Equal(t, time.Minute, cfg.API.QuotaWindow)
	assert.Equal(t, 10*time.Minute, cfg.Analysis.DuplicateLockTTL)
	assert.Equal(t, 10, cfg.CSRF.UseBudget)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_ANALYSES", "7")
	t.Setenv("ANALYSIS_QUOTA_WINDOW", "30m")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092,")
	t.Setenv("CSRF_BYPASS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Analysis.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Analysis.QuotaWindow)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.CSRF.Bypass)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_ANALYSES", "lots")
	t.Setenv("ANALYSIS_QUOTA_WINDOW", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Analysis.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Analysis.QuotaWindow)
}

func TestLoadRejectsProductionBypass(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CSRF_BYPASS", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CSRF_BYPASS")
}

func TestLoadRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_ANALYSES", "0")

	_, err := Load()
	assert.Error(t, err)
}
