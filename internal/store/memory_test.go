package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, m.Set(ctx, "short", "v", 30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	_, err = m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemorySetNXExclusivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := m.SetNX(ctx, "lock", "x", time.Minute); err == nil && ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)

	// Expiry frees the key for exactly one new winner.
	require.NoError(t, m.Del(ctx, "lock"))
	ok, err := m.SetNX(ctx, "lock", "x", 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.SetNX(ctx, "lock", "x", 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	ok, err = m.SetNX(ctx, "lock", "x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryIncrWithExpire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for want := int64(1); want <= 3; want++ {
		n, err := m.IncrWithExpire(ctx, "counter", 40*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	time.Sleep(60 * time.Millisecond)
	n, err := m.IncrWithExpire(ctx, "counter", 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts")
}

func TestMemoryZSetOrderingAndRanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.ZAdd(ctx, "z", 30, "c"))
	require.NoError(t, m.ZAdd(ctx, "z", 10, "a"))
	require.NoError(t, m.ZAdd(ctx, "z", 20, "b"))

	members, err := m.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	rank, err := m.ZRank(ctx, "z", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rank)
	rank, err = m.ZRank(ctx, "z", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), rank)

	removed, err := m.ZRemRangeByScore(ctx, "z", 0, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := m.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	byScore, err := m.ZRangeByScore(ctx, "z", 0, 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, byScore)
}

func TestMemoryZRemReportsClaims(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.ZAdd(ctx, "z", 1, "job"))
	removed, err := m.ZRem(ctx, "z", "job")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	removed, err = m.ZRem(ctx, "z", "job")
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestMemoryListPushTrim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, v := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, m.LPush(ctx, "l", v))
	}
	require.NoError(t, m.LTrim(ctx, "l", 0, 2))
	items, err := m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3"}, items, "most recent first, oldest evicted")
}

func TestMemoryScanKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "lock:analysis:a", "x", 0))
	require.NoError(t, m.Set(ctx, "lock:analysis:b", "x", 0))
	require.NoError(t, m.Set(ctx, "lock:other", "x", 0))
	require.NoError(t, m.LPush(ctx, "metrics:api:GET /api/v1/status", "1"))

	keys, err := m.ScanKeys(ctx, "lock:analysis:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = m.ScanKeys(ctx, "metrics:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "glob must cross slashes in endpoint names")
}
