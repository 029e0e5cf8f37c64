// Package store defines the atomic primitives every coordination component
// relies on. The serving tier is horizontally scaled with no in-process
// locks, so every check-then-act sequence must map onto one of these
// operations; the store's atomicity is the only correctness guarantee.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

// ZMember is one member of a sorted set together with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the shared atomic store behind the admission-control layer.
// Production uses Redis; tests use the in-memory implementation.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent, with expiry. This is the lock
	// primitive: a plain get-then-set is a race.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Incr(ctx context.Context, key string) (int64, error)
	// IncrWithExpire increments atomically; the first increment starts the
	// key's expiry window.
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRem returns the number of members actually removed, which callers use
	// to claim a member exclusively when several workers race.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ZRank returns the 0-based ascending rank, or -1 when the member is
	// absent.
	ZRank(ctx context.Context, key, member string) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}
