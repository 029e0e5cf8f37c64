package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same semantics as the Redis
// implementation, including TTL expiry and SetNX exclusivity. It backs tests
// and local development without a Redis instance. A single mutex is fine
// here: the point of the interface is that production callers never rely on
// in-process locking.
type Memory struct {
	mu      sync.Mutex
	strings map[string]*memString
	zsets   map[string]*memZSet
	lists   map[string]*memList
}

type memString struct {
	value     string
	expiresAt time.Time
}

type memZSet struct {
	scores    map[string]float64
	expiresAt time.Time
}

type memList struct {
	items     []string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]*memString),
		zsets:   make(map[string]*memZSet),
		lists:   make(map[string]*memList),
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

// purge drops the key from every namespace if its entry has expired.
// Callers must hold the mutex.
func (m *Memory) purge(key string) {
	if e, ok := m.strings[key]; ok && expired(e.expiresAt) {
		delete(m.strings, key)
	}
	if e, ok := m.zsets[key]; ok && expired(e.expiresAt) {
		delete(m.zsets, key)
	}
	if e, ok := m.lists[key]; ok && expired(e.expiresAt) {
		delete(m.lists, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	e, ok := m.strings[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = &memString{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = &memString{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.zsets, key)
		delete(m.lists, key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.zsets[key]; ok {
		return true, nil
	}
	_, ok := m.lists[key]
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	at := deadline(ttl)
	if e, ok := m.strings[key]; ok {
		e.expiresAt = at
	}
	if e, ok := m.zsets[key]; ok {
		e.expiresAt = at
	}
	if e, ok := m.lists[key]; ok {
		e.expiresAt = at
	}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrWithExpire(ctx, key, 0)
}

func (m *Memory) IncrWithExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	e, ok := m.strings[key]
	if !ok {
		e = &memString{value: "0", expiresAt: deadline(ttl)}
		m.strings[key] = e
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		z = &memZSet{scores: make(map[string]float64)}
		m.zsets[key] = z
	}
	z.scores[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, member := range members {
		if _, ok := z.scores[member]; ok {
			delete(z.scores, member)
			removed++
		}
	}
	if len(z.scores) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for member, score := range z.scores {
		if score >= min && score <= max {
			delete(z.scores, member)
			removed++
		}
	}
	if len(z.scores) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

func (m *Memory) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := m.ZRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(members))
	for i, member := range members {
		out[i] = member.Member
	}
	return out, nil
}

func (m *Memory) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	sorted := z.sorted()
	lo, hi, ok := rangeBounds(int64(len(sorted)), start, stop)
	if !ok {
		return nil, nil
	}
	return sorted[lo : hi+1], nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	var out []string
	for _, member := range z.sorted() {
		if member.Score >= min && member.Score <= max {
			out = append(out, member.Member)
		}
	}
	return out, nil
}

func (m *Memory) ZRank(_ context.Context, key, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return -1, nil
	}
	for i, candidate := range z.sorted() {
		if candidate.Member == member {
			return int64(i), nil
		}
	}
	return -1, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	l, ok := m.lists[key]
	if !ok {
		l = &memList{}
		m.lists[key] = l
	}
	for _, v := range values {
		l.items = append([]string{v}, l.items...)
	}
	return nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	l, ok := m.lists[key]
	if !ok {
		return nil
	}
	lo, hi, ok := rangeBounds(int64(len(l.items)), start, stop)
	if !ok {
		delete(m.lists, key)
		return nil
	}
	l.items = l.items[lo : hi+1]
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	l, ok := m.lists[key]
	if !ok {
		return nil, nil
	}
	lo, hi, ok := rangeBounds(int64(len(l.items)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l.items[lo:hi+1])
	return out, nil
}

func (m *Memory) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	match := func(key string) {
		if matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	for key, e := range m.strings {
		if !expired(e.expiresAt) {
			match(key)
		}
	}
	for key, e := range m.zsets {
		if !expired(e.expiresAt) {
			match(key)
		}
	}
	for key, e := range m.lists {
		if !expired(e.expiresAt) {
			match(key)
		}
	}
	return keys, nil
}

// matchPattern covers the glob subset the gateway uses: a literal key or a
// "prefix*" scan. Unlike filepath.Match, '*' crosses every byte, matching
// Redis SCAN semantics for keys that embed slashes.
func matchPattern(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func (z *memZSet) sorted() []ZMember {
	out := make([]ZMember, 0, len(z.scores))
	for member, score := range z.scores {
		out = append(out, ZMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// rangeBounds converts Redis-style start/stop indices (negative counts from
// the tail, stop is inclusive) into slice bounds.
func rangeBounds(n, start, stop int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
