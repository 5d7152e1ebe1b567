package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store counts requests per key in fixed windows. The first Increment of a
// window fixes its reset time; later increments in the same window never
// move it.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type counter struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*counter
	now       func() time.Time
	nextSweep time.Time
}

// NewMemoryStore creates an in-process store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		counters: make(map[string]*counter),
		now:      now,
	}
}

func (m *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now, window)

	c, ok := m.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		m.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt, nil
}

// sweepLocked drops closed windows at most once per window length.
func (m *MemoryStore) sweepLocked(now time.Time, window time.Duration) {
	if now.Before(m.nextSweep) {
		return
	}
	for k, c := range m.counters {
		if !now.Before(c.resetAt) {
			delete(m.counters, k)
		}
	}
	m.nextSweep = now.Add(window)
}

// Len returns the number of live counters.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// incrementScript sets the expiry only when the counter is created, so the
// window closes on schedule. A counter left without an expiry gets one.
// It returns the count and the reset time in unix milliseconds from the
// server clock.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local window = tonumber(ARGV[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], window)
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
local t = redis.call('TIME')
local nowMs = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
return {n, nowMs + ttl}
`)

// RedisStore shares counters between service instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. Keys are prefixed with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	vals, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, ms).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("incrementing %s: unexpected reply %v", key, vals)
	}
	return vals[0], time.UnixMilli(vals[1]), nil
}
