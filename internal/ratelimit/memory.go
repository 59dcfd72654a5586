package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 64

type bucket struct {
	windowStart time.Time
	count       int64
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryLimiter keeps fixed-window buckets in process. It suits single
// instance deployments and tests; each (scope, identity) bucket lives in a
// separately locked shard.
type MemoryLimiter struct {
	rules  Rules
	now    func() time.Time
	shards [memoryShards]*bucketShard
}

func NewMemoryLimiter(rules Rules) *MemoryLimiter {
	m := &MemoryLimiter{rules: rules, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &bucketShard{buckets: make(map[string]*bucket)}
	}
	return m
}

// WithClock replaces the time source; for tests.
func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

func (m *MemoryLimiter) Check(_ context.Context, identity string, scope Scope) (Decision, error) {
	rule, ok := m.rules[scope]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true, Reason: ReasonUnlimited}, nil
	}

	key := string(scope) + "\x00" + identity
	sh := m.shards[xxhash.Sum64String(key)%memoryShards]

	now := m.now()
	windowStart := now.Truncate(rule.Window)

	sh.mu.Lock()
	b, ok := sh.buckets[key]
	if !ok || !b.windowStart.Equal(windowStart) {
		b = &bucket{windowStart: windowStart}
		sh.buckets[key] = b
	}
	b.count++
	count := b.count
	sh.mu.Unlock()

	return decide(rule, count, now, windowStart), nil
}

// Sweep drops buckets whose window has ended.
func (m *MemoryLimiter) Sweep() int {
	now := m.now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if now.Sub(b.windowStart) > m.longestWindow() {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (m *MemoryLimiter) longestWindow() time.Duration {
	var longest time.Duration
	for _, r := range m.rules {
		longest = max(longest, r.Window)
	}
	return longest
}

func (m *MemoryLimiter) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
