package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRules = Rules{
	ScopeChat:    {Limit: 5, Window: 60 * time.Second},
	ScopeGeneral: {Limit: 100, Window: 60 * time.Second},
}

// 10s into a window, so 50s remain.
func fixedClock() func() time.Time {
	t := time.Date(2025, 3, 1, 10, 0, 10, 0, time.UTC)
	return func() time.Time { return t }
}

func newRedisLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, testRules).WithClock(fixedClock()), mr
}

func limiters(t *testing.T) map[string]Limiter {
	rl, _ := newRedisLimiter(t)
	return map[string]Limiter{
		"redis":  rl,
		"memory": NewMemoryLimiter(testRules).WithClock(fixedClock()),
	}
}

func TestChatLimitRejectsSixthRequest(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				d, err := l.Check(ctx, "ip:10.0.0.1", ScopeChat)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "request %d", i)
				assert.Equal(t, 5-i, d.Remaining)
			}

			d, err := l.Check(ctx, "ip:10.0.0.1", ScopeChat)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonExceeded, d.Reason)
			assert.Equal(t, 50*time.Second, d.RetryAfter)
			assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)

			// scopes and identities are independent buckets
			d, _ = l.Check(ctx, "ip:10.0.0.1", ScopeGeneral)
			assert.True(t, d.Allowed)
			d, _ = l.Check(ctx, "ip:10.0.0.2", ScopeChat)
			assert.True(t, d.Allowed)
		})
	}
}

func TestAuthenticatedCallersBypass(t *testing.T) {
	l := NewMemoryLimiter(testRules).WithClock(fixedClock())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d, err := Admit(ctx, l, "ip:10.0.0.1", ScopeChat, true)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonAuthenticated, d.Reason)
	}

	// bypassed requests were never counted
	d, err := Admit(ctx, l, "ip:10.0.0.1", ScopeChat, false)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Remaining)
}

func TestWindowResets(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 59, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	l := NewMemoryLimiter(Rules{ScopeChat: {Limit: 1, Window: time.Minute}}).WithClock(clock)
	ctx := context.Background()

	d, _ := l.Check(ctx, "a", ScopeChat)
	assert.True(t, d.Allowed)
	d, _ = l.Check(ctx, "a", ScopeChat)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	d, _ = l.Check(ctx, "a", ScopeChat)
	assert.True(t, d.Allowed)

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	assert.Equal(t, 1, l.Sweep())
}

func TestRedisLimiterConcurrentIncrementsAreAtomic(t *testing.T) {
	rl, _ := newRedisLimiter(t)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := rl.Check(ctx, "ip:10.0.0.9", ScopeChat)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestRedisLimiterSetsExpiry(t *testing.T) {
	rl, mr := newRedisLimiter(t)
	_, err := rl.Check(context.Background(), "ip:1.2.3.4", ScopeChat)
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, 60*time.Second, mr.TTL(keys[0]))
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	rl, mr := newRedisLimiter(t)
	mr.Close()

	d, err := rl.Check(context.Background(), "ip:1.2.3.4", ScopeChat)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonUnavailable, d.Reason)
}

func TestUnknownScopeIsUnlimited(t *testing.T) {
	l := NewMemoryLimiter(Rules{})
	d, err := l.Check(context.Background(), "a", ScopeChat)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIdentify(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/adapters", nil)
	r.RemoteAddr = "192.168.1.5:40000"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "ip:192.168.1.5", Identify(r, false))
	assert.Equal(t, "ip:203.0.113.7", Identify(r, true))

	r.Header.Set("X-API-Key", "orbit_live_123")
	id := Identify(r, true)
	assert.Equal(t, "key:"+HashKey("orbit_live_123"), id)
	assert.NotContains(t, id, "orbit_live_123")
}

func TestMiddleware(t *testing.T) {
	l := NewMemoryLimiter(Rules{ScopeGeneral: {Limit: 2, Window: time.Minute}}).WithClock(fixedClock())

	var rejected atomic.Int32
	mw := NewMiddleware(l, MiddlewareOptions{
		ExcludePaths: []string{"/health"},
		Authenticated: func(r *http.Request) bool {
			return r.Header.Get("Authorization") == "Bearer good"
		},
		OnReject: func(Scope) { rejected.Add(1) },
	})
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string, bearer bool) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.RemoteAddr = "10.1.1.1:1234"
		if bearer {
			r.Header.Set("Authorization", "Bearer good")
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do("/v1/adapters", false).Code)
	w := do("/v1/adapters", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do("/v1/adapters", false)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "50", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), ReasonExceeded)
	assert.Equal(t, int32(1), rejected.Load())

	assert.Equal(t, http.StatusOK, do("/health", false).Code)
	assert.Equal(t, http.StatusOK, do("/v1/adapters", true).Code)
}
