package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Scope string

const (
	ScopeGeneral Scope = "general"
	ScopeChat    Scope = "chat"
)

const (
	ReasonExceeded      = "rate_limit_exceeded"
	ReasonAuthenticated = "authenticated"
	ReasonUnlimited     = "unlimited"
	ReasonUnavailable   = "limiter_unavailable"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

type Rules map[Scope]Rule

// Decision is the outcome of one admission check. A rejection is a normal
// result, not an error.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

type Limiter interface {
	Check(ctx context.Context, identity string, scope Scope) (Decision, error)
}

// Admit applies the authenticated-caller exemption and otherwise consults
// the limiter. Callers holding a valid bearer credential are never counted
// or rejected.
func Admit(ctx context.Context, l Limiter, identity string, scope Scope, authenticated bool) (Decision, error) {
	if authenticated {
		return Decision{Allowed: true, Reason: ReasonAuthenticated}, nil
	}
	return l.Check(ctx, identity, scope)
}

func decide(rule Rule, count int64, now, windowStart time.Time) Decision {
	reset := windowStart.Add(rule.Window)
	d := Decision{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: max(0, rule.Limit-int(count)),
		ResetAt:   reset,
	}
	if !d.Allowed {
		d.Reason = ReasonExceeded
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

// incrScript makes the increment and the expiry one atomic step.
var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RateLimiter is a fixed-window counter in Redis, shared by every gateway
// instance. Windows are aligned to the wall clock so all instances agree on
// boundaries.
type RateLimiter struct {
	client *redis.Client
	rules  Rules
	now    func() time.Time
}

func NewRateLimiter(redisURL string, rules Rules) (*RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	return NewRedisLimiter(client, rules), nil
}

func NewRedisLimiter(client *redis.Client, rules Rules) *RateLimiter {
	return &RateLimiter{client: client, rules: rules, now: time.Now}
}

// WithClock replaces the time source; for tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) Check(ctx context.Context, identity string, scope Scope) (Decision, error) {
	rule, ok := rl.rules[scope]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true, Reason: ReasonUnlimited}, nil
	}

	now := rl.now()
	windowStart := now.Truncate(rule.Window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", scope, identity, windowStart.Unix())

	count, err := incrScript.Run(ctx, rl.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		// fail open: the gateway stays available when Redis is not
		log.Warn().Err(err).Str("scope", string(scope)).Msg("rate limit check failed, allowing request")
		return Decision{Allowed: true, Reason: ReasonUnavailable, Limit: rule.Limit}, nil
	}

	return decide(rule, count, now, windowStart), nil
}

func (rl *RateLimiter) Close() error {
	return rl.client.Close()
}

// HashKey turns an API key into an identity that is safe to store.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
