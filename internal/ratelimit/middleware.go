package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Identify returns the rate-limit identity of a request: the hashed API key
// when one is presented, the client IP otherwise.
func Identify(r *http.Request, trustProxy bool) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + HashKey(key)
	}
	return "ip:" + ClientIP(r, trustProxy)
}

// ClientIP honors X-Forwarded-For and X-Real-IP only behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func WriteHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// RetryAfterSeconds rounds up so clients never retry inside the window.
func RetryAfterSeconds(d Decision) int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

func WriteRejection(w http.ResponseWriter, d Decision) {
	WriteHeaders(w, d)
	secs := RetryAfterSeconds(d)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":       d.Reason,
		"retry_after": secs,
		"limit":       d.Limit,
	})
}

type MiddlewareOptions struct {
	Scope        Scope
	TrustProxy   bool
	ExcludePaths []string
	// Authenticated reports whether the request carries a valid bearer
	// credential; such requests bypass the limiter.
	Authenticated func(r *http.Request) bool
	OnReject      func(scope Scope)
}

type Middleware struct {
	limiter Limiter
	opts    MiddlewareOptions
	exclude map[string]bool
}

func NewMiddleware(l Limiter, opts MiddlewareOptions) *Middleware {
	if opts.Scope == "" {
		opts.Scope = ScopeGeneral
	}
	exclude := make(map[string]bool, len(opts.ExcludePaths))
	for _, p := range opts.ExcludePaths {
		exclude[p] = true
	}
	return &Middleware{limiter: l, opts: opts, exclude: exclude}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.exclude[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authenticated := m.opts.Authenticated != nil && m.opts.Authenticated(r)
		d, err := Admit(r.Context(), m.limiter, Identify(r, m.opts.TrustProxy), m.opts.Scope, authenticated)
		if err != nil {
			log.Warn().Err(err).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		if !d.Allowed {
			if m.opts.OnReject != nil {
				m.opts.OnReject(m.opts.Scope)
			}
			WriteRejection(w, d)
			return
		}

		WriteHeaders(w, d)
		next.ServeHTTP(w, r)
	})
}
