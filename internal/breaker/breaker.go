// Package breaker isolates failing backends. Every adapter call runs through
// a per-adapter Breaker; a Group owns the breakers of all registered
// adapters.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open after the last
	// failure before a trial call is allowed.
	ResetTimeout time.Duration
	// CallTimeout bounds each call. Zero disables the per-call budget.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	return c
}

// Listener observes state transitions. It runs while the breaker lock is
// held and must not call back into the breaker.
type Listener func(name string, from, to State)

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithListener(l Listener) Option {
	return func(b *Breaker) { b.listener = l }
}

type Stats struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

type outcome int

const (
	success outcome = iota
	failure
	ignored
)

// Breaker is safe for concurrent use. All transitions for one breaker are
// applied under its own mutex, one outcome at a time.
type Breaker struct {
	name     string
	now      func() time.Time
	listener Listener

	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn under breaker protection. In the open state fn is never
// called and a *errs.CircuitOpenError is returned. A failure is recorded
// when fn errors or exceeds the call budget; nothing is recorded when the
// caller's context is canceled before fn completes.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := b.callTimeout(); d > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.record(trial, failure)
			panic(r)
		}
	}()

	err = fn(callCtx)
	b.record(trial, classify(ctx, err))
	return err
}

func classify(parent context.Context, err error) outcome {
	if err == nil {
		return success
	}
	if errors.Is(parent.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return ignored
	}
	return failure
}

func (b *Breaker) callTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.CallTimeout
}

// Allow reports whether a call would currently be admitted, without
// reserving the half-open trial slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promote(b.now())
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return !b.probing
	}
	return false
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.promote(now)

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.probing {
			return false, &errs.CircuitOpenError{Adapter: b.name}
		}
		b.probing = true
		return true, nil
	}

	return false, &errs.CircuitOpenError{
		Adapter:    b.name,
		RetryAfter: b.cfg.ResetTimeout - now.Sub(b.lastFailure),
	}
}

func (b *Breaker) record(trial bool, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.probing = false
	}

	switch o {
	case success:
		switch {
		case b.state == Closed:
			b.failures = 0
		case b.state == HalfOpen && trial:
			b.failures = 0
			b.transitionTo(Closed)
		}

	case failure:
		b.failures++
		b.lastFailure = b.now()
		switch {
		case b.state == HalfOpen && trial:
			b.transitionTo(Open)
		case b.state == Closed && b.failures >= b.cfg.FailureThreshold:
			b.transitionTo(Open)
		}
	}
}

// promote moves an open breaker to half-open once the reset timeout has
// elapsed. Callers hold b.mu.
func (b *Breaker) promote(now time.Time) {
	if b.state == Open && now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.transitionTo(HalfOpen)
	}
}

func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	event := log.Info()
	if to == Open {
		event = log.Warn()
	}
	event.Str("adapter", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", b.failures).
		Msg("circuit breaker transition")

	if b.listener != nil {
		b.listener(b.name, from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(b.now())
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(b.now())
	return Stats{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.failures,
		LastFailure:      b.lastFailure,
		FailureThreshold: b.cfg.FailureThreshold,
		ResetTimeout:     b.cfg.ResetTimeout,
	}
}

// Reset forces the breaker closed, as on a manual adapter reload.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.probing = false
	b.transitionTo(Closed)
}

func (b *Breaker) setConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.withDefaults()
}
