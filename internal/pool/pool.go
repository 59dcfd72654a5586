// Package pool shares expensive datasource handles between adapters. Handles
// are reference counted per connection key and closed by a background reaper
// once unreferenced and idle past a TTL.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

const shardCount = 32

// Key identifies one pooled handle: the datasource kind plus a hash of the
// normalized connection parameters.
type Key struct {
	Kind string
	Hash uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%016x", k.Kind, k.Hash)
}

// KeyFor normalizes connection parameters (lower-cased names, trimmed
// values, sorted order) so equivalent specs share a handle.
func KeyFor(spec datasource.Spec) Key {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))

	names := make([]string, 0, len(spec.Params))
	norm := make(map[string]string, len(spec.Params))
	for k, v := range spec.Params {
		name := strings.ToLower(strings.TrimSpace(k))
		names = append(names, name)
		norm[name] = strings.TrimSpace(v)
	}
	sort.Strings(names)

	d := xxhash.New()
	d.WriteString(kind)
	for _, name := range names {
		d.WriteString("\x00")
		d.WriteString(name)
		d.WriteString("=")
		d.WriteString(norm[name])
	}
	return Key{Kind: kind, Hash: d.Sum64()}
}

type Opener func(ctx context.Context, spec datasource.Spec) (datasource.Driver, error)

type Config struct {
	IdleTTL      time.Duration
	ReapInterval time.Duration
	// OpenTimeout bounds a shared open. It is independent of the caller
	// that started the open, since other callers may be waiting on it.
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{IdleTTL: 10 * time.Minute, ReapInterval: time.Minute, OpenTimeout: 30 * time.Second}
}

type entry struct {
	key      Key
	driver   datasource.Driver
	refs     int
	lastUsed time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Manager is safe for concurrent use. Keys are spread over independently
// locked shards; handle creation happens outside any lock and is collapsed
// per key with singleflight.
type Manager struct {
	open   Opener
	cfg    Config
	now    func() time.Time
	shards [shardCount]*shard
	group  singleflight.Group

	closeOnce sync.Once
	stop      chan struct{}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(open Opener, cfg Config, opts ...Option) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	m := &Manager{
		open: open,
		cfg:  cfg,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) shardFor(k Key) *shard {
	return m.shards[k.Hash%shardCount]
}

// Lease is one reference to a pooled handle. Release is idempotent.
type Lease struct {
	Key    Key
	Driver datasource.Driver

	m    *Manager
	once sync.Once
}

func (l *Lease) Release() {
	l.once.Do(func() {
		if err := l.m.Release(l.Key); err != nil {
			log.Warn().Err(err).Str("pool_key", l.Key.String()).Msg("release failed")
		}
	})
}

// Acquire returns a lease on the handle for spec, opening it on first use.
// If opening fails nothing is cached and the error is a
// *errs.ConnectionError. A caller whose ctx ends while an open is in flight
// returns ctx.Err(); the open itself carries on for the other waiters.
func (m *Manager) Acquire(ctx context.Context, spec datasource.Spec) (*Lease, error) {
	key := KeyFor(spec)
	sh := m.shardFor(key)

	for {
		if drv, ok := m.ref(sh, key); ok {
			return &Lease{Key: key, Driver: drv, m: m}, nil
		}

		ch := m.group.DoChan(key.String(), func() (any, error) {
			sh.mu.Lock()
			_, exists := sh.entries[key]
			sh.mu.Unlock()
			if exists {
				return nil, nil
			}

			openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OpenTimeout)
			defer cancel()
			drv, err := m.open(openCtx, spec)
			if err != nil {
				return nil, err
			}

			sh.mu.Lock()
			sh.entries[key] = &entry{key: key, driver: drv, lastUsed: m.now()}
			sh.mu.Unlock()

			log.Info().Str("pool_key", key.String()).Msg("datasource handle opened")
			return nil, nil
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, &errs.ConnectionError{Kind: key.Kind, Key: key.String(), Cause: res.Err}
			}
		}
		// the entry can be reaped between creation and ref when the TTL
		// is tiny, so loop until a reference is taken
	}
}

func (m *Manager) ref(sh *shard, key Key) (datasource.Driver, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	e.refs++
	e.lastUsed = m.now()
	return e.driver, true
}

var ErrUnknownKey = errors.New("pool: unknown key")

// Release drops one reference to key.
func (m *Manager) Release(key Key) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownKey, key)
	}
	if e.refs == 0 {
		return fmt.Errorf("pool: release of unreferenced key %s", key)
	}
	e.refs--
	e.lastUsed = m.now()
	return nil
}

// Reap closes every handle with no references that has been idle longer
// than the TTL and returns how many were closed.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now()
	var idle []*entry

	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.refs == 0 && now.Sub(e.lastUsed) > m.cfg.IdleTTL {
				delete(sh.entries, k)
				idle = append(idle, e)
			}
		}
		sh.mu.Unlock()
	}

	for _, e := range idle {
		if err := e.driver.Close(ctx); err != nil {
			log.Warn().Err(err).Str("pool_key", e.key.String()).Msg("closing idle handle failed")
			continue
		}
		log.Info().Str("pool_key", e.key.String()).Msg("idle datasource handle closed")
	}
	return len(idle)
}

// Run reaps on the configured interval until ctx is done or Close is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Close stops the reaper, if running, and closes every handle regardless of
// outstanding references. Only for process teardown.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.stop) })

	var all []*entry
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			all = append(all, e)
			delete(sh.entries, k)
		}
		sh.mu.Unlock()
	}

	var errList []error
	for _, e := range all {
		if e.refs > 0 {
			log.Warn().Str("pool_key", e.key.String()).Int("refs", e.refs).Msg("closing referenced handle at shutdown")
		}
		if err := e.driver.Close(ctx); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", e.key, err))
		}
	}
	return errors.Join(errList...)
}

type KeyStats struct {
	Kind       string    `json:"kind"`
	References int       `json:"references"`
	LastUsed   time.Time `json:"last_used"`
}

type Stats struct {
	DistinctKeys    int                 `json:"distinct_keys"`
	TotalReferences int                 `json:"total_references"`
	Keys            map[string]KeyStats `json:"keys"`
}

// References returns pool key -> reference count.
func (s Stats) References() map[string]int {
	out := make(map[string]int, len(s.Keys))
	for k, v := range s.Keys {
		out[k] = v.References
	}
	return out
}

func (m *Manager) Stats() Stats {
	stats := Stats{Keys: make(map[string]KeyStats)}
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			stats.Keys[k.String()] = KeyStats{Kind: k.Kind, References: e.refs, LastUsed: e.lastUsed}
			stats.TotalReferences += e.refs
		}
		sh.mu.Unlock()
	}
	stats.DistinctKeys = len(stats.Keys)
	return stats
}
