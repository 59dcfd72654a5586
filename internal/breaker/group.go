package breaker

import (
	"sort"
	"sync"
)

// Group holds one breaker per adapter. The map lock only guards lookup and
// creation; call outcomes contend on the individual breaker.
type Group struct {
	defaults Config
	opts     []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewGroup(defaults Config, opts ...Option) *Group {
	return &Group{
		defaults: defaults.withDefaults(),
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

func (g *Group) Defaults() Config { return g.defaults }

// Get returns the named breaker, creating it with the group defaults.
func (g *Group) Get(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b = New(name, g.defaults, g.opts...)
	g.breakers[name] = b
	return b
}

// Configure creates the named breaker with cfg, or applies cfg to the
// existing one without touching its state.
func (g *Group) Configure(name string, cfg Config) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		b.setConfig(cfg)
		return b
	}
	b := New(name, cfg, g.opts...)
	g.breakers[name] = b
	return b
}

func (g *Group) Lookup(name string) (*Breaker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.breakers[name]
	return b, ok
}

func (g *Group) Reset(name string) {
	if b, ok := g.Lookup(name); ok {
		b.Reset()
	}
}

func (g *Group) Remove(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, name)
}

func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Group) Snapshot() map[string]Stats {
	g.mu.RLock()
	list := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		list = append(list, b)
	}
	g.mu.RUnlock()

	out := make(map[string]Stats, len(list))
	for _, b := range list {
		out[b.Name()] = b.Stats()
	}
	return out
}
