// Package registry holds the live adapter table. Readers load an immutable
// snapshot without locking; writers build a new snapshot and swap it in.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/HanTheDev/orbit-gateway/internal/adapter"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/models"
)

// Entry pairs a descriptor with its built implementation. Entries are never
// mutated after publication.
type Entry struct {
	Descriptor models.AdapterDescriptor
	Impl       adapter.Implementation
}

func (e *Entry) Key() models.AdapterKey { return e.Descriptor.Key }

type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventEnabled      EventType = "enabled"
	EventDisabled     EventType = "disabled"
	EventReloaded     EventType = "reloaded"
)

type Event struct {
	Type EventType
	Key  models.AdapterKey
	At   time.Time
}

type snapshot struct {
	byKey  map[models.AdapterKey]*Entry
	byName map[string][]models.AdapterKey
}

func newSnapshot(entries map[models.AdapterKey]*Entry) *snapshot {
	s := &snapshot{byKey: entries, byName: make(map[string][]models.AdapterKey, len(entries))}
	for k := range entries {
		s.byName[k.Name] = append(s.byName[k.Name], k)
	}
	return s
}

func (s *snapshot) clone() map[models.AdapterKey]*Entry {
	out := make(map[models.AdapterKey]*Entry, len(s.byKey)+1)
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}

type Registry struct {
	// writeMu serializes writers; readers only touch current.
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]

	subsMu sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

func New() *Registry {
	r := &Registry{subs: make(map[int]func(Event))}
	r.current.Store(newSnapshot(map[models.AdapterKey]*Entry{}))
	return r
}

// Subscribe registers fn for change events and returns a function that
// removes it. Events are delivered synchronously after the change is
// visible; fn must not call back into the registry's mutating methods.
func (r *Registry) Subscribe(fn func(Event)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) emit(t EventType, key models.AdapterKey) {
	ev := Event{Type: t, Key: key, At: time.Now()}
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, fn := range r.subs {
		fn(ev)
	}
}

func validate(e *Entry) error {
	d := e.Descriptor
	if !d.Key.Class.Valid() {
		return fmt.Errorf("adapter %s: unknown class %q", d.Key, d.Key.Class)
	}
	if d.Key.Name == "" || d.Key.Datasource == "" {
		return fmt.Errorf("adapter %s: name and datasource are required", d.Key)
	}
	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			return fmt.Errorf("adapter %s: invalid version %q: %w", d.Key, d.Version, err)
		}
	}
	if e.Impl.Class != d.Key.Class {
		return fmt.Errorf("adapter %s: implementation class %q does not match", d.Key, e.Impl.Class)
	}
	return nil
}

// Register adds a new adapter. A duplicate triple fails without touching
// the existing entry.
func (r *Registry) Register(e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.byKey[e.Key()]; exists {
		return &errs.DuplicateAdapterError{Adapter: e.Key().String()}
	}
	next := cur.clone()
	next[e.Key()] = e
	r.current.Store(newSnapshot(next))

	r.emit(EventRegistered, e.Key())
	return nil
}

func (r *Registry) Unregister(key models.AdapterKey) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.byKey[key]; !exists {
		return &errs.AdapterNotFoundError{Adapter: key.String()}
	}
	next := cur.clone()
	delete(next, key)
	r.current.Store(newSnapshot(next))

	r.emit(EventUnregistered, key)
	return nil
}

// Lookup returns the entry whether or not it is enabled.
func (r *Registry) Lookup(key models.AdapterKey) (*Entry, bool) {
	e, ok := r.current.Load().byKey[key]
	return e, ok
}

// Resolve returns an enabled adapter.
func (r *Registry) Resolve(key models.AdapterKey) (*Entry, error) {
	e, ok := r.current.Load().byKey[key]
	if !ok {
		return nil, &errs.AdapterNotFoundError{Adapter: key.String()}
	}
	if !e.Descriptor.Enabled {
		return nil, &errs.AdapterNotFoundError{Adapter: key.String(), Reason: "disabled"}
	}
	return e, nil
}

// ResolveName resolves an enabled adapter by name alone. A name shared by
// several enabled adapters is ambiguous.
func (r *Registry) ResolveName(name string) (*Entry, error) {
	snap := r.current.Load()
	var found *Entry
	for _, k := range snap.byName[name] {
		e := snap.byKey[k]
		if !e.Descriptor.Enabled {
			continue
		}
		if found != nil {
			return nil, &errs.AdapterNotFoundError{Adapter: name, Reason: "name is ambiguous, use class/datasource/name"}
		}
		found = e
	}
	if found == nil {
		if len(snap.byName[name]) > 0 {
			return nil, &errs.AdapterNotFoundError{Adapter: name, Reason: "disabled"}
		}
		return nil, &errs.AdapterNotFoundError{Adapter: name}
	}
	return found, nil
}

func (r *Registry) SetEnabled(key models.AdapterKey, enabled bool) (*Entry, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	old, ok := cur.byKey[key]
	if !ok {
		return nil, &errs.AdapterNotFoundError{Adapter: key.String()}
	}
	if old.Descriptor.Enabled == enabled {
		return old, nil
	}

	updated := &Entry{Descriptor: old.Descriptor.Clone(), Impl: old.Impl}
	updated.Descriptor.Enabled = enabled
	next := cur.clone()
	next[key] = updated
	r.current.Store(newSnapshot(next))

	if enabled {
		r.emit(EventEnabled, key)
	} else {
		r.emit(EventDisabled, key)
	}
	return updated, nil
}

// Replace swaps in a rebuilt entry for an adapter that is already
// registered.
func (r *Registry) Replace(e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.byKey[e.Key()]; !ok {
		return &errs.AdapterNotFoundError{Adapter: e.Key().String()}
	}
	next := cur.clone()
	next[e.Key()] = e
	r.current.Store(newSnapshot(next))

	r.emit(EventReloaded, e.Key())
	return nil
}

// ReplaceAll publishes a whole new table in one step. The set is validated
// before anything becomes visible. It returns the keys that were dropped.
func (r *Registry) ReplaceAll(entries []*Entry) ([]models.AdapterKey, error) {
	next := make(map[models.AdapterKey]*Entry, len(entries))
	for _, e := range entries {
		if err := validate(e); err != nil {
			return nil, err
		}
		if _, dup := next[e.Key()]; dup {
			return nil, &errs.DuplicateAdapterError{Adapter: e.Key().String()}
		}
		next[e.Key()] = e
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	r.current.Store(newSnapshot(next))

	var dropped []models.AdapterKey
	for k := range cur.byKey {
		if _, kept := next[k]; !kept {
			dropped = append(dropped, k)
			r.emit(EventUnregistered, k)
		}
	}
	for k := range next {
		if _, existed := cur.byKey[k]; existed {
			r.emit(EventReloaded, k)
		} else {
			r.emit(EventRegistered, k)
		}
	}
	sortKeys(dropped)
	return dropped, nil
}

// List returns every entry ordered by key.
func (r *Registry) List() []*Entry {
	snap := r.current.Load()
	out := make([]*Entry, 0, len(snap.byKey))
	for _, e := range snap.byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

func (r *Registry) Len() int {
	return len(r.current.Load().byKey)
}

func sortKeys(keys []models.AdapterKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
