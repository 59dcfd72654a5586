// Package manager owns the adapter lifecycle: building implementations from
// descriptors, publishing them to the registry, hot reload, and health
// derived from the circuit breakers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/orbit-gateway/internal/adapter"
	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/embedding"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/intent"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/registry"
)

// Source returns the current adapter descriptors, typically by re-reading
// the adapters file.
type Source func() ([]models.AdapterDescriptor, error)

type Config struct {
	Catalog   *adapter.Catalog
	Registry  *registry.Registry
	Index     *intent.Index
	Embedders *embedding.Registry
	Breakers  *breaker.Group
	// Source is optional. Without it reloads rebuild from the descriptors
	// already registered.
	Source Source
	// BaseDir resolves relative template_library paths.
	BaseDir string
}

type Manager struct {
	cfg Config
	// mu serializes lifecycle operations. Request traffic never takes it.
	mu sync.Mutex
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Status is the operational view of one adapter.
type Status struct {
	Key            models.AdapterKey `json:"key"`
	Enabled        bool              `json:"enabled"`
	Implementation string            `json:"implementation"`
	Version        string            `json:"version,omitempty"`
	LoadedAt       time.Time         `json:"loaded_at"`
	Collection     string            `json:"template_collection,omitempty"`
	Templates      int               `json:"templates,omitempty"`
	Health         breaker.Stats     `json:"health"`
}

// misconfiguredError marks a build failure caused by the adapter's own
// definition. Only these take an adapter out of service; embedding and file
// I/O failures leave the previous version running.
type misconfiguredError struct {
	err error
}

func (e *misconfiguredError) Error() string { return e.err.Error() }
func (e *misconfiguredError) Unwrap() error { return e.err }

func misconfigured(err error) error {
	return &misconfiguredError{err: err}
}

func isMisconfigured(err error) bool {
	var me *misconfiguredError
	return errors.As(err, &me)
}

type built struct {
	entry *registry.Entry
	lib   *intent.Library
}

func (m *Manager) build(ctx context.Context, desc models.AdapterDescriptor) (*built, error) {
	impl, err := m.cfg.Catalog.Build(desc)
	if err != nil {
		return nil, misconfigured(err)
	}
	desc.LoadedAt = time.Now()
	b := &built{entry: &registry.Entry{Descriptor: desc, Impl: impl}}
	if impl.Class != models.ClassRetriever {
		return b, nil
	}

	r := impl.Retriever
	files := make([]string, len(r.TemplateFiles()))
	for i, f := range r.TemplateFiles() {
		files[i] = m.resolve(f)
	}
	templates, err := intent.LoadTemplateFiles(files...)
	if err != nil {
		err = fmt.Errorf("adapter %s: %w", desc.Key, err)
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, err
		}
		return nil, misconfigured(err)
	}
	lib, err := intent.NewLibrary(r.Collection(), templates)
	if err != nil {
		return nil, misconfigured(fmt.Errorf("adapter %s: %w", desc.Key, err))
	}
	emb, err := m.cfg.Embedders.Get(desc.EmbeddingProvider)
	if err != nil {
		return nil, misconfigured(fmt.Errorf("adapter %s: %w", desc.Key, err))
	}
	if b.lib, err = lib.Prepare(ctx, emb); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", desc.Key, err)
	}
	return b, nil
}

func (m *Manager) resolve(path string) string {
	if filepath.IsAbs(path) || m.cfg.BaseDir == "" {
		return path
	}
	return filepath.Join(m.cfg.BaseDir, path)
}

// Load builds every descriptor and publishes the result as the complete
// adapter table. An adapter that fails to build is left out when it is new.
// An earlier version is kept in service, or kept disabled when the failure
// is a misconfiguration. The build errors are returned joined after the
// rest has been published.
func (m *Manager) Load(ctx context.Context, descs []models.AdapterDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, descs)
}

func (m *Manager) load(ctx context.Context, descs []models.AdapterDescriptor) error {
	var (
		entries  []*registry.Entry
		libs     []*intent.Library
		failures []error
	)
	for _, d := range descs {
		b, err := m.build(ctx, d)
		if err != nil {
			failures = append(failures, err)
			old, ok := m.cfg.Registry.Lookup(d.Key)
			if !ok {
				log.Error().Err(err).Str("adapter", d.Key.String()).Msg("adapter failed to build")
				continue
			}
			kept := *old
			if isMisconfigured(err) {
				log.Error().Err(err).Str("adapter", d.Key.String()).Msg("adapter failed to build, disabling previous version")
				kept.Descriptor.Enabled = false
			} else {
				log.Warn().Err(err).Str("adapter", d.Key.String()).Msg("adapter failed to build, keeping previous version")
			}
			entries = append(entries, &kept)
			continue
		}
		entries = append(entries, b.entry)
		if b.lib != nil {
			libs = append(libs, b.lib)
		}
	}

	dropped, err := m.cfg.Registry.ReplaceAll(entries)
	if err != nil {
		return err
	}
	for _, lib := range libs {
		m.cfg.Index.Swap(lib)
	}
	for _, e := range entries {
		m.cfg.Breakers.Configure(e.Key().String(), e.Impl.Breaker)
	}
	for _, k := range dropped {
		m.cfg.Breakers.Remove(k.String())
	}
	m.pruneCollections()

	log.Info().Int("adapters", len(entries)).Int("dropped", len(dropped)).Int("failed", len(failures)).Msg("adapters loaded")
	return errors.Join(failures...)
}

// pruneCollections drops libraries no registered retriever refers to.
func (m *Manager) pruneCollections() {
	used := make(map[string]bool)
	for _, e := range m.cfg.Registry.List() {
		if e.Impl.Retriever != nil {
			used[e.Impl.Retriever.Collection()] = true
		}
	}
	for _, c := range m.cfg.Index.Collections() {
		if !used[c] {
			m.cfg.Index.Remove(c)
		}
	}
}

// ReloadAll re-reads the source and reloads the whole table.
func (m *Manager) ReloadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	descs, err := m.descriptors()
	if err != nil {
		return err
	}
	return m.load(ctx, descs)
}

func (m *Manager) descriptors() ([]models.AdapterDescriptor, error) {
	if m.cfg.Source != nil {
		descs, err := m.cfg.Source()
		if err != nil {
			return nil, fmt.Errorf("read adapter source: %w", err)
		}
		return descs, nil
	}
	entries := m.cfg.Registry.List()
	descs := make([]models.AdapterDescriptor, len(entries))
	for i, e := range entries {
		descs[i] = e.Descriptor.Clone()
	}
	return descs, nil
}

// Reload rebuilds one adapter, swaps in its templates and closes its
// breaker. A misconfigured adapter is quarantined; any other build failure
// leaves the previous version in service.
func (m *Manager) Reload(ctx context.Context, key models.AdapterKey) (*registry.Entry, error) {
	return m.reload(ctx, key, true)
}

// reload keeps the breaker state unless resetBreaker is set; template file
// changes do not say anything about backend health.
func (m *Manager) reload(ctx context.Context, key models.AdapterKey, resetBreaker bool) (*registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cfg.Registry.Lookup(key)
	if !ok {
		return nil, &errs.AdapterNotFoundError{Adapter: key.String()}
	}
	desc := cur.Descriptor.Clone()
	if m.cfg.Source != nil {
		descs, err := m.descriptors()
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			if d.Key == key {
				desc = d
				break
			}
		}
	}

	b, err := m.build(ctx, desc)
	if err != nil {
		if isMisconfigured(err) {
			m.quarantine(key, err)
		} else {
			log.Warn().Err(err).Str("adapter", key.String()).Msg("adapter reload failed, keeping previous version")
		}
		return nil, err
	}
	if err := m.cfg.Registry.Replace(b.entry); err != nil {
		return nil, err
	}
	if b.lib != nil {
		m.cfg.Index.Swap(b.lib)
	}
	br := m.cfg.Breakers.Configure(key.String(), b.entry.Impl.Breaker)
	if resetBreaker {
		br.Reset()
	}
	m.pruneCollections()

	log.Info().Str("adapter", key.String()).Bool("breaker_reset", resetBreaker).Msg("adapter reloaded")
	return b.entry, nil
}

// SetEnabled waits for any reload in progress so the change is not
// overwritten by the reloaded descriptor.
func (m *Manager) SetEnabled(key models.AdapterKey, enabled bool) (*registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.cfg.Registry.SetEnabled(key, enabled)
	if err != nil {
		return nil, err
	}
	log.Info().Str("adapter", key.String()).Bool("enabled", enabled).Msg("adapter state changed")
	return e, nil
}

// Quarantine disables an adapter after a fatal error.
func (m *Manager) Quarantine(key models.AdapterKey, reason error) {
	m.quarantine(key, reason)
}

func (m *Manager) quarantine(key models.AdapterKey, reason error) {
	if _, err := m.cfg.Registry.SetEnabled(key, false); err != nil {
		log.Error().Err(err).Str("adapter", key.String()).Msg("failed to quarantine adapter")
		return
	}
	log.Error().Err(reason).Str("adapter", key.String()).Msg("adapter quarantined")
}

// Health reports the breaker state of a registered adapter. An adapter
// that has not been called yet reports closed.
func (m *Manager) Health(key models.AdapterKey) (breaker.Stats, error) {
	e, ok := m.cfg.Registry.Lookup(key)
	if !ok {
		return breaker.Stats{}, &errs.AdapterNotFoundError{Adapter: key.String()}
	}
	return m.health(e), nil
}

func (m *Manager) health(e *registry.Entry) breaker.Stats {
	if b, ok := m.cfg.Breakers.Lookup(e.Key().String()); ok {
		return b.Stats()
	}
	cfg := e.Impl.Breaker
	if cfg.FailureThreshold == 0 {
		cfg = m.cfg.Breakers.Defaults()
	}
	return breaker.Stats{
		Name:             e.Key().String(),
		State:            breaker.Closed.String(),
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
	}
}

// HealthAll maps every registered adapter to its breaker stats.
func (m *Manager) HealthAll() map[string]breaker.Stats {
	out := make(map[string]breaker.Stats)
	for _, e := range m.cfg.Registry.List() {
		out[e.Key().String()] = m.health(e)
	}
	return out
}

func (m *Manager) Status(key models.AdapterKey) (Status, error) {
	e, ok := m.cfg.Registry.Lookup(key)
	if !ok {
		return Status{}, &errs.AdapterNotFoundError{Adapter: key.String()}
	}
	return m.status(e), nil
}

func (m *Manager) Statuses() []Status {
	entries := m.cfg.Registry.List()
	out := make([]Status, len(entries))
	for i, e := range entries {
		out[i] = m.status(e)
	}
	return out
}

func (m *Manager) status(e *registry.Entry) Status {
	s := Status{
		Key:            e.Key(),
		Enabled:        e.Descriptor.Enabled,
		Implementation: e.Descriptor.Implementation,
		Version:        e.Descriptor.Version,
		LoadedAt:       e.Descriptor.LoadedAt,
		Health:         m.health(e),
	}
	if r := e.Impl.Retriever; r != nil {
		s.Collection = r.Collection()
		if lib, ok := m.cfg.Index.Get(r.Collection()); ok {
			s.Templates = lib.Len()
		}
	}
	return s
}
