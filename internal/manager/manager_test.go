package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/orbit-gateway/internal/adapter"
	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/embedding"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/intent"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/registry"
)

const ordersYAML = `templates:
  - id: orders_by_customer
    description: orders for a customer
    examples: ["show orders for customer 42"]
    parameters:
      - name: customer_id
        type: integer
        required: true
    query: SELECT * FROM orders WHERE customer_id = {{customer_id}}
  - id: recent_orders
    description: most recent orders
    parameters: []
    query: SELECT * FROM orders ORDER BY created_at DESC
`

const oneTemplateYAML = `templates:
  - id: all_orders
    description: every order
    parameters: []
    query: SELECT * FROM orders
`

var (
	ordersKey = models.AdapterKey{Class: models.ClassRetriever, Datasource: "sqlite", Name: "orders"}
	purgeKey  = models.AdapterKey{Class: models.ClassAction, Datasource: "sqlite", Name: "purge"}
)

// flakyEmbedder wraps the lexical embedder and can be told to fail or to
// stall until released.
type flakyEmbedder struct {
	next    embedding.Embedder
	fail    atomic.Bool
	block   chan struct{}
	entered chan struct{}
}

func (e *flakyEmbedder) Name() string { return e.next.Name() }

func (e *flakyEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.block != nil {
		select {
		case e.entered <- struct{}{}:
		default:
		}
		<-e.block
	}
	if e.fail.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	return e.next.Embed(ctx, text)
}

type fixture struct {
	dir      string
	mgr      *Manager
	embedder *flakyEmbedder
	registry *registry.Registry
	index    *intent.Index
	breakers *breaker.Group

	mu    sync.Mutex
	descs []models.AdapterDescriptor
}

func (f *fixture) source() ([]models.AdapterDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AdapterDescriptor, len(f.descs))
	for i, d := range f.descs {
		out[i] = d.Clone()
	}
	return out, nil
}

func (f *fixture) setDescriptors(descs ...models.AdapterDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descs = descs
}

func (f *fixture) writeTemplates(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(body), 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:      t.TempDir(),
		registry: registry.New(),
		index:    intent.NewIndex(),
		breakers: breaker.NewGroup(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}),
		embedder: &flakyEmbedder{next: embedding.NewLexicalEmbedder(0)},
	}
	f.writeTemplates(t, "orders.yaml", ordersYAML)
	f.setDescriptors(ordersDescriptor(), purgeDescriptor())

	f.mgr = New(Config{
		Catalog:   adapter.DefaultCatalog(adapter.Defaults{Threshold: intent.DefaultThreshold, Breaker: breaker.DefaultConfig()}),
		Registry:  f.registry,
		Index:     f.index,
		Embedders: embedding.NewRegistry(f.embedder),
		Breakers:  f.breakers,
		Source:    f.source,
		BaseDir:   f.dir,
	})
	return f
}

func ordersDescriptor() models.AdapterDescriptor {
	return models.AdapterDescriptor{
		Key:            ordersKey,
		Enabled:        true,
		Implementation: "intent",
		Config: map[string]any{
			"template_library": []any{"orders.yaml"},
			"breaker":          map[string]any{"failure_threshold": 3},
		},
	}
}

func purgeDescriptor() models.AdapterDescriptor {
	return models.AdapterDescriptor{
		Key:            purgeKey,
		Enabled:        true,
		Implementation: "action",
		Config: map[string]any{
			"action": map[string]any{"query": "DELETE FROM sessions"},
		},
	}
}

func trip(b *breaker.Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
}

func TestLoadPublishesAdaptersAndTemplates(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	assert.Equal(t, 2, f.registry.Len())
	lib, ok := f.index.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 2, lib.Len())
	assert.Equal(t, "lexical", lib.Provider)

	e, err := f.registry.Resolve(ordersKey)
	require.NoError(t, err)
	assert.False(t, e.Descriptor.LoadedAt.IsZero())

	health, err := f.mgr.Health(ordersKey)
	require.NoError(t, err)
	assert.Equal(t, "closed", health.State)
	assert.Equal(t, 3, health.FailureThreshold)

	statuses := f.mgr.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, purgeKey, statuses[0].Key)
	assert.Equal(t, "orders", statuses[1].Collection)
	assert.Equal(t, 2, statuses[1].Templates)
}

func TestLoadKeepsGoodAdaptersWhenOneFails(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	f.writeTemplates(t, "orders.yaml", "templates:\n  - id: broken\n    query: SELECT {{x}}\n")
	descs, _ = f.source()
	err := f.mgr.Load(context.Background(), descs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ordersKey.String())

	_, err = f.registry.Resolve(purgeKey)
	assert.NoError(t, err)

	old, ok := f.registry.Lookup(ordersKey)
	require.True(t, ok)
	assert.False(t, old.Descriptor.Enabled)
	_, err = f.registry.Resolve(ordersKey)
	assert.Equal(t, errs.KindAdapterNotFound, errs.KindOf(err))
}

func TestReloadSwapsTemplatesAndClosesBreaker(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	trip(f.breakers.Get(ordersKey.String()), 3)
	health, err := f.mgr.Health(ordersKey)
	require.NoError(t, err)
	require.Equal(t, "open", health.State)

	f.writeTemplates(t, "orders.yaml", oneTemplateYAML)
	_, err = f.mgr.Reload(context.Background(), ordersKey)
	require.NoError(t, err)

	lib, ok := f.index.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 1, lib.Len())
	health, err = f.mgr.Health(ordersKey)
	require.NoError(t, err)
	assert.Equal(t, "closed", health.State)
	assert.Zero(t, health.FailureCount)
}

func TestReloadFailureQuarantines(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	f.writeTemplates(t, "orders.yaml", "templates:\n  - id: broken\n    query: SELECT {{x}}\n")
	_, err := f.mgr.Reload(context.Background(), ordersKey)
	require.Error(t, err)

	e, ok := f.registry.Lookup(ordersKey)
	require.True(t, ok)
	assert.False(t, e.Descriptor.Enabled)

	lib, ok := f.index.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 2, lib.Len(), "previous library stays live")
}

func TestReloadKeepsPreviousVersionWhenEmbeddingFails(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	f.writeTemplates(t, "orders.yaml", oneTemplateYAML)
	f.embedder.fail.Store(true)
	_, err := f.mgr.Reload(context.Background(), ordersKey)
	require.Error(t, err)

	_, err = f.registry.Resolve(ordersKey)
	assert.NoError(t, err, "adapter stays enabled")
	lib, ok := f.index.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 2, lib.Len())

	f.embedder.fail.Store(false)
	_, err = f.mgr.Reload(context.Background(), ordersKey)
	require.NoError(t, err)
	lib, _ = f.index.Get("orders")
	assert.Equal(t, 1, lib.Len())
}

func TestReloadAllKeepsPreviousVersionOnTransientFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.ReloadAll(context.Background()))

	f.embedder.fail.Store(true)
	err := f.mgr.ReloadAll(context.Background())
	require.Error(t, err)

	_, err = f.registry.Resolve(ordersKey)
	assert.NoError(t, err)
	lib, ok := f.index.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 2, lib.Len())

	f.embedder.fail.Store(false)
	require.NoError(t, os.Remove(filepath.Join(f.dir, "orders.yaml")))
	require.Error(t, f.mgr.ReloadAll(context.Background()))
	_, err = f.registry.Resolve(ordersKey)
	assert.NoError(t, err, "unreadable template file keeps the adapter in service")
}

func TestTemplateChangeReloadKeepsBreakerState(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))
	trip(f.breakers.Get(ordersKey.String()), 3)

	f.writeTemplates(t, "orders.yaml", oneTemplateYAML)
	_, err := f.mgr.reload(context.Background(), ordersKey, false)
	require.NoError(t, err)

	lib, _ := f.index.Get("orders")
	assert.Equal(t, 1, lib.Len())
	health, err := f.mgr.Health(ordersKey)
	require.NoError(t, err)
	assert.Equal(t, "open", health.State)
}

func TestRejectedEntryDoesNotPublishTemplates(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	bad := ordersDescriptor()
	bad.Version = "not-a-version"
	f.setDescriptors(bad, purgeDescriptor())
	f.writeTemplates(t, "orders.yaml", oneTemplateYAML)

	_, err := f.mgr.Reload(context.Background(), ordersKey)
	require.Error(t, err)
	lib, _ := f.index.Get("orders")
	assert.Equal(t, 2, lib.Len())

	require.Error(t, f.mgr.ReloadAll(context.Background()))
	lib, _ = f.index.Get("orders")
	assert.Equal(t, 2, lib.Len())
}

func TestSetEnabledWaitsForReload(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	f.embedder.block = make(chan struct{})
	f.embedder.entered = make(chan struct{}, 1)

	reloaded := make(chan error, 1)
	go func() {
		_, err := f.mgr.Reload(context.Background(), ordersKey)
		reloaded <- err
	}()
	<-f.embedder.entered

	disabled := make(chan error, 1)
	go func() {
		_, err := f.mgr.SetEnabled(ordersKey, false)
		disabled <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.embedder.block)

	require.NoError(t, <-reloaded)
	require.NoError(t, <-disabled)
	e, ok := f.registry.Lookup(ordersKey)
	require.True(t, ok)
	assert.False(t, e.Descriptor.Enabled)
}

func TestReloadUnknownAdapter(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Reload(context.Background(), ordersKey)
	assert.Equal(t, errs.KindAdapterNotFound, errs.KindOf(err))

	_, err = f.mgr.Health(ordersKey)
	assert.Equal(t, errs.KindAdapterNotFound, errs.KindOf(err))
}

func TestReloadAllDropsRemovedAdapters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.ReloadAll(context.Background()))
	f.breakers.Get(ordersKey.String())

	f.setDescriptors(purgeDescriptor())
	require.NoError(t, f.mgr.ReloadAll(context.Background()))

	assert.Equal(t, 1, f.registry.Len())
	_, ok := f.breakers.Lookup(ordersKey.String())
	assert.False(t, ok)
	_, ok = f.index.Get("orders")
	assert.False(t, ok)
	assert.Len(t, f.mgr.HealthAll(), 1)
}

func TestQuarantineAndEnable(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	f.mgr.Quarantine(purgeKey, &errs.UnresolvedPlaceholderError{Template: "purge", Placeholders: []string{"id"}})
	_, err := f.registry.Resolve(purgeKey)
	require.Error(t, err)

	e, err := f.mgr.SetEnabled(purgeKey, true)
	require.NoError(t, err)
	assert.True(t, e.Descriptor.Enabled)

	_, err = f.mgr.SetEnabled(models.AdapterKey{Class: models.ClassAction, Datasource: "x", Name: "y"}, true)
	assert.Equal(t, errs.KindAdapterNotFound, errs.KindOf(err))
}

func TestWatchTemplatesReloadsOnChange(t *testing.T) {
	f := newFixture(t)
	descs, _ := f.source()
	require.NoError(t, f.mgr.Load(context.Background(), descs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.WatchTemplates(ctx, 20*time.Millisecond) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	f.writeTemplates(t, "orders.yaml", oneTemplateYAML)

	assert.Eventually(t, func() bool {
		lib, ok := f.index.Get("orders")
		return ok && lib.Len() == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
