package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/orbit-gateway/internal/adapter"
	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/embedding"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/executor"
	"github.com/HanTheDev/orbit-gateway/internal/extract"
	"github.com/HanTheDev/orbit-gateway/internal/intent"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/pool"
	"github.com/HanTheDev/orbit-gateway/internal/ratelimit"
	"github.com/HanTheDev/orbit-gateway/internal/registry"
	"github.com/HanTheDev/orbit-gateway/internal/telemetry"
)

type vectors map[string][]float64

func (v vectors) Name() string { return "fixed" }

func (v vectors) Embed(_ context.Context, text string) ([]float64, error) {
	if vec, ok := v[text]; ok {
		return vec, nil
	}
	return []float64{0, 0, 1}, nil
}

type countingDriver struct {
	mu      sync.Mutex
	calls   atomic.Int32
	queries []datasource.BoundQuery
	block   bool
}

func (d *countingDriver) Kind() string { return "fake" }

func (d *countingDriver) Execute(ctx context.Context, q datasource.BoundQuery) (*datasource.ResultSet, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.queries = append(d.queries, q)
	d.mu.Unlock()
	if d.block {
		<-ctx.Done()
		return nil, errs.Transient("fake", ctx.Err())
	}
	return &datasource.ResultSet{
		Columns: []string{"id", "customer_name", "total"},
		Rows: []map[string]any{
			{"id": 1, "customer_name": q.Values["name"], "total": 99.5},
			{"id": 2, "customer_name": q.Values["name"], "total": 12.0},
		},
		Source: "fake",
	}, nil
}

func (d *countingDriver) Ping(context.Context) error { return nil }
func (d *countingDriver) Close(context.Context) error { return nil }

type quarantineLog struct {
	mu   sync.Mutex
	keys []models.AdapterKey
}

func (q *quarantineLog) Quarantine(key models.AdapterKey, _ error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, key)
}

const customerText = "orders placed by a named customer\norders from customer Jane Doe"

var ordersKey = models.AdapterKey{Class: models.ClassRetriever, Datasource: "fake", Name: "intent-sql-orders"}

type harness struct {
	pipeline   *Pipeline
	driver     *countingDriver
	opens      *atomic.Int32
	pool       *pool.Manager
	breakers   *breaker.Group
	registry   *registry.Registry
	metrics    *telemetry.Metrics
	quarantine *quarantineLog
}

type options struct {
	limiter ratelimit.Limiter
	breaker breaker.Config
	block   bool
}

// uncheckedAction skips template validation, so a missing optional value
// reaches the executor guard.
type uncheckedAction struct{}

func (uncheckedAction) Source() datasource.Spec { return datasource.Spec{Kind: "fake"} }

func (uncheckedAction) Action() *models.Template {
	return &models.Template{
		ID:           "legacy-purge",
		Parameters:   []models.ParameterSpec{{Name: "id", Type: models.ParamInteger}},
		QueryPattern: "DELETE FROM sessions WHERE id = {{id}}",
	}
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()

	emb := vectors{
		customerText:                      {1, 0.1, 0},
		"orders from customer John Smith": {0.95, 0.12, 0.02},
		"what is the weather like":        {0, 0.2, 1},
		"show me orders from a customer":  {0.9, 0.1, 0.05},
	}
	lib, err := intent.NewLibrary("orders", []models.Template{{
		ID:           "orders_by_customer_name",
		Description:  "orders placed by a named customer",
		Examples:     []string{"orders from customer Jane Doe"},
		Parameters:   []models.ParameterSpec{{Name: "name", Type: models.ParamString, Required: true}},
		QueryPattern: "SELECT id, customer_name, total FROM orders WHERE customer_name = {{name}}",
	}})
	require.NoError(t, err)
	lib, err = lib.Prepare(context.Background(), emb)
	require.NoError(t, err)
	idx := intent.NewIndex()
	idx.Swap(lib)

	catalog := adapter.DefaultCatalog(adapter.Defaults{Threshold: intent.DefaultThreshold, Breaker: breaker.DefaultConfig()})
	catalog.Register("unchecked-action", func(desc models.AdapterDescriptor, _ adapter.Config, _ adapter.Defaults) (adapter.Implementation, error) {
		return adapter.Implementation{Class: models.ClassAction, Action: uncheckedAction{}}, nil
	})
	reg := registry.New()
	descs := []models.AdapterDescriptor{
		{
			Key:            ordersKey,
			Enabled:        true,
			Implementation: "intent",
			Config: map[string]any{
				"confidence_threshold": 0.75,
				"template_collection":  "orders",
				"template_library":     []any{"templates/orders.yaml"},
			},
		},
		{
			Key:            models.AdapterKey{Class: models.ClassAction, Datasource: "fake", Name: "purge-session"},
			Enabled:        true,
			Implementation: "action",
			Config: map[string]any{
				"action": map[string]any{
					"query":      "DELETE FROM sessions WHERE id = {{id}}",
					"parameters": []any{map[string]any{"name": "id", "type": "integer", "required": true}},
				},
			},
		},
		{
			Key:            models.AdapterKey{Class: models.ClassAction, Datasource: "fake", Name: "legacy-purge"},
			Enabled:        true,
			Implementation: "unchecked-action",
		},
		{
			Key:            models.AdapterKey{Class: models.ClassPassthrough, Datasource: "fake", Name: "raw-search"},
			Enabled:        true,
			Implementation: "passthrough",
			Config:         map[string]any{"statement": "SEARCH {{query}}"},
		},
	}
	for _, d := range descs {
		impl, err := catalog.Build(d)
		require.NoError(t, err)
		require.NoError(t, reg.Register(&registry.Entry{Descriptor: d, Impl: impl}))
	}

	drv := &countingDriver{block: opts.block}
	var opens atomic.Int32
	pm := pool.NewManager(func(context.Context, datasource.Spec) (datasource.Driver, error) {
		opens.Add(1)
		return drv, nil
	}, pool.DefaultConfig())

	cfg := opts.breaker
	if cfg.FailureThreshold == 0 {
		cfg = breaker.DefaultConfig()
	}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	breakers := breaker.NewGroup(cfg, breaker.WithListener(metrics.BreakerListener()))
	q := &quarantineLog{}

	p := New(Config{
		Limiter:    opts.limiter,
		Registry:   reg,
		Matcher:    intent.NewMatcher(idx, embedding.NewRegistry(emb)),
		Extractor:  extract.NewExtractor(nil, nil),
		Executor:   executor.New(pm, breakers),
		Metrics:    metrics,
		Quarantine: q,
	})
	return &harness{
		pipeline:   p,
		driver:     drv,
		opens:      &opens,
		pool:       pm,
		breakers:   breakers,
		registry:   reg,
		metrics:    metrics,
		quarantine: q,
	}
}

func TestProcessAnswersCustomerQuestion(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "orders from customer John Smith", AdapterName: "intent-sql-orders"})

	require.NoError(t, out.Err)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, StageFormatted, out.Stage)
	assert.Equal(t, ordersKey.String(), out.Adapter)
	assert.Equal(t, "orders_by_customer_name", out.TemplateID)
	assert.GreaterOrEqual(t, out.Score, 0.75)
	assert.Equal(t, "John Smith", out.Parameters["name"])
	assert.True(t, out.Understood())
	assert.Equal(t, 2, out.Result.RowCount())
	assert.Contains(t, out.Text, "John Smith")
	assert.Contains(t, out.Text, "99.5")
	assert.True(t, strings.HasSuffix(out.Text, "(2 rows)\n"))

	require.Len(t, h.driver.queries, 1)
	assert.Empty(t, h.driver.queries[0].Unresolved())

	second := h.pipeline.Process(context.Background(), Request{Message: "orders from customer John Smith", Adapter: &ordersKey})
	require.NoError(t, second.Err)
	assert.NotEqual(t, out.RequestID, second.RequestID)
	assert.Equal(t, int32(1), h.opens.Load())
	assert.Equal(t, int32(2), h.driver.calls.Load())
	assert.Equal(t, 0, h.pool.Stats().TotalReferences)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Requests.WithLabelValues(ordersKey.String(), "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.StageTransitions.WithLabelValues(string(StageFormatted))))
}

func TestBreakerOpensAfterRepeatedTimeouts(t *testing.T) {
	h := newHarness(t, options{
		block:   true,
		breaker: breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute, CallTimeout: 20 * time.Millisecond},
	})
	req := Request{Message: "orders from customer John Smith", Adapter: &ordersKey}

	for i := 0; i < 5; i++ {
		out := h.pipeline.Process(context.Background(), req)
		require.Error(t, out.Err)
		assert.NotEqual(t, errs.KindCircuitOpen, out.Kind)
		assert.Equal(t, StageExecuted, out.FailedAt)
	}
	b, ok := h.breakers.Lookup(ordersKey.String())
	require.True(t, ok)
	assert.Equal(t, breaker.Open, b.State())

	start := time.Now()
	out := h.pipeline.Process(context.Background(), req)
	assert.Equal(t, errs.KindCircuitOpen, out.Kind)
	assert.Equal(t, StageFailed, out.Stage)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int32(5), h.driver.calls.Load())
	assert.Equal(t, 0, h.pool.Stats().TotalReferences)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BreakerState.WithLabelValues(ordersKey.String())))
}

func TestNoTemplateMatchIsNotUnderstood(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "what is the weather like", AdapterName: "intent-sql-orders"})

	assert.Equal(t, errs.KindNoTemplateMatch, out.Kind)
	assert.False(t, out.Understood())
	assert.Equal(t, StageTemplateMatched, out.FailedAt)
	assert.Empty(t, out.TemplateID)
	assert.Equal(t, int32(0), h.driver.calls.Load())
	assert.Equal(t, 200, errs.HTTPStatus(out.Kind))
}

func TestMissingParameterStopsBeforeExecution(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "show me orders from a customer", AdapterName: "intent-sql-orders"})

	assert.Equal(t, errs.KindMissingParameter, out.Kind)
	assert.True(t, out.Understood())
	assert.Equal(t, "orders_by_customer_name", out.TemplateID)
	assert.Equal(t, StageParametersExtracted, out.FailedAt)
	assert.Equal(t, int32(0), h.driver.calls.Load())
	assert.Empty(t, h.quarantine.keys)
}

func TestUnknownAdapter(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "hello", AdapterName: "nope"})
	assert.Equal(t, errs.KindAdapterNotFound, out.Kind)
	assert.Equal(t, StageAdapterResolved, out.FailedAt)

	out = h.pipeline.Process(context.Background(), Request{Message: "hello"})
	assert.Equal(t, errs.KindAdapterNotFound, out.Kind)
}

func TestDisabledAdapterIsNotResolved(t *testing.T) {
	h := newHarness(t, options{})
	_, err := h.registry.SetEnabled(ordersKey, false)
	require.NoError(t, err)

	out := h.pipeline.Process(context.Background(), Request{Message: "orders from customer John Smith", Adapter: &ordersKey})
	assert.Equal(t, errs.KindAdapterNotFound, out.Kind)
	assert.Equal(t, int32(0), h.driver.calls.Load())
}

func TestRateLimitRejectsSixthRequest(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Rules{ratelimit.ScopeChat: {Limit: 5, Window: time.Minute}})
	h := newHarness(t, options{limiter: limiter})
	req := Request{Message: "orders from customer John Smith", AdapterName: "intent-sql-orders", Identity: "10.0.0.7"}

	for i := 0; i < 5; i++ {
		out := h.pipeline.Process(context.Background(), req)
		require.NoError(t, out.Err)
		assert.Equal(t, 4-i, out.RateLimit.Remaining)
	}

	out := h.pipeline.Process(context.Background(), req)
	assert.True(t, out.Rejected())
	assert.NoError(t, out.Err)
	assert.Equal(t, StageRejected, out.Stage)
	assert.Positive(t, out.RateLimit.RetryAfter)
	assert.Equal(t, int32(5), h.driver.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RateLimitRejects.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Requests.WithLabelValues("unknown", "rate_limited")))

	req.Authenticated = true
	out = h.pipeline.Process(context.Background(), req)
	require.NoError(t, out.Err)
	assert.Equal(t, ratelimit.ReasonAuthenticated, out.RateLimit.Reason)
	assert.Equal(t, StageFormatted, out.Stage)
}

func TestUnresolvedPlaceholderQuarantinesAdapter(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "purge everything", AdapterName: "legacy-purge"})

	assert.Equal(t, errs.KindUnresolvedPlaceholder, out.Kind)
	assert.Equal(t, StageParametersExtracted, out.FailedAt)
	assert.Equal(t, int32(0), h.driver.calls.Load())
	require.Len(t, h.quarantine.keys, 1)
	assert.Equal(t, "legacy-purge", h.quarantine.keys[0].Name)
}

func TestActionAdapterRunsFixedTemplate(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "purge session 77", AdapterName: "purge-session"})

	require.NoError(t, out.Err)
	assert.Equal(t, "purge-session", out.TemplateID)
	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, int64(77), out.Parameters["id"])
}

func TestPassthroughForwardsMessage(t *testing.T) {
	h := newHarness(t, options{})

	out := h.pipeline.Process(context.Background(), Request{Message: "red shoes size 9", AdapterName: "raw-search"})

	require.NoError(t, out.Err)
	require.Len(t, h.driver.queries, 1)
	assert.Equal(t, "red shoes size 9", h.driver.queries[0].Values["query"])
}

func TestCanceledRequest(t *testing.T) {
	h := newHarness(t, options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.pipeline.Process(ctx, Request{Message: "orders from customer John Smith", Adapter: &ordersKey})
	assert.Equal(t, errs.KindCanceled, out.Kind)
	assert.Equal(t, int32(0), h.driver.calls.Load())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "No results found.", Format(nil, 10))
	assert.Equal(t, "No results found.", Format(&datasource.ResultSet{}, 10))

	rs := &datasource.ResultSet{
		Columns: []string{"id", "note"},
		Rows: []map[string]any{
			{"id": 1, "note": nil},
			{"id": 2, "note": strings.Repeat("x", 60)},
			{"id": 3, "note": "ok"},
		},
	}
	got := Format(rs, 2)
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "id | note", lines[0])
	assert.Contains(t, lines[2], "NULL")
	assert.Contains(t, lines[3], strings.Repeat("x", 37)+"...")
	assert.Equal(t, "(showing 2 of 3 rows)", lines[4])

	one := Format(&datasource.ResultSet{Rows: []map[string]any{{"b": 2, "a": 1}}}, 10)
	assert.True(t, strings.HasPrefix(one, "a | b\n"))
	assert.True(t, strings.HasSuffix(one, "(1 row)\n"))
}
