package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/pool"
)

type fakeDriver struct {
	calls atomic.Int32
	run   func(ctx context.Context) error
}

func (d *fakeDriver) Kind() string { return "fake" }

func (d *fakeDriver) Execute(ctx context.Context, q datasource.BoundQuery) (*datasource.ResultSet, error) {
	d.calls.Add(1)
	if d.run != nil {
		if err := d.run(ctx); err != nil {
			return nil, err
		}
	}
	return &datasource.ResultSet{Columns: []string{"id"}, Rows: []map[string]any{{"id": 1}}, Source: "fake"}, nil
}

func (d *fakeDriver) Ping(context.Context) error { return nil }
func (d *fakeDriver) Close(context.Context) error { return nil }

var src = datasource.Spec{Kind: "fake", Params: map[string]string{"dsn": "memory"}}

func setup(drv *fakeDriver, openErr error, cfg breaker.Config) (*Executor, *pool.Manager, *atomic.Int32) {
	var opens atomic.Int32
	pm := pool.NewManager(func(ctx context.Context, spec datasource.Spec) (datasource.Driver, error) {
		if openErr != nil {
			return nil, openErr
		}
		opens.Add(1)
		return drv, nil
	}, pool.DefaultConfig())
	return New(pm, breaker.NewGroup(cfg)), pm, &opens
}

func query() datasource.BoundQuery {
	return datasource.BoundQuery{TemplateID: "t", Pattern: "SELECT * FROM orders WHERE id = {{id}}", Values: map[string]any{"id": 1}}
}

func TestExecuteReusesPooledHandle(t *testing.T) {
	drv := &fakeDriver{}
	x, pm, opens := setup(drv, nil, breaker.DefaultConfig())

	for i := 0; i < 3; i++ {
		rs, err := x.Execute(context.Background(), "orders", src, query())
		require.NoError(t, err)
		assert.Equal(t, 1, rs.RowCount())
		assert.Greater(t, rs.Duration, time.Duration(0))
	}

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, int32(3), drv.calls.Load())
	stats := pm.Stats()
	assert.Equal(t, 1, stats.DistinctKeys)
	assert.Equal(t, 0, stats.TotalReferences)
}

func TestUnresolvedPlaceholderNeverReachesBackend(t *testing.T) {
	drv := &fakeDriver{}
	x, _, opens := setup(drv, nil, breaker.DefaultConfig())

	q := datasource.BoundQuery{TemplateID: "t", Pattern: "SELECT {{missing}}", Values: map[string]any{}}
	_, err := x.Execute(context.Background(), "orders", src, q)

	var unresolved *errs.UnresolvedPlaceholderError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, int32(0), opens.Load())
	assert.Equal(t, int32(0), drv.calls.Load())
	assert.Equal(t, 0, x.breakers.Get("orders").Stats().FailureCount)
}

func TestConnectionErrorCountsAsFailure(t *testing.T) {
	x, pm, _ := setup(&fakeDriver{}, errors.New("dial tcp: connection refused"), breaker.Config{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		_, err := x.Execute(context.Background(), "orders", src, query())
		var connErr *errs.ConnectionError
		require.True(t, errors.As(err, &connErr))
	}
	assert.Equal(t, breaker.Open, x.breakers.Get("orders").State())
	assert.Equal(t, 0, pm.Stats().DistinctKeys)

	_, err := x.Execute(context.Background(), "orders", src, query())
	var open *errs.CircuitOpenError
	assert.True(t, errors.As(err, &open))
}

func TestTimeoutReleasesLeaseAndRecordsFailure(t *testing.T) {
	drv := &fakeDriver{run: func(ctx context.Context) error {
		<-ctx.Done()
		return errs.Backend("fake", ctx.Err())
	}}
	x, pm, _ := setup(drv, nil, breaker.Config{FailureThreshold: 5, CallTimeout: 10 * time.Millisecond})

	_, err := x.Execute(context.Background(), "orders", src, query())
	var backend *errs.BackendError
	require.True(t, errors.As(err, &backend))
	assert.True(t, backend.Transient)

	assert.Equal(t, 0, pm.Stats().TotalReferences)
	assert.Equal(t, 1, x.breakers.Get("orders").Stats().FailureCount)
}

func TestCancellationReleasesLeaseAndRecordsNothing(t *testing.T) {
	started := make(chan struct{})
	drv := &fakeDriver{run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	x, pm, _ := setup(drv, nil, breaker.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := x.Execute(ctx, "orders", src, query())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, pm.Stats().TotalReferences)

	stats := x.breakers.Get("orders").Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 0, stats.FailureCount)
}
