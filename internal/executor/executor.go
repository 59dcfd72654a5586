// Package executor runs bound queries against adapter datasources. Every
// call goes through the adapter's circuit breaker and borrows its handle
// from the connection pool.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/pool"
)

type Executor struct {
	pool     *pool.Manager
	breakers *breaker.Group
}

func New(p *pool.Manager, breakers *breaker.Group) *Executor {
	return &Executor{pool: p, breakers: breakers}
}

// Execute validates q and runs it on the datasource described by src. An
// unresolved placeholder fails before the breaker or the backend is
// touched. The pool reference is released on every path, including
// cancellation.
func (x *Executor) Execute(ctx context.Context, adapter string, src datasource.Spec, q datasource.BoundQuery) (*datasource.ResultSet, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var rs *datasource.ResultSet
	start := time.Now()
	err := x.breakers.Get(adapter).Execute(ctx, func(ctx context.Context) error {
		lease, err := x.pool.Acquire(ctx, src)
		if err != nil {
			return err
		}
		defer lease.Release()

		res, err := lease.Driver.Execute(ctx, q)
		if err != nil {
			return err
		}
		rs = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rs.Duration == 0 {
		rs.Duration = time.Since(start)
	}
	log.Debug().
		Str("adapter", adapter).
		Str("template", q.TemplateID).
		Int("rows", rs.RowCount()).
		Dur("duration", rs.Duration).
		Msg("query executed")
	return rs, nil
}
