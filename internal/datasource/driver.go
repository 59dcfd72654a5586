// Package datasource holds the uniform driver contract every backend sits
// behind, plus the concrete drivers for each supported datasource kind.
package datasource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
	KindSQLite   = "sqlite"
	KindMongoDB  = "mongodb"
	KindVector   = "vector"
	KindHTTP     = "http"
	KindRedis    = "redis"
)

// Spec identifies a datasource connection: its kind and the parameters
// needed to open it.
type Spec struct {
	Kind   string            `json:"kind" yaml:"kind"`
	Params map[string]string `json:"params" yaml:"params"`
}

// Param returns a connection parameter or def when unset.
func (s Spec) Param(name, def string) string {
	if v, ok := s.Params[name]; ok && v != "" {
		return v
	}
	return def
}

type ResultSet struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	Source   string           `json:"source"`
	Duration time.Duration    `json:"duration"`
}

func (rs *ResultSet) RowCount() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// Driver talks to exactly one backend. Execute must return an
// *errs.BackendError for execution failures so transient and permanent
// causes stay distinguishable.
type Driver interface {
	Kind() string
	Execute(ctx context.Context, q BoundQuery) (*ResultSet, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type Opener func(ctx context.Context, spec Spec) (Driver, error)

type Catalog struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

func NewCatalog() *Catalog {
	return &Catalog{openers: make(map[string]Opener)}
}

// DefaultCatalog knows every built-in datasource kind.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register(KindPostgres, OpenPostgres)
	c.Register(KindMySQL, OpenMySQL)
	c.Register(KindSQLite, OpenSQLite)
	c.Register(KindMongoDB, OpenMongo)
	c.Register(KindVector, OpenVector)
	c.Register(KindHTTP, OpenHTTP)
	c.Register(KindRedis, OpenRedis)
	return c
}

func (c *Catalog) Register(kind string, opener Opener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openers[strings.ToLower(kind)] = opener
}

func (c *Catalog) Open(ctx context.Context, spec Spec) (Driver, error) {
	c.mu.RLock()
	opener, ok := c.openers[strings.ToLower(spec.Kind)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported datasource kind %q", spec.Kind)
	}
	return opener(ctx, spec)
}

func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]string, 0, len(c.openers))
	for k := range c.openers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func columnsOf(rows []map[string]any) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
