package datasource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

const defaultMaxRows = 1000

// SQLDriver runs bound queries through database/sql. It serves every
// relational kind whose Go driver registers with database/sql.
type SQLDriver struct {
	kind    string
	db      *sql.DB
	marker  func(n int) string
	maxRows int
}

func NewSQLDriver(kind string, db *sql.DB, marker func(n int) string) *SQLDriver {
	return &SQLDriver{kind: kind, db: db, marker: marker, maxRows: defaultMaxRows}
}

func OpenMySQL(ctx context.Context, spec Spec) (Driver, error) {
	dsn := spec.Param("dsn", "")
	if dsn == "" {
		cfg := mysql.NewConfig()
		cfg.User = spec.Param("user", "root")
		cfg.Passwd = spec.Param("password", "")
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(spec.Param("host", "localhost"), spec.Param("port", "3306"))
		cfg.DBName = spec.Param("database", "")
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	applyPoolSettings(db, spec)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return NewSQLDriver(KindMySQL, db, QuestionMarker), nil
}

func OpenSQLite(ctx context.Context, spec Spec) (Driver, error) {
	path := spec.Param("path", ":memory:")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// each connection to :memory: is its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		applyPoolSettings(db, spec)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return NewSQLDriver(KindSQLite, db, QuestionMarker), nil
}

func applyPoolSettings(db *sql.DB, spec Spec) {
	if n, err := strconv.Atoi(spec.Param("max_open_conns", "")); err == nil {
		db.SetMaxOpenConns(n)
	}
	if n, err := strconv.Atoi(spec.Param("max_idle_conns", "")); err == nil {
		db.SetMaxIdleConns(n)
	}
	if d, err := time.ParseDuration(spec.Param("conn_max_lifetime", "")); err == nil {
		db.SetConnMaxLifetime(d)
	}
}

func (d *SQLDriver) Kind() string { return d.kind }

// DB exposes the underlying handle, mainly for seeding embedded datasets.
func (d *SQLDriver) DB() *sql.DB { return d.db }

func (d *SQLDriver) Execute(ctx context.Context, q BoundQuery) (*ResultSet, error) {
	stmt, args := q.Positional(d.marker)

	start := time.Now()
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(d.kind, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify(d.kind, err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		if len(results) >= d.maxRows {
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, classify(d.kind, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(d.kind, err)
	}

	return &ResultSet{
		Columns:  columns,
		Rows:     results,
		Source:   d.kind,
		Duration: time.Since(start),
	}, nil
}

func (d *SQLDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDriver) Close(context.Context) error {
	return d.db.Close()
}

func convertValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	}
	return v
}

// classify marks network, bad-connection and deadline failures transient.
func classify(source string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return errs.Transient(source, err)
	}
	return errs.Backend(source, err)
}
