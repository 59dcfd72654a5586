package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HanTheDev/orbit-gateway/internal/db"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

type PostgresDriver struct {
	db *db.DB
}

func OpenPostgres(ctx context.Context, spec Spec) (Driver, error) {
	dsn := spec.Param("dsn", "")
	if dsn == "" {
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(spec.Param("user", "postgres"), spec.Param("password", "")),
			Host:   net.JoinHostPort(spec.Param("host", "localhost"), spec.Param("port", "5432")),
			Path:   "/" + spec.Param("database", "postgres"),
		}
		q := u.Query()
		q.Set("sslmode", spec.Param("sslmode", "disable"))
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	var maxConns int32
	if n, err := strconv.Atoi(spec.Param("max_conns", "")); err == nil {
		maxConns = int32(n)
	}

	database, err := db.NewDB(ctx, dsn, maxConns)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresDriver{db: database}, nil
}

func (d *PostgresDriver) Kind() string { return KindPostgres }

func (d *PostgresDriver) Execute(ctx context.Context, q BoundQuery) (*ResultSet, error) {
	stmt, args := q.Positional(DollarMarker)

	start := time.Now()
	columns, rows, err := d.db.QueryRows(ctx, stmt, args...)
	if err != nil {
		return nil, classifyPg(err)
	}
	return &ResultSet{Columns: columns, Rows: rows, Source: KindPostgres, Duration: time.Since(start)}, nil
}

func (d *PostgresDriver) Ping(ctx context.Context) error {
	return d.db.Pool.Ping(ctx)
}

func (d *PostgresDriver) Close(context.Context) error {
	d.db.Close()
	return nil
}

// Server-reported errors are permanent unless the SQLSTATE class signals a
// connection or resource problem.
func classifyPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return errs.Transient(KindPostgres, err)
		}
		return errs.Permanent(KindPostgres, err)
	}
	return classify(KindPostgres, err)
}
