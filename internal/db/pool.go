// Package db owns the bounded connection pool every API request draws from.
//
// The pool is a database/sql handle configured for either PostgreSQL (pgx) or
// an embedded SQLite file. Open refuses to return a pool until a checkout and
// a trivial round trip have succeeded. Afterwards, Get hands out one
// connection lease per caller and fails with ErrPoolExhausted when no
// connection frees up within the configured acquire timeout.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/agentic-research/portal/internal/config"
	"github.com/agentic-research/portal/internal/metrics"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	// ErrConnectivity marks a failed pool creation or startup health check.
	ErrConnectivity = errors.New("database unreachable")
	// ErrPoolExhausted is returned by Get when no connection became free
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Pool is a bounded set of live database connections.
type Pool struct {
	db             *sql.DB
	dialect        Dialect
	acquireTimeout time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

// Open creates the pool described by cfg and verifies it with one round trip.
// Any failure is wrapped in ErrConnectivity and the pool is closed again.
func Open(ctx context.Context, cfg config.DB, m *metrics.Metrics, log zerolog.Logger) (*Pool, error) {
	driver, dsn, dialect, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("driver", cfg.Driver).
		Str("target", redacted(cfg)).
		Int("max_connections", cfg.MaxConnections).
		Msg("connecting to database")

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectivity, cfg.Driver, err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	p := &Pool{
		db:             sqlDB,
		dialect:        dialect,
		acquireTimeout: cfg.AcquireTimeout,
		metrics:        m,
		log:            log,
	}

	checkCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := p.ping(checkCtx); err != nil {
		_ = sqlDB.Close() // ignore close error, the ping error matters
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectivity, redacted(cfg), err)
	}
	log.Info().Str("target", redacted(cfg)).Msg("database pool ready")

	m.RegisterDB(sqlDB)
	return p, nil
}

// ping checks out a connection and runs the startup test query on it.
func (p *Pool) ping(ctx context.Context) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }() // returns the connection to the pool
	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("test query: %w", err)
	}
	return nil
}

// Get checks out one connection. It blocks while every connection is in use,
// for at most the acquire timeout. A cancelled ctx returns ctx.Err().
func (p *Pool) Get(ctx context.Context) (*Lease, error) {
	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	waited := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.ObserveCheckout(waited, false)
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			p.metrics.ObserveCheckout(waited, true)
			return nil, fmt.Errorf("%w: waited %s", ErrPoolExhausted, waited.Round(time.Millisecond))
		}
		p.metrics.ObserveCheckout(waited, false)
		return nil, fmt.Errorf("checkout connection: %w", err)
	}
	p.metrics.ObserveCheckout(waited, false)
	return newLease(conn, p.dialect), nil
}

// Dialect reports the SQL flavour of the pool.
func (p *Pool) Dialect() Dialect { return p.dialect }

// Stats returns database/sql pool statistics.
func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

// Close closes every connection. Outstanding leases fail afterwards.
func (p *Pool) Close() error { return p.db.Close() }

func dataSource(cfg config.DB) (driver, dsn string, dialect Dialect, err error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
			Path:   "/" + cfg.Database,
		}
		q := url.Values{}
		q.Set("sslmode", cfg.TLSMode)
		if cfg.ConnectTimeout > 0 {
			secs := int(cfg.ConnectTimeout / time.Second)
			if secs < 1 {
				secs = 1
			}
			q.Set("connect_timeout", strconv.Itoa(secs))
		}
		u.RawQuery = q.Encode()
		return "pgx", u.String(), Postgres, nil
	case config.DriverSQLite:
		return "sqlite", cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", SQLite, nil
	default:
		return "", "", 0, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// redacted describes the connection target without credentials.
func redacted(cfg config.DB) string {
	if cfg.Driver == config.DriverSQLite {
		return "sqlite:" + cfg.Path
	}
	return fmt.Sprintf("postgresql://%s:*****@%s/%s",
		cfg.User, net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))), cfg.Database)
}
