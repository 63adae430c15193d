package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Querier is the read surface shared by Lease and Tx.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Lease is one connection checked out of the Pool. Queries use '?'
// placeholders regardless of driver. Release must be called exactly once
// per lease; further calls are no-ops.
type Lease struct {
	conn    *sql.Conn
	dialect Dialect
	once    sync.Once
}

func newLease(conn *sql.Conn, dialect Dialect) *Lease {
	return &Lease{conn: conn, dialect: dialect}
}

// Query runs a query returning rows.
func (l *Lease) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return l.conn.QueryContext(ctx, l.dialect.Rebind(query), args...)
}

// QueryRow runs a query expected to return at most one row.
func (l *Lease) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return l.conn.QueryRowContext(ctx, l.dialect.Rebind(query), args...)
}

// Exec runs a statement without rows.
func (l *Lease) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.conn.ExecContext(ctx, l.dialect.Rebind(query), args...)
}

// InTx runs fn inside a transaction on the leased connection. The
// transaction commits when fn returns nil and rolls back otherwise,
// including when fn panics.
func (l *Lease) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }() // no-op after commit

	if err := fn(&Tx{tx: sqlTx, dialect: l.dialect}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Release returns the connection to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		_ = l.conn.Close() // *sql.Conn.Close hands the connection back
	})
}

// Tx is an open transaction on a lease.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Query runs a query returning rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRow runs a query expected to return at most one row.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// Exec runs a statement without rows.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}
