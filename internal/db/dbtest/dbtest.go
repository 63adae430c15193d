// Package dbtest opens throwaway SQLite pools for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/portal/internal/config"
	"github.com/agentic-research/portal/internal/db"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Open opens a migrated SQLite pool in a temp dir with maxConns
// connections. The pool is closed when the test ends.
func Open(t testing.TB, maxConns int) *db.Pool {
	t.Helper()
	cfg := config.Default().DB
	cfg.Driver = config.DriverSQLite
	cfg.Path = filepath.Join(t.TempDir(), "portal.db")
	cfg.MaxConnections = maxConns
	cfg.AcquireTimeout = 200 * time.Millisecond

	p, err := db.Open(context.Background(), cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, db.Migrate(context.Background(), p))
	return p
}

// Realm is a row inserted by Seed.
type Realm struct {
	ID      int64
	Parent  int64
	Name    string
	Segment string
	Index   int
}

// Seed inserts realms below the root realm seeded by Migrate.
func Seed(t testing.TB, p *db.Pool, realms ...Realm) {
	t.Helper()
	ctx := context.Background()
	lease, err := p.Get(ctx)
	require.NoError(t, err)
	defer lease.Release()

	for _, r := range realms {
		_, err := lease.Exec(ctx,
			"INSERT INTO realms (id, parent, name, path_segment, idx) VALUES (?, ?, ?, ?, ?)",
			r.ID, r.Parent, r.Name, r.Segment, r.Index)
		require.NoError(t, err)
	}
}
