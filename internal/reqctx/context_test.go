package reqctx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/db/dbtest"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(t *testing.T, maxConns int) (*reqctx.Factory, *db.Pool) {
	t.Helper()
	p := dbtest.Open(t, maxConns)
	dbtest.Seed(t, p,
		dbtest.Realm{ID: 1, Parent: db.RootRealmID, Name: "Lectures", Segment: "lectures"},
		dbtest.Realm{ID: 2, Parent: 1, Name: "Physics", Segment: "physics"},
	)
	holder := realm.NewHolder(realm.PoolLoader(p), nil, zerolog.Nop())
	_, err := holder.Reload(context.Background())
	require.NoError(t, err)
	return reqctx.NewFactory(p, holder, zerolog.Nop()), p
}

func TestFactory_NewAndRelease(t *testing.T) {
	f, p := newFactory(t, 2)

	c, err := f.New(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().InUse)

	n, err := c.RealmByPath("/lectures/physics")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.ID())
	assert.Len(t, c.Ancestors(n), 3)

	c.Release()
	c.Release()
	assert.Equal(t, 0, p.Stats().InUse)

	err = c.Do(func(*db.Lease) error { return nil })
	require.ErrorIs(t, err, reqctx.ErrReleased)
	// The snapshot outlives the lease.
	_, err = c.Realm(1)
	require.NoError(t, err)
}

func TestFactory_LookupErrors(t *testing.T) {
	f, _ := newFactory(t, 1)
	c, err := f.New(context.Background())
	require.NoError(t, err)
	defer c.Release()

	_, err = c.Realm(404)
	require.ErrorIs(t, err, realm.ErrNotFound)
	_, err = c.RealmByPath("/nowhere")
	require.ErrorIs(t, err, realm.ErrNotFound)
}

func TestFactory_RunReleasesOnError(t *testing.T) {
	f, p := newFactory(t, 1)
	boom := errors.New("resolver failed")

	err := f.Run(context.Background(), func(ctx context.Context, c *reqctx.Context) error {
		got, err := reqctx.From(ctx)
		require.NoError(t, err)
		assert.Same(t, c, got)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestFactory_RunReleasesOnPanic(t *testing.T) {
	f, p := newFactory(t, 1)

	func() {
		defer func() { _ = recover() }()
		_ = f.Run(context.Background(), func(context.Context, *reqctx.Context) error {
			panic("resolver bug")
		})
	}()
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestFactory_RunReleasesOnCancellation(t *testing.T) {
	f, p := newFactory(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	err := f.Run(ctx, func(ctx context.Context, c *reqctx.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestFactory_PoolExhausted(t *testing.T) {
	f, _ := newFactory(t, 1)
	held, err := f.New(context.Background())
	require.NoError(t, err)
	defer held.Release()

	_, err = f.New(context.Background())
	require.ErrorIs(t, err, db.ErrPoolExhausted)
}

func TestFactory_SnapshotStability(t *testing.T) {
	f, _ := newFactory(t, 2)
	ctx := context.Background()

	before, err := f.New(ctx)
	require.NoError(t, err)
	defer before.Release()

	err = before.Tx(ctx, func(tx *db.Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO realms (id, parent, name, path_segment, idx) VALUES (?, ?, ?, ?, ?)",
			3, 1, "Math", "math", 1)
		return err
	})
	require.NoError(t, err)
	before.ScheduleRebuild("test insert")

	after, err := f.New(ctx)
	require.NoError(t, err)
	defer after.Release()

	_, err = after.RealmByPath("/lectures/math")
	require.NoError(t, err, "a Context created after the rebuild was scheduled must see it")

	_, err = before.RealmByPath("/lectures/math")
	require.ErrorIs(t, err, realm.ErrNotFound, "the earlier Context keeps its snapshot")
	assert.Less(t, before.Tree().Generation(), after.Tree().Generation())
	assert.Same(t, after.Tree(), before.CurrentTree())
}

func TestFrom_Missing(t *testing.T) {
	_, err := reqctx.From(context.Background())
	require.ErrorIs(t, err, reqctx.ErrMissing)
}
