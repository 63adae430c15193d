// Package reqctx provides the per-request Context every resolver runs
// against.
//
// A Context pairs one leased database connection with the realm tree
// snapshot that was current when the request started. It is the only way
// resolvers reach storage or navigation state. The lease belongs to the
// Context and goes back to the pool when the Context is released; the
// snapshot is shared read-only with every other request.
package reqctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/rs/zerolog"
)

var (
	// ErrReleased is returned by Do after the lease went back to the pool.
	ErrReleased = errors.New("request context released")
	// ErrMissing is returned by From when no Context was attached.
	ErrMissing = errors.New("no request context")
)

// Factory creates Contexts from the process-wide pool and tree holder.
type Factory struct {
	pool  *db.Pool
	trees *realm.Holder
	log   zerolog.Logger
}

// NewFactory captures the pool and tree holder built at startup.
func NewFactory(pool *db.Pool, trees *realm.Holder, log zerolog.Logger) *Factory {
	return &Factory{pool: pool, trees: trees, log: log}
}

// New builds a Context for one request. It waits for any scheduled tree
// rebuild, captures the resulting snapshot and checks out a connection.
// The caller must Release the Context.
func (f *Factory) New(ctx context.Context) (*Context, error) {
	tree, err := f.trees.Fresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("request context: %w", err)
	}
	lease, err := f.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("request context: %w", err)
	}
	return &Context{
		lease: lease,
		tree:  tree,
		trees: f.trees,
		log:   f.log,
	}, nil
}

// Run creates a Context, passes it to fn and releases it on every exit
// path, including a panic in fn.
func (f *Factory) Run(ctx context.Context, fn func(ctx context.Context, c *Context) error) error {
	c, err := f.New(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(With(ctx, c), c)
}

// Context is the state of one API call. Field resolvers may run in
// parallel, so the leased connection is only reachable through Do and Tx,
// which serialize access to it.
type Context struct {
	mu       sync.Mutex
	lease    *db.Lease
	released bool

	tree  *realm.Tree
	trees *realm.Holder
	log   zerolog.Logger
}

// Do runs fn with exclusive use of the leased connection. Rows opened in fn
// must be closed before it returns.
func (c *Context) Do(fn func(conn *db.Lease) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	return fn(c.lease)
}

// Tx runs fn in a transaction on the leased connection. See db.Lease.InTx.
func (c *Context) Tx(ctx context.Context, fn func(tx *db.Tx) error) error {
	return c.Do(func(conn *db.Lease) error {
		return conn.InTx(ctx, fn)
	})
}

// Release hands the connection back to the pool once no Do call is running.
// The tree snapshot stays readable. Calling Release more than once is fine.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.lease.Release()
}

// Tree returns the snapshot captured when the Context was created. It is
// the same snapshot for the whole lifetime of the Context.
func (c *Context) Tree() *realm.Tree { return c.tree }

// Realm looks up a realm by id in the captured snapshot.
func (c *Context) Realm(id int64) (*realm.Node, error) {
	n, ok := c.tree.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", realm.ErrNotFound, id)
	}
	return n, nil
}

// RealmByPath resolves a slash-separated path in the captured snapshot.
func (c *Context) RealmByPath(path string) (*realm.Node, error) {
	n, ok := c.tree.Resolve(path)
	if !ok {
		return nil, fmt.Errorf("%w: path %q", realm.ErrNotFound, path)
	}
	return n, nil
}

// Children lists the children of n in sibling order.
func (c *Context) Children(n *realm.Node) []*realm.Node { return c.tree.Children(n) }

// Ancestors lists n and its ancestors up to the root.
func (c *Context) Ancestors(n *realm.Node) []*realm.Node { return c.tree.Ancestors(n) }

// ScheduleRebuild marks the realm structure as changed after a committed
// write. This Context keeps its snapshot; Contexts created afterwards see
// the change.
func (c *Context) ScheduleRebuild(reason string) {
	c.trees.Schedule(reason)
}

// Watch subscribes to snapshot installs. See realm.Holder.Watch.
func (c *Context) Watch() (<-chan *realm.Tree, func()) {
	return c.trees.Watch()
}

// CurrentTree returns the newest installed snapshot, which may be newer
// than Tree.
func (c *Context) CurrentTree() *realm.Tree {
	return c.trees.Current()
}

// Logger returns the request logger.
func (c *Context) Logger() zerolog.Logger { return c.log }

// WithLogger replaces the request logger, typically to add a request id.
// Call it before the Context is shared with resolvers.
func (c *Context) WithLogger(log zerolog.Logger) { c.log = log }

type contextKey struct{}

// With attaches c to ctx for resolvers further down the call chain.
func With(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// From returns the Context attached by With.
func From(ctx context.Context) (*Context, error) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || c == nil {
		return nil, ErrMissing
	}
	return c, nil
}
