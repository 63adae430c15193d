package resolver

import (
	"context"
	"errors"

	"github.com/agentic-research/portal/api"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
)

// Query resolves read-only fields from the request's snapshot. It never
// schedules a rebuild.
type Query struct{}

var (
	rootRealm = Func[noArgs, *Realm](func(_ context.Context, c *reqctx.Context, _ noArgs) (*Realm, error) {
		return newRealm(c, c.Tree().Root()), nil
	})

	realmByID = Func[idArgs, *Realm](func(_ context.Context, c *reqctx.Context, in idArgs) (*Realm, error) {
		key, err := decodeRealm(in.ID)
		if err != nil {
			return nil, err
		}
		n, err := c.Realm(key)
		return lookup(c, n, err)
	})

	realmByPath = Func[pathArgs, *Realm](func(_ context.Context, c *reqctx.Context, in pathArgs) (*Realm, error) {
		n, err := c.RealmByPath(in.Path)
		return lookup(c, n, err)
	})

	blockByID = Func[idArgs, *Block](func(ctx context.Context, c *reqctx.Context, in idArgs) (*Block, error) {
		key, err := decodeBlock(in.ID)
		if err != nil {
			return nil, err
		}
		b, err := loadBlock(ctx, c, key)
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return b, err
	})
)

type pathArgs struct {
	Path string
}

// lookup maps a missing realm to null.
func lookup(c *reqctx.Context, n *realm.Node, err error) (*Realm, error) {
	if errors.Is(err, realm.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newRealm(c, n), nil
}

func (Query) APIVersion() string { return api.Version }

func (Query) RootRealm(ctx context.Context) (*Realm, error) {
	return dispatch(ctx, "rootRealm", rootRealm, noArgs{})
}

func (Query) Realm(ctx context.Context, args idArgs) (*Realm, error) {
	return dispatch(ctx, "realm", realmByID, args)
}

func (Query) RealmByPath(ctx context.Context, args pathArgs) (*Realm, error) {
	return dispatch(ctx, "realmByPath", realmByPath, args)
}

func (Query) Block(ctx context.Context, args idArgs) (*Block, error) {
	return dispatch(ctx, "block", blockByID, args)
}
