package resolver

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentic-research/portal/internal/ident"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/graph-gophers/graphql-go"
)

// Realm resolves a node of the request's tree snapshot.
type Realm struct {
	node *realm.Node
	c    *reqctx.Context
}

func newRealm(c *reqctx.Context, n *realm.Node) *Realm {
	if n == nil {
		return nil
	}
	return &Realm{node: n, c: c}
}

func newRealms(c *reqctx.Context, nodes []*realm.Node) []*Realm {
	out := make([]*Realm, len(nodes))
	for i, n := range nodes {
		out[i] = newRealm(c, n)
	}
	return out
}

func (r *Realm) ID() graphql.ID      { return realmID(r.node.ID()) }
func (r *Realm) Name() string        { return r.node.Name() }
func (r *Realm) PathSegment() string { return r.node.PathSegment() }
func (r *Realm) Path() string        { return r.node.Path() }
func (r *Realm) Index() int32        { return r.node.Index() }
func (r *Realm) IsRoot() bool        { return r.node.IsRoot() }
func (r *Realm) Depth() int32        { return int32(r.node.Depth()) }

func (r *Realm) Parent() *Realm {
	p, ok := r.c.Tree().Parent(r.node)
	if !ok {
		return nil
	}
	return newRealm(r.c, p)
}

func (r *Realm) Children() []*Realm {
	return newRealms(r.c, r.c.Children(r.node))
}

// Ancestors lists the ancestors root first, without r itself.
func (r *Realm) Ancestors() []*Realm {
	chain := r.c.Ancestors(r.node) // r up to the root
	out := make([]*Realm, 0, len(chain)-1)
	for i := len(chain) - 1; i > 0; i-- {
		out = append(out, newRealm(r.c, chain[i]))
	}
	return out
}

func (r *Realm) Blocks(ctx context.Context) ([]*Block, error) {
	return dispatch(ctx, "Realm.blocks", realmBlocks, r.node.ID())
}

// RealmRecord is a realms row as written by a mutation.
type RealmRecord struct {
	id      int64
	parent  sql.NullInt64
	name    string
	segment string
	index   int32
}

const realmColumns = "id, parent, name, path_segment, idx"

func scanRealmRecord(row interface{ Scan(...any) error }) (*RealmRecord, error) {
	var rec RealmRecord
	if err := row.Scan(&rec.id, &rec.parent, &rec.name, &rec.segment, &rec.index); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RealmRecord) ID() graphql.ID { return realmID(r.id) }

func (r *RealmRecord) Parent() *graphql.ID {
	if !r.parent.Valid {
		return nil
	}
	id := realmID(r.parent.Int64)
	return &id
}

func (r *RealmRecord) Name() string        { return r.name }
func (r *RealmRecord) PathSegment() string { return r.segment }
func (r *RealmRecord) Index() int32        { return r.index }

func realmID(key int64) graphql.ID {
	return graphql.ID(ident.Encode(ident.KindRealm, key))
}

func decodeRealm(id graphql.ID) (int64, error) {
	return ident.Decode(ident.ID(id), ident.KindRealm)
}

const (
	maxNameLen    = 256
	maxSegmentLen = 64
)

var segmentPattern = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N}._~-]*$`)

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalidInput("realm name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return "", invalidInput("realm name is longer than %d characters", maxNameLen)
	}
	return name, nil
}

func validSegment(segment string) error {
	if utf8.RuneCountInString(segment) > maxSegmentLen {
		return invalidInput("path segment is longer than %d characters", maxSegmentLen)
	}
	if !segmentPattern.MatchString(segment) {
		return invalidInput("path segment %q must start with a letter or digit and contain only letters, digits and . _ ~ -", segment)
	}
	return nil
}
