package resolver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/db/dbtest"
	"github.com/agentic-research/portal/internal/ident"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/agentic-research/portal/internal/resolver"
	"github.com/graph-gophers/graphql-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t       *testing.T
	pool    *db.Pool
	trees   *realm.Holder
	factory *reqctx.Factory
	schema  *graphql.Schema
}

// newEnv serves this tree:
//
//	/            0
//	/events      2  idx 0
//	/lectures    1  idx 1
//	/lectures/physics  3
//	/lectures/math     4
func newEnv(t *testing.T) *env {
	t.Helper()
	p := dbtest.Open(t, 4)
	dbtest.Seed(t, p,
		dbtest.Realm{ID: 1, Parent: db.RootRealmID, Name: "Lectures", Segment: "lectures", Index: 1},
		dbtest.Realm{ID: 2, Parent: db.RootRealmID, Name: "Events", Segment: "events", Index: 0},
		dbtest.Realm{ID: 3, Parent: 1, Name: "Physics", Segment: "physics", Index: 0},
		dbtest.Realm{ID: 4, Parent: 1, Name: "Math", Segment: "math", Index: 1},
	)
	trees := realm.NewHolder(realm.PoolLoader(p), nil, zerolog.Nop())
	_, err := trees.Reload(context.Background())
	require.NoError(t, err)

	schema, err := resolver.NewSchema()
	require.NoError(t, err)
	return &env{
		t:       t,
		pool:    p,
		trees:   trees,
		factory: reqctx.NewFactory(p, trees, zerolog.Nop()),
		schema:  schema,
	}
}

// exec runs one document in its own request Context and decodes the data
// into out, if given.
func (e *env) exec(query string, out any) *graphql.Response {
	e.t.Helper()
	var resp *graphql.Response
	err := e.factory.Run(context.Background(), func(ctx context.Context, _ *reqctx.Context) error {
		resp = e.schema.Exec(ctx, query, "", nil)
		return nil
	})
	require.NoError(e.t, err)
	if out != nil && len(resp.Errors) == 0 {
		require.NoError(e.t, json.Unmarshal(resp.Data, out))
	}
	return resp
}

func (e *env) mustExec(query string, out any) {
	e.t.Helper()
	resp := e.exec(query, out)
	require.Empty(e.t, resp.Errors)
}

func errorCode(t *testing.T, resp *graphql.Response) string {
	t.Helper()
	require.NotEmpty(t, resp.Errors)
	code, _ := resp.Errors[0].Extensions["code"].(string)
	return code
}

func rid(key int64) string { return string(ident.Encode(ident.KindRealm, key)) }

type realmJSON struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	PathSegment string      `json:"pathSegment"`
	Path        string      `json:"path"`
	Index       int         `json:"index"`
	IsRoot      bool        `json:"isRoot"`
	Parent      *realmJSON  `json:"parent"`
	Children    []realmJSON `json:"children"`
	Ancestors   []realmJSON `json:"ancestors"`
	Blocks      []blockJSON `json:"blocks"`
}

type blockJSON struct {
	ID    string     `json:"id"`
	Index int        `json:"index"`
	Title *string    `json:"title"`
	Body  string     `json:"body"`
	Realm *realmJSON `json:"realm"`
}

func paths(rs []realmJSON) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Path
	}
	return out
}

func TestQuery_RootRealm(t *testing.T) {
	e := newEnv(t)
	var data struct {
		APIVersion string    `json:"apiVersion"`
		RootRealm  realmJSON `json:"rootRealm"`
	}
	e.mustExec(`{ apiVersion rootRealm { id path isRoot parent { id } children { path index } } }`, &data)

	assert.Equal(t, "v1", data.APIVersion)
	assert.Equal(t, rid(db.RootRealmID), data.RootRealm.ID)
	assert.Equal(t, "/", data.RootRealm.Path)
	assert.True(t, data.RootRealm.IsRoot)
	assert.Nil(t, data.RootRealm.Parent)
	assert.Equal(t, []string{"/events", "/lectures"}, paths(data.RootRealm.Children))
}

func TestQuery_RealmByPath(t *testing.T) {
	e := newEnv(t)
	var data struct {
		RealmByPath *realmJSON `json:"realmByPath"`
		Missing     *realmJSON `json:"missing"`
	}
	e.mustExec(`{
		realmByPath(path: "/lectures/physics") { name pathSegment parent { name } ancestors { path } }
		missing: realmByPath(path: "/lectures/chemistry") { id }
	}`, &data)

	require.NotNil(t, data.RealmByPath)
	assert.Equal(t, "Physics", data.RealmByPath.Name)
	assert.Equal(t, "physics", data.RealmByPath.PathSegment)
	assert.Equal(t, "Lectures", data.RealmByPath.Parent.Name)
	assert.Equal(t, []string{"/", "/lectures"}, paths(data.RealmByPath.Ancestors))
	assert.Nil(t, data.Missing)
}

func TestQuery_RealmByID(t *testing.T) {
	e := newEnv(t)
	var data struct {
		Realm *realmJSON `json:"realm"`
	}
	e.mustExec(fmt.Sprintf(`{ realm(id: %q) { path } }`, rid(4)), &data)
	require.NotNil(t, data.Realm)
	assert.Equal(t, "/lectures/math", data.Realm.Path)

	e.mustExec(fmt.Sprintf(`{ realm(id: %q) { path } }`, rid(99)), &data)
	assert.Nil(t, data.Realm)
}

func TestQuery_InvalidIDs(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		id   string
	}{
		{"garbage", "not-an-id"},
		{"empty", ""},
		{"block id for realm", string(ident.Encode(ident.KindBlock, 1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.exec(fmt.Sprintf(`{ realm(id: %q) { id } }`, tt.id), nil)
			assert.Equal(t, resolver.CodeInvalidID, errorCode(t, resp))
		})
	}
}

func TestQuery_WithoutContext(t *testing.T) {
	e := newEnv(t)
	resp := e.schema.Exec(context.Background(), `{ rootRealm { id } }`, "", nil)
	assert.Equal(t, resolver.CodeInternal, errorCode(t, resp))
}

func TestMutation_AddRealmVisibleToNextRequest(t *testing.T) {
	e := newEnv(t)

	var data struct {
		AddRealm struct {
			ID          string  `json:"id"`
			Parent      *string `json:"parent"`
			Name        string  `json:"name"`
			PathSegment string  `json:"pathSegment"`
			Index       int     `json:"index"`
		} `json:"addRealm"`
	}
	err := e.factory.Run(context.Background(), func(ctx context.Context, c *reqctx.Context) error {
		resp := e.schema.Exec(ctx, fmt.Sprintf(`mutation {
			addRealm(realm: { parent: %q, name: " Chemistry ", pathSegment: "chemistry" }) {
				id parent name pathSegment index
			}
		}`, rid(1)), "", nil)
		require.Empty(t, resp.Errors)
		require.NoError(t, json.Unmarshal(resp.Data, &data))

		// The mutating request keeps its snapshot.
		_, err := c.RealmByPath("/lectures/chemistry")
		assert.ErrorIs(t, err, realm.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Chemistry", data.AddRealm.Name)
	assert.Equal(t, 2, data.AddRealm.Index, "appended after physics and math")
	require.NotNil(t, data.AddRealm.Parent)
	assert.Equal(t, rid(1), *data.AddRealm.Parent)

	var q struct {
		RealmByPath *realmJSON `json:"realmByPath"`
	}
	e.mustExec(`{ realmByPath(path: "/lectures/chemistry") { id name } }`, &q)
	require.NotNil(t, q.RealmByPath)
	assert.Equal(t, data.AddRealm.ID, q.RealmByPath.ID)
}

func TestMutation_AddRealmRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name    string
		parent  string
		segment string
		code    string
	}{
		{"duplicate segment", rid(1), "physics", resolver.CodeInvalidInput},
		{"slash in segment", rid(1), "a/b", resolver.CodeInvalidInput},
		{"empty segment", rid(1), "", resolver.CodeInvalidInput},
		{"unknown parent", rid(99), "x", resolver.CodeNotFound},
		{"bad parent id", "xx", "x", resolver.CodeInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.exec(fmt.Sprintf(`mutation {
				addRealm(realm: { parent: %q, name: "X", pathSegment: %q }) { id }
			}`, tt.parent, tt.segment), nil)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

func TestMutation_RenameRealm(t *testing.T) {
	e := newEnv(t)
	e.mustExec(fmt.Sprintf(`mutation { renameRealm(id: %q, name: "Maths") { name } }`, rid(4)), nil)

	var q struct {
		Realm realmJSON `json:"realm"`
	}
	e.mustExec(fmt.Sprintf(`{ realm(id: %q) { name path } }`, rid(4)), &q)
	assert.Equal(t, "Maths", q.Realm.Name)
	assert.Equal(t, "/lectures/math", q.Realm.Path)

	resp := e.exec(fmt.Sprintf(`mutation { renameRealm(id: %q, name: "   ") { name } }`, rid(4)), nil)
	assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp))
	resp = e.exec(fmt.Sprintf(`mutation { renameRealm(id: %q, name: "Y") { name } }`, rid(99)), nil)
	assert.Equal(t, resolver.CodeNotFound, errorCode(t, resp))
}

func TestMutation_MoveRealm(t *testing.T) {
	e := newEnv(t)

	t.Run("into own subtree", func(t *testing.T) {
		resp := e.exec(fmt.Sprintf(`mutation { moveRealm(id: %q, parent: %q) { id } }`, rid(1), rid(3)), nil)
		assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp))
	})
	t.Run("below itself", func(t *testing.T) {
		resp := e.exec(fmt.Sprintf(`mutation { moveRealm(id: %q, parent: %q) { id } }`, rid(1), rid(1)), nil)
		assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp))
	})
	t.Run("root", func(t *testing.T) {
		resp := e.exec(fmt.Sprintf(`mutation { moveRealm(id: %q, parent: %q) { id } }`, rid(0), rid(2)), nil)
		assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp))
	})
	t.Run("valid", func(t *testing.T) {
		e.mustExec(fmt.Sprintf(`mutation { moveRealm(id: %q, parent: %q, index: 0) { index } }`, rid(3), rid(2)), nil)

		var q struct {
			Realm realmJSON `json:"realm"`
		}
		e.mustExec(fmt.Sprintf(`{ realm(id: %q) { path ancestors { path } } }`, rid(3)), &q)
		assert.Equal(t, "/events/physics", q.Realm.Path)
		assert.Equal(t, []string{"/", "/events"}, paths(q.Realm.Ancestors))
	})
}

func TestMutation_SetChildOrder(t *testing.T) {
	e := newEnv(t)

	resp := e.exec(fmt.Sprintf(`mutation { setChildOrder(parent: %q, children: [%q]) { id } }`, rid(0), rid(1)), nil)
	assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp), "incomplete list")
	resp = e.exec(fmt.Sprintf(`mutation { setChildOrder(parent: %q, children: [%q, %q]) { id } }`, rid(0), rid(1), rid(1)), nil)
	assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp), "duplicate")

	var data struct {
		SetChildOrder []struct {
			ID    string `json:"id"`
			Index int    `json:"index"`
		} `json:"setChildOrder"`
	}
	e.mustExec(fmt.Sprintf(`mutation { setChildOrder(parent: %q, children: [%q, %q]) { id index } }`,
		rid(0), rid(1), rid(2)), &data)
	require.Len(t, data.SetChildOrder, 2)
	assert.Equal(t, 0, data.SetChildOrder[0].Index)

	var q struct {
		RootRealm realmJSON `json:"rootRealm"`
	}
	e.mustExec(`{ rootRealm { children { path } } }`, &q)
	assert.Equal(t, []string{"/lectures", "/events"}, paths(q.RootRealm.Children))
}

func TestMutation_RemoveRealm(t *testing.T) {
	e := newEnv(t)
	e.mustExec(fmt.Sprintf(`mutation { addTextBlock(realm: %q, body: "gone soon") { id } }`, rid(3)), nil)

	var data struct {
		RemoveRealm struct {
			Parent        string `json:"parent"`
			RemovedRealms int    `json:"removedRealms"`
		} `json:"removeRealm"`
	}
	e.mustExec(fmt.Sprintf(`mutation { removeRealm(id: %q) { parent removedRealms } }`, rid(1)), &data)
	assert.Equal(t, rid(0), data.RemoveRealm.Parent)
	assert.Equal(t, 3, data.RemoveRealm.RemovedRealms)

	var q struct {
		RealmByPath *realmJSON `json:"realmByPath"`
		RootRealm   realmJSON  `json:"rootRealm"`
	}
	e.mustExec(`{ realmByPath(path: "/lectures/physics") { id } rootRealm { children { path } } }`, &q)
	assert.Nil(t, q.RealmByPath)
	assert.Equal(t, []string{"/events"}, paths(q.RootRealm.Children))

	lease, err := e.pool.Get(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	var blocks int
	require.NoError(t, lease.QueryRow(context.Background(), "SELECT COUNT(*) FROM blocks").Scan(&blocks))
	assert.Zero(t, blocks)

	resp := e.exec(fmt.Sprintf(`mutation { removeRealm(id: %q) { parent } }`, rid(0)), nil)
	assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp))
}

func TestMutation_Blocks(t *testing.T) {
	e := newEnv(t)

	var added struct {
		AddTextBlock blockJSON `json:"addTextBlock"`
	}
	e.mustExec(fmt.Sprintf(`mutation { addTextBlock(realm: %q, title: "Intro", body: "hello") { id index title } }`, rid(3)), &added)
	assert.Equal(t, 0, added.AddTextBlock.Index)
	require.NotNil(t, added.AddTextBlock.Title)
	assert.Equal(t, "Intro", *added.AddTextBlock.Title)
	e.mustExec(fmt.Sprintf(`mutation { addTextBlock(realm: %q, body: "world") { id } }`, rid(3)), nil)

	var q struct {
		Realm realmJSON  `json:"realm"`
		Block *blockJSON `json:"block"`
	}
	e.mustExec(fmt.Sprintf(`{
		realm(id: %q) { blocks { index title body } }
		block(id: %q) { body realm { path } }
	}`, rid(3), added.AddTextBlock.ID), &q)
	require.Len(t, q.Realm.Blocks, 2)
	assert.Equal(t, "hello", q.Realm.Blocks[0].Body)
	assert.Nil(t, q.Realm.Blocks[1].Title)
	require.NotNil(t, q.Block)
	assert.Equal(t, "/lectures/physics", q.Block.Realm.Path)

	e.mustExec(fmt.Sprintf(`mutation { removeBlock(id: %q) }`, added.AddTextBlock.ID), nil)
	resp := e.exec(fmt.Sprintf(`mutation { removeBlock(id: %q) }`, added.AddTextBlock.ID), nil)
	assert.Equal(t, resolver.CodeNotFound, errorCode(t, resp))

	e.mustExec(fmt.Sprintf(`{ block(id: %q) { id } }`, added.AddTextBlock.ID), &q)
	assert.Nil(t, q.Block)

	resp = e.exec(fmt.Sprintf(`mutation { addTextBlock(realm: %q, body: " ") { id } }`, rid(3)), nil)
	assert.Equal(t, resolver.CodeInvalidInput, errorCode(t, resp))
}

func TestMutation_ReleasesLeaseOnError(t *testing.T) {
	e := newEnv(t)
	resp := e.exec(fmt.Sprintf(`mutation { moveRealm(id: %q, parent: %q) { id } }`, rid(1), rid(3)), nil)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, 0, e.pool.Stats().InUse)
}

type treeStatus struct {
	RealmTree struct {
		PinnedGeneration  int  `json:"pinnedGeneration"`
		CurrentGeneration int  `json:"currentGeneration"`
		Stale             bool `json:"stale"`
		RealmCount        int  `json:"realmCount"`
	} `json:"realmTree"`
}

func nextStatus(t *testing.T, events <-chan any) treeStatus {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		resp := ev.(*graphql.Response)
		require.Empty(t, resp.Errors)
		var s treeStatus
		require.NoError(t, json.Unmarshal(resp.Data, &s))
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return treeStatus{}
	}
}

func TestSubscription_RealmTree(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := e.factory.New(ctx)
	require.NoError(t, err)
	events, err := e.schema.Subscribe(reqctx.With(ctx, c), `subscription {
		realmTree { pinnedGeneration currentGeneration stale realmCount }
	}`, "", nil)
	require.NoError(t, err)

	first := nextStatus(t, events)
	assert.False(t, first.RealmTree.Stale)
	assert.Equal(t, 5, first.RealmTree.RealmCount)
	c.Release()

	e.mustExec(fmt.Sprintf(`mutation { addRealm(realm: { parent: %q, name: "News", pathSegment: "news" }) { id } }`, rid(0)), nil)
	_, err = e.trees.Fresh(ctx)
	require.NoError(t, err)

	second := nextStatus(t, events)
	assert.True(t, second.RealmTree.Stale)
	assert.Equal(t, first.RealmTree.PinnedGeneration, second.RealmTree.PinnedGeneration)
	assert.Greater(t, second.RealmTree.CurrentGeneration, first.RealmTree.CurrentGeneration)
	assert.Equal(t, 6, second.RealmTree.RealmCount)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
