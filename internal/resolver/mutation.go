package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/graph-gophers/graphql-go"
)

// Mutation writes to the database. Structural changes commit first and then
// schedule a tree rebuild: the request that made them keeps its snapshot,
// the next request sees the new tree. The returned records come from the
// written rows for that reason.
type Mutation struct{}

type newRealmInput struct {
	Parent      graphql.ID
	Name        string
	PathSegment string
	Index       *int32
}

type addRealmArgs struct {
	Realm newRealmInput
}

type renameRealmArgs struct {
	ID   graphql.ID
	Name string
}

type moveRealmArgs struct {
	ID     graphql.ID
	Parent graphql.ID
	Index  *int32
}

type setChildOrderArgs struct {
	Parent   graphql.ID
	Children []graphql.ID
}

type addTextBlockArgs struct {
	Realm graphql.ID
	Title *string
	Body  string
}

// RemovedRealm reports a removeRealm.
type RemovedRealm struct {
	id      int64
	parent  int64
	removed int32
}

func (r *RemovedRealm) ID() graphql.ID       { return realmID(r.id) }
func (r *RemovedRealm) Parent() graphql.ID   { return realmID(r.parent) }
func (r *RemovedRealm) RemovedRealms() int32 { return r.removed }

var (
	addRealm = Func[addRealmArgs, *RealmRecord](func(ctx context.Context, c *reqctx.Context, in addRealmArgs) (*RealmRecord, error) {
		parent, err := decodeRealm(in.Realm.Parent)
		if err != nil {
			return nil, err
		}
		name, err := validName(in.Realm.Name)
		if err != nil {
			return nil, err
		}
		if err := validSegment(in.Realm.PathSegment); err != nil {
			return nil, err
		}

		var rec *RealmRecord
		err = c.Tx(ctx, func(tx *db.Tx) error {
			if _, err := parentOf(ctx, tx, parent); err != nil {
				return err
			}
			idx, err := childIndex(ctx, tx, parent, in.Realm.Index)
			if err != nil {
				return err
			}
			rec, err = scanRealmRecord(tx.QueryRow(ctx,
				"INSERT INTO realms (parent, name, path_segment, idx) VALUES (?, ?, ?, ?) RETURNING "+realmColumns,
				parent, name, in.Realm.PathSegment, idx))
			return segmentConflict(err, in.Realm.PathSegment)
		})
		if err != nil {
			return nil, err
		}
		c.ScheduleRebuild("addRealm")
		return rec, nil
	})

	renameRealm = Func[renameRealmArgs, *RealmRecord](func(ctx context.Context, c *reqctx.Context, in renameRealmArgs) (*RealmRecord, error) {
		key, err := decodeRealm(in.ID)
		if err != nil {
			return nil, err
		}
		name, err := validName(in.Name)
		if err != nil {
			return nil, err
		}

		var rec *RealmRecord
		err = c.Tx(ctx, func(tx *db.Tx) error {
			rec, err = scanRealmRecord(tx.QueryRow(ctx,
				"UPDATE realms SET name = ? WHERE id = ? RETURNING "+realmColumns, name, key))
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("realm", in.ID)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		c.ScheduleRebuild("renameRealm")
		return rec, nil
	})

	moveRealm = Func[moveRealmArgs, *RealmRecord](func(ctx context.Context, c *reqctx.Context, in moveRealmArgs) (*RealmRecord, error) {
		key, err := decodeRealm(in.ID)
		if err != nil {
			return nil, err
		}
		parent, err := decodeRealm(in.Parent)
		if err != nil {
			return nil, err
		}

		var rec *RealmRecord
		err = c.Tx(ctx, func(tx *db.Tx) error {
			current, err := parentOf(ctx, tx, key)
			if err != nil {
				return err
			}
			if !current.Valid {
				return invalidInput("the root realm cannot be moved")
			}
			if _, err := parentOf(ctx, tx, parent); err != nil {
				return err
			}
			var cycle bool
			if err := tx.QueryRow(ctx, ancestorOrSelfQuery, parent, key).Scan(&cycle); err != nil {
				return fmt.Errorf("check ancestors: %w", err)
			}
			if cycle {
				return invalidInput("cannot move realm %s into its own subtree", in.ID)
			}
			idx, err := childIndex(ctx, tx, parent, in.Index)
			if err != nil {
				return err
			}
			rec, err = scanRealmRecord(tx.QueryRow(ctx,
				"UPDATE realms SET parent = ?, idx = ? WHERE id = ? RETURNING "+realmColumns, parent, idx, key))
			return segmentConflict(err, "")
		})
		if err != nil {
			return nil, err
		}
		c.ScheduleRebuild("moveRealm")
		return rec, nil
	})

	setChildOrder = Func[setChildOrderArgs, []*RealmRecord](func(ctx context.Context, c *reqctx.Context, in setChildOrderArgs) ([]*RealmRecord, error) {
		parent, err := decodeRealm(in.Parent)
		if err != nil {
			return nil, err
		}
		order := make([]int64, len(in.Children))
		seen := make(map[int64]bool, len(in.Children))
		for i, id := range in.Children {
			key, err := decodeRealm(id)
			if err != nil {
				return nil, err
			}
			if seen[key] {
				return nil, invalidInput("realm %s is listed twice", id)
			}
			seen[key] = true
			order[i] = key
		}

		recs := make([]*RealmRecord, 0, len(order))
		err = c.Tx(ctx, func(tx *db.Tx) error {
			if _, err := parentOf(ctx, tx, parent); err != nil {
				return err
			}
			children, err := childIDs(ctx, tx, parent)
			if err != nil {
				return err
			}
			if len(children) != len(order) {
				return invalidInput("children must list all %d children of the parent exactly once", len(children))
			}
			for _, id := range children {
				if !seen[id] {
					return invalidInput("children must list all %d children of the parent exactly once", len(children))
				}
			}
			for i, key := range order {
				rec, err := scanRealmRecord(tx.QueryRow(ctx,
					"UPDATE realms SET idx = ? WHERE id = ? RETURNING "+realmColumns, i, key))
				if err != nil {
					return fmt.Errorf("reorder realm %d: %w", key, err)
				}
				recs = append(recs, rec)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.ScheduleRebuild("setChildOrder")
		return recs, nil
	})

	removeRealm = Func[idArgs, *RemovedRealm](func(ctx context.Context, c *reqctx.Context, in idArgs) (*RemovedRealm, error) {
		key, err := decodeRealm(in.ID)
		if err != nil {
			return nil, err
		}

		out := &RemovedRealm{id: key}
		err = c.Tx(ctx, func(tx *db.Tx) error {
			parent, err := parentOf(ctx, tx, key)
			if err != nil {
				return err
			}
			if !parent.Valid {
				return invalidInput("the root realm cannot be removed")
			}
			out.parent = parent.Int64
			if err := tx.QueryRow(ctx, subtreeSizeQuery, key).Scan(&out.removed); err != nil {
				return fmt.Errorf("count subtree: %w", err)
			}
			if _, err := tx.Exec(ctx, "DELETE FROM realms WHERE id = ?", key); err != nil {
				return fmt.Errorf("delete realm: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.ScheduleRebuild("removeRealm")
		return out, nil
	})

	addTextBlock = Func[addTextBlockArgs, *Block](func(ctx context.Context, c *reqctx.Context, in addTextBlockArgs) (*Block, error) {
		key, err := decodeRealm(in.Realm)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.Body) == "" {
			return nil, invalidInput("block body must not be empty")
		}

		var b *Block
		err = c.Tx(ctx, func(tx *db.Tx) error {
			if _, err := parentOf(ctx, tx, key); err != nil {
				return err
			}
			var idx int32
			if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(idx) + 1, 0) FROM blocks WHERE realm = ?", key).Scan(&idx); err != nil {
				return fmt.Errorf("next block index: %w", err)
			}
			b, err = scanBlock(c, tx.QueryRow(ctx,
				"INSERT INTO blocks (realm, idx, title, body) VALUES (?, ?, ?, ?) RETURNING "+blockColumns,
				key, idx, in.Title, in.Body))
			return err
		})
		return b, err
	})

	removeBlock = Func[idArgs, graphql.ID](func(ctx context.Context, c *reqctx.Context, in idArgs) (graphql.ID, error) {
		key, err := decodeBlock(in.ID)
		if err != nil {
			return "", err
		}
		err = c.Do(func(conn *db.Lease) error {
			res, err := conn.Exec(ctx, "DELETE FROM blocks WHERE id = ?", key)
			if err != nil {
				return fmt.Errorf("delete block: %w", err)
			}
			return deletedOne(res, "block", in.ID)
		})
		if err != nil {
			return "", err
		}
		return in.ID, nil
	})
)

// deletedOne maps a DELETE that matched no row to NOT_FOUND.
func deletedOne(res sql.Result, kind string, id graphql.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: rows affected: %w", kind, err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// ancestorOrSelfQuery reports whether the second realm is the first one or
// one of its ancestors. UNION stops on rows already seen, so a corrupt
// parent chain cannot loop.
const ancestorOrSelfQuery = `
WITH RECURSIVE chain (id, parent) AS (
	SELECT id, parent FROM realms WHERE id = ?
	UNION
	SELECT r.id, r.parent FROM realms r JOIN chain c ON r.id = c.parent
)
SELECT EXISTS (SELECT 1 FROM chain WHERE id = ?)`

const subtreeSizeQuery = `
WITH RECURSIVE sub (id) AS (
	SELECT id FROM realms WHERE id = ?
	UNION
	SELECT r.id FROM realms r JOIN sub s ON r.parent = s.id
)
SELECT COUNT(*) FROM sub`

// parentOf returns the parent column of realm key, or a not found error.
func parentOf(ctx context.Context, q db.Querier, key int64) (sql.NullInt64, error) {
	var parent sql.NullInt64
	err := q.QueryRow(ctx, "SELECT parent FROM realms WHERE id = ?", key).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return parent, notFound("realm", realmID(key))
	}
	if err != nil {
		return parent, fmt.Errorf("lookup realm %d: %w", key, err)
	}
	return parent, nil
}

// childIndex returns want, or the index after the last child of parent.
func childIndex(ctx context.Context, q db.Querier, parent int64, want *int32) (int32, error) {
	if want != nil {
		return *want, nil
	}
	var idx int32
	err := q.QueryRow(ctx, "SELECT COALESCE(MAX(idx) + 1, 0) FROM realms WHERE parent = ?", parent).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("next child index: %w", err)
	}
	return idx, nil
}

func childIDs(ctx context.Context, q db.Querier, parent int64) ([]int64, error) {
	rows, err := q.Query(ctx, "SELECT id FROM realms WHERE parent = ?", parent)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func segmentConflict(err error, segment string) error {
	if err == nil || !db.IsUniqueViolation(err) {
		return err
	}
	if segment == "" {
		return invalidInput("the new parent already has a child with this path segment")
	}
	return invalidInput("the parent already has a child with path segment %q", segment)
}

func (Mutation) AddRealm(ctx context.Context, args addRealmArgs) (*RealmRecord, error) {
	return dispatch(ctx, "addRealm", addRealm, args)
}

func (Mutation) RenameRealm(ctx context.Context, args renameRealmArgs) (*RealmRecord, error) {
	return dispatch(ctx, "renameRealm", renameRealm, args)
}

func (Mutation) MoveRealm(ctx context.Context, args moveRealmArgs) (*RealmRecord, error) {
	return dispatch(ctx, "moveRealm", moveRealm, args)
}

func (Mutation) SetChildOrder(ctx context.Context, args setChildOrderArgs) ([]*RealmRecord, error) {
	return dispatch(ctx, "setChildOrder", setChildOrder, args)
}

func (Mutation) RemoveRealm(ctx context.Context, args idArgs) (*RemovedRealm, error) {
	return dispatch(ctx, "removeRealm", removeRealm, args)
}

func (Mutation) AddTextBlock(ctx context.Context, args addTextBlockArgs) (*Block, error) {
	return dispatch(ctx, "addTextBlock", addTextBlock, args)
}

func (Mutation) RemoveBlock(ctx context.Context, args idArgs) (graphql.ID, error) {
	return dispatch(ctx, "removeBlock", removeBlock, args)
}
