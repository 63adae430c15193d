package realm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentic-research/portal/internal/db"
)

const loadQuery = "SELECT id, parent, name, path_segment, idx FROM realms"

// Querier is the part of a database lease Load needs.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load reads every realm in one query and builds a snapshot from them.
func Load(ctx context.Context, q Querier, generation uint64) (*Tree, error) {
	rows, err := q.Query(ctx, loadQuery)
	if err != nil {
		return nil, fmt.Errorf("query realms: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Row
	for rows.Next() {
		var (
			r      Row
			parent sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &parent, &r.Name, &r.PathSegment, &r.Index); err != nil {
			return nil, fmt.Errorf("scan realm: %w", err)
		}
		if parent.Valid {
			p := parent.Int64
			r.Parent = &p
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate realms: %w", err)
	}

	t, err := Build(out, generation)
	if err != nil {
		return nil, fmt.Errorf("build realm tree: %w", err)
	}
	return t, nil
}

// PoolLoader returns a LoadFunc that checks out its own connection from p
// for every load.
func PoolLoader(p *db.Pool) LoadFunc {
	return func(ctx context.Context, generation uint64) (*Tree, error) {
		lease, err := p.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("load realm tree: %w", err)
		}
		defer lease.Release()
		return Load(ctx, lease, generation)
	}
}
