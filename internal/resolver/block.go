package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/ident"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/graph-gophers/graphql-go"
)

// Block is a text block of a realm's page.
type Block struct {
	id    int64
	realm int64
	index int32
	title sql.NullString
	body  string
	c     *reqctx.Context
}

const blockColumns = "id, realm, idx, title, body"

func scanBlock(c *reqctx.Context, row interface{ Scan(...any) error }) (*Block, error) {
	b := Block{c: c}
	if err := row.Scan(&b.id, &b.realm, &b.index, &b.title, &b.body); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Block) ID() graphql.ID { return blockID(b.id) }
func (b *Block) Index() int32   { return b.index }
func (b *Block) Body() string   { return b.body }

func (b *Block) Title() *string {
	if !b.title.Valid {
		return nil
	}
	return &b.title.String
}

func (b *Block) Realm() *Realm {
	n, ok := b.c.Tree().Get(b.realm)
	if !ok {
		return nil
	}
	return newRealm(b.c, n)
}

var realmBlocks = Func[int64, []*Block](func(ctx context.Context, c *reqctx.Context, realmKey int64) ([]*Block, error) {
	var blocks []*Block
	err := c.Do(func(conn *db.Lease) error {
		rows, err := conn.Query(ctx, "SELECT "+blockColumns+" FROM blocks WHERE realm = ? ORDER BY idx, id", realmKey)
		if err != nil {
			return fmt.Errorf("query blocks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			b, err := scanBlock(c, rows)
			if err != nil {
				return fmt.Errorf("scan block: %w", err)
			}
			blocks = append(blocks, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if blocks == nil {
		blocks = []*Block{}
	}
	return blocks, nil
})

func loadBlock(ctx context.Context, c *reqctx.Context, key int64) (*Block, error) {
	var b *Block
	err := c.Do(func(conn *db.Lease) error {
		var err error
		b, err = scanBlock(c, conn.QueryRow(ctx, "SELECT "+blockColumns+" FROM blocks WHERE id = ?", key))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("block", blockID(key))
		}
		return err
	})
	return b, err
}

func blockID(key int64) graphql.ID {
	return graphql.ID(ident.Encode(ident.KindBlock, key))
}

func decodeBlock(id graphql.ID) (int64, error) {
	return ident.Decode(ident.ID(id), ident.KindBlock)
}
