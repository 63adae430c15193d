package db

import (
	"context"
	"fmt"
)

// RootRealmID is the key of the realm seeded by Migrate. It has no parent.
const RootRealmID int64 = 0

var schema = map[Dialect][]string{
	Postgres: {
		`CREATE TABLE IF NOT EXISTS realms (
			id bigint PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY,
			parent bigint REFERENCES realms (id) ON DELETE CASCADE,
			name text NOT NULL,
			path_segment text NOT NULL,
			idx integer NOT NULL DEFAULT 0,
			CONSTRAINT realms_sibling_path UNIQUE (parent, path_segment)
		)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id bigint PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY,
			realm bigint NOT NULL REFERENCES realms (id) ON DELETE CASCADE,
			idx integer NOT NULL DEFAULT 0,
			title text,
			body text NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS blocks_realm ON blocks (realm)`,
	},
	SQLite: {
		`CREATE TABLE IF NOT EXISTS realms (
			id INTEGER PRIMARY KEY,
			parent INTEGER REFERENCES realms (id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			path_segment TEXT NOT NULL,
			idx INTEGER NOT NULL DEFAULT 0,
			UNIQUE (parent, path_segment)
		)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id INTEGER PRIMARY KEY,
			realm INTEGER NOT NULL REFERENCES realms (id) ON DELETE CASCADE,
			idx INTEGER NOT NULL DEFAULT 0,
			title TEXT,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS blocks_realm ON blocks (realm)`,
	},
}

// Migrate creates the tables this service reads and seeds the root realm.
// It is idempotent.
func Migrate(ctx context.Context, p *Pool) error {
	lease, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return lease.InTx(ctx, func(tx *Tx) error {
		for i, stmt := range schema[p.dialect] {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate step %d: %w", i, err)
			}
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO realms (id, parent, name, path_segment, idx) VALUES (?, NULL, '', '', 0) ON CONFLICT DO NOTHING",
			RootRealmID)
		if err != nil {
			return fmt.Errorf("seed root realm: %w", err)
		}
		return nil
	})
}
