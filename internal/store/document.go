package store

import (
	"context"

	"github.com/pkg/errors"
)

// EntryRow is the persisted form of one replicated document entry.
// The store does not interpret Node; it only compares clocks so that a
// stale write from another process never replaces a newer row.
type EntryRow struct {
	Key     string
	Node    []byte
	Wall    int64
	Counter uint32
	Actor   string
	Deleted bool
}

// LoadEntries returns every document entry ordered by key.
func (db *DB) LoadEntries(ctx context.Context) ([]EntryRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT key, node, wall, counter, actor, deleted FROM doc_entries ORDER BY key
	`)
	if err != nil {
		return nil, errors.Wrap(err, "querying document entries")
	}
	defer rows.Close()

	var entries []EntryRow
	for rows.Next() {
		var e EntryRow
		if err := rows.Scan(&e.Key, &e.Node, &e.Wall, &e.Counter, &e.Actor, &e.Deleted); err != nil {
			return nil, errors.Wrap(err, "scanning document entry")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "iterating document entries")
}

// SaveEntries writes a batch of entries in a single transaction. A row is
// replaced only when the incoming clock is newer than the stored one.
func (db *DB) SaveEntries(ctx context.Context, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO doc_entries (key, node, wall, counter, actor, deleted)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		node = excluded.node,
		wall = excluded.wall,
		counter = excluded.counter,
		actor = excluded.actor,
		deleted = excluded.deleted
	WHERE (excluded.wall, excluded.counter, excluded.actor) >
	      (doc_entries.wall, doc_entries.counter, doc_entries.actor)
	`)
	if err != nil {
		return errors.Wrap(err, "preparing entry upsert")
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Node, e.Wall, e.Counter, e.Actor, e.Deleted); err != nil {
			return classify(err, "writing entry "+e.Key)
		}
	}

	return classify(tx.Commit(), "committing entries")
}

// CountEntries returns the number of stored document entries.
func (db *DB) CountEntries(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_entries`).Scan(&n)
	return n, errors.Wrap(err, "counting document entries")
}
