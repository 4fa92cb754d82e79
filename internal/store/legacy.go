package store

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/pkg/errors"
)

// LegacySnapshot is the flat, pre-CRDT copy of the domain data.
type LegacySnapshot struct {
	Data      []byte
	UpdatedAt time.Time
}

// GetLegacySnapshot returns the legacy snapshot, or ErrNotFound.
func (db *DB) GetLegacySnapshot(ctx context.Context) (*LegacySnapshot, error) {
	var (
		snap      LegacySnapshot
		data      string
		updatedAt string
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT data, updated_at FROM legacy_snapshot WHERE id = 1
	`).Scan(&data, &updatedAt)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading legacy snapshot")
	}

	snap.Data = []byte(data)
	snap.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parsing legacy updated_at")
	}
	return &snap, nil
}

// PutLegacySnapshot replaces the legacy snapshot.
func (db *DB) PutLegacySnapshot(ctx context.Context, data []byte, updatedAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO legacy_snapshot (id, data, updated_at) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), formatTime(updatedAt))
	return classify(err, "writing legacy snapshot")
}
