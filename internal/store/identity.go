package store

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/pkg/errors"
)

// IdentityRecord is the persisted device identity.
type IdentityRecord struct {
	PublicKey  []byte
	PrivateKey []byte
	DeviceName string
	CreatedAt  time.Time
}

// GetIdentity returns the stored identity, or ErrNotFound.
func (db *DB) GetIdentity(ctx context.Context) (*IdentityRecord, error) {
	var (
		rec       IdentityRecord
		createdAt string
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT public_key, private_key, device_name, created_at FROM identity WHERE id = 1
	`).Scan(&rec.PublicKey, &rec.PrivateKey, &rec.DeviceName, &createdAt)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading identity")
	}

	rec.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "parsing identity created_at")
	}
	return &rec, nil
}

// InsertIdentityIfAbsent stores rec unless an identity already exists, and
// returns whichever identity is stored afterwards. Two processes racing to
// create an identity therefore both end up with the same one.
func (db *DB) InsertIdentityIfAbsent(ctx context.Context, rec *IdentityRecord) (*IdentityRecord, error) {
	_, err := db.conn.ExecContext(ctx, `
	INSERT OR IGNORE INTO identity (id, public_key, private_key, device_name, created_at)
	VALUES (1, ?, ?, ?, ?)
	`, rec.PublicKey, rec.PrivateKey, rec.DeviceName, formatTime(rec.CreatedAt))
	if err != nil {
		return nil, classify(err, "inserting identity")
	}
	return db.GetIdentity(ctx)
}

// UpdateDeviceName changes the stored display name.
func (db *DB) UpdateDeviceName(ctx context.Context, name string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE identity SET device_name = ? WHERE id = 1`, name)
	if err != nil {
		return classify(err, "updating device name")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting updated rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
