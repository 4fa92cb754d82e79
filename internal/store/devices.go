package store

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/pkg/errors"
)

// PairedDevice is this device's record of a pairing relationship.
// Each side of a pairing stores its own copy; there is no shared ledger.
type PairedDevice struct {
	PublicKey  string     `json:"publicKey"`
	DeviceName string     `json:"deviceName"`
	PairedAt   time.Time  `json:"pairedAt"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
}

// UpsertPairedDevice records a pairing. Re-pairing an existing device
// refreshes its name and pairing time and keeps last_seen.
func (db *DB) UpsertPairedDevice(ctx context.Context, dev PairedDevice) error {
	if dev.PublicKey == "" {
		return errors.New("paired device public key cannot be empty")
	}

	var lastSeen sql.NullString
	if dev.LastSeen != nil {
		lastSeen = sql.NullString{String: formatTime(*dev.LastSeen), Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO paired_devices (public_key, device_name, paired_at, last_seen)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(public_key) DO UPDATE SET
		device_name = excluded.device_name,
		paired_at = excluded.paired_at
	`, dev.PublicKey, dev.DeviceName, formatTime(dev.PairedAt), lastSeen)
	return classify(err, "upserting paired device "+dev.PublicKey)
}

// ListPairedDevices returns every paired device, oldest pairing first.
func (db *DB) ListPairedDevices(ctx context.Context) ([]PairedDevice, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT public_key, device_name, paired_at, last_seen
	FROM paired_devices
	ORDER BY paired_at, public_key
	`)
	if err != nil {
		return nil, errors.Wrap(err, "querying paired devices")
	}
	defer rows.Close()

	var devices []PairedDevice
	for rows.Next() {
		dev, err := scanPairedDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, errors.Wrap(rows.Err(), "iterating paired devices")
}

// GetPairedDevice returns one paired device, or ErrNotFound.
func (db *DB) GetPairedDevice(ctx context.Context, publicKey string) (*PairedDevice, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT public_key, device_name, paired_at, last_seen
	FROM paired_devices WHERE public_key = ?
	`, publicKey)
	dev, err := scanPairedDevice(row)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return dev, err
}

// IsPaired reports whether publicKey is in the paired-device list.
func (db *DB) IsPaired(ctx context.Context, publicKey string) (bool, error) {
	_, err := db.GetPairedDevice(ctx, publicKey)
	if stderrs.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RemovePairedDevice deletes a pairing. Returns false if it did not exist.
func (db *DB) RemovePairedDevice(ctx context.Context, publicKey string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM paired_devices WHERE public_key = ?`, publicKey)
	if err != nil {
		return false, classify(err, "removing paired device "+publicKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "counting removed rows")
	}
	return n > 0, nil
}

// TouchLastSeen records contact with a paired device.
func (db *DB) TouchLastSeen(ctx context.Context, publicKey string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	UPDATE paired_devices SET last_seen = ? WHERE public_key = ?
	`, formatTime(at), publicKey)
	return classify(err, "updating last_seen for "+publicKey)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairedDevice(row rowScanner) (*PairedDevice, error) {
	var (
		dev      PairedDevice
		pairedAt string
		lastSeen sql.NullString
	)
	if err := row.Scan(&dev.PublicKey, &dev.DeviceName, &pairedAt, &lastSeen); err != nil {
		if stderrs.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scanning paired device")
	}

	var err error
	dev.PairedAt, err = parseTime(pairedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parsing paired_at")
	}
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, errors.Wrap(err, "parsing last_seen")
		}
		dev.LastSeen = &t
	}
	return &dev, nil
}
