// Package store provides the embedded SQLite persistence for a plotsync device.
//
// One database file per device holds:
//   - identity: the single device identity record (keypair + display name)
//   - paired_devices: the local view of every pairing relationship
//   - doc_entries: the replicated document, one row per document key
//   - legacy_snapshot: the flat pre-CRDT snapshot, read once by migration
//   - meta: small key/value bookkeeping
//
// The database runs in WAL mode so the daemon and short-lived CLI processes
// can read and write concurrently. Writers that change replicated state call
// NotifyChanged so other processes sharing the data directory pick the change up.
package store

import (
	"context"
	"database/sql"
	stderrs "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pkg/errors"

	"github.com/plotsync/plotsync/internal/syncerr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = stderrs.New("record not found")

// SchemaVersion is recorded in meta and checked by Ready.
const SchemaVersion = "1"

// ChangeMarkerName is the file touched in the data directory after each commit.
const ChangeMarkerName = "changed"

// DB wraps the SQLite connection for one device.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode and its schema is created if missing.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dataDir, "plotsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}

	conn, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "applying %q", p)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Dir returns the data directory that holds the database.
func (db *DB) Dir() string {
	return filepath.Dir(db.path)
}

// Close checkpoints the WAL and closes the connection. Safe to call twice.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return errors.Wrap(err, "closing database")
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		public_key BLOB NOT NULL,
		private_key BLOB NOT NULL,
		device_name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS paired_devices (
		public_key TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		paired_at TEXT NOT NULL,
		last_seen TEXT
	);

	CREATE TABLE IF NOT EXISTS doc_entries (
		key TEXT PRIMARY KEY,
		node BLOB NOT NULL,
		wall INTEGER NOT NULL,
		counter INTEGER NOT NULL,
		actor TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS legacy_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_paired_devices_paired_at ON paired_devices(paired_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "initializing schema")
	}

	return db.SetMeta(ctx, "schema_version", SchemaVersion)
}

// Ready reports whether the database is in a consistent, usable state:
// the integrity check passes and the schema version is the one we write.
func (db *DB) Ready(ctx context.Context) error {
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "running quick_check")
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}

	version, err := db.GetMeta(ctx, "schema_version")
	if err != nil {
		return errors.Wrap(err, "reading schema version")
	}
	if version != SchemaVersion {
		return fmt.Errorf("unexpected schema version %q (want %q)", version, SchemaVersion)
	}
	return nil
}

// GetMeta returns a bookkeeping value, or ErrNotFound.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if stderrs.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading meta %s", key)
	}
	return value, nil
}

// SetMeta stores a bookkeeping value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return classify(err, "writing meta "+key)
}

// ChangeMarkerPath is the file other processes watch for external changes.
func (db *DB) ChangeMarkerPath() string {
	return filepath.Join(db.Dir(), ChangeMarkerName)
}

// NotifyChanged touches the change marker so other local sessions sharing
// this data directory reload.
func (db *DB) NotifyChanged() error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := os.WriteFile(db.ChangeMarkerPath(), stamp, 0o600); err != nil {
		return errors.Wrap(err, "touching change marker")
	}
	return nil
}

// classify wraps a write error, mapping "disk full" to syncerr.ErrQuotaExceeded.
func classify(err error, action string) error {
	if err == nil {
		return nil
	}
	if stderrs.Is(err, sqlite3.FULL) {
		return errors.Wrapf(syncerr.ErrQuotaExceeded, "%s: %v", action, err)
	}
	return errors.Wrap(err, action)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
