// Package migrate moves data between the legacy whole-snapshot format and
// the replicated document, and reads and writes backup files.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plotsync/plotsync/internal/crdt"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// Options controls a legacy migration.
type Options struct {
	DryRun bool // Report what would be written without touching the document
}

// Result describes a legacy migration.
type Result struct {
	Migrated bool       // The document was populated from the legacy snapshot
	Skipped  string     // Why nothing was written, if nothing was
	Fields   int        // Top-level fields carried over
	Delta    crdt.Delta // Entries written, to be persisted by the caller
}

// Skip reasons.
const (
	SkipPopulated = "document already populated"
	SkipNoLegacy  = "no legacy snapshot"
)

// FromLegacy populates an empty document from a legacy snapshot. When the
// document holds any entry, tombstones included, it performs zero writes, so
// running it again after a successful migration is harmless. Every top-level field of
// the snapshot maps to the same path in the document.
func FromLegacy(ctx context.Context, doc *crdt.Document, legacy []byte, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if doc.Len() > 0 {
		return &Result{Skipped: SkipPopulated}, nil
	}
	if len(legacy) == 0 {
		return &Result{Skipped: SkipNoLegacy}, nil
	}

	snap, err := ParseSnapshot(legacy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse legacy snapshot: %w", err)
	}

	result := &Result{Fields: len(snap)}
	if opts.DryRun {
		return result, nil
	}

	delta, err := doc.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to write legacy snapshot: %w", err)
	}
	result.Migrated = true
	result.Delta = delta
	return result, nil
}

// ParseSnapshot decodes a snapshot. Backup files are accepted too; their
// export envelope fields are dropped.
func ParseSnapshot(data []byte) (crdt.Snapshot, error) {
	var snap map[string]any
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrCorruptedSnapshot, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot is not an object", syncerr.ErrCorruptedSnapshot)
	}
	delete(snap, fieldExportedAt)
	delete(snap, fieldExportVersion)
	return snap, nil
}
