package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/plotsync/plotsync/internal/crdt"
)

// ExportVersion is the backup format version written by WriteBackup.
const ExportVersion = 5

const (
	fieldExportedAt    = "exportedAt"
	fieldExportVersion = "exportVersion"
)

// Backup builds the backup file body for a snapshot.
func Backup(snap crdt.Snapshot, now time.Time) map[string]any {
	out := make(map[string]any, len(snap)+2)
	for k, v := range snap {
		out[k] = v
	}
	out[fieldExportedAt] = now.UTC().Format(time.RFC3339Nano)
	out[fieldExportVersion] = ExportVersion
	return out
}

// WriteBackup writes snap to path as an indented backup file.
func WriteBackup(path string, snap crdt.Snapshot, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	data, err := json.MarshalIndent(Backup(snap, now), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadBackup reads a backup file and returns the snapshot it carries.
func ReadBackup(path string) (crdt.Snapshot, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	if v, ok := exportVersion(data); ok && v > ExportVersion {
		return nil, fmt.Errorf("backup version %d is newer than supported version %d", v, ExportVersion)
	}
	return ParseSnapshot(data)
}

func exportVersion(data []byte) (int, bool) {
	var head struct {
		ExportVersion *int `json:"exportVersion"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.ExportVersion == nil {
		return 0, false
	}
	return *head.ExportVersion, true
}
