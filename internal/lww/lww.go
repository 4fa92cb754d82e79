// Package lww is the last-write-wins bridge used with peers that cannot
// exchange document state yet. Whole snapshots travel with a timestamp and
// the newer one replaces the older one. It loses concurrent edits and is
// kept only until every paired device speaks the document protocol.
package lww

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plotsync/plotsync/internal/syncerr"
)

// Payload is the legacy full-state message.
type Payload struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Merge returns the remote snapshot iff it is strictly newer. Ties keep the
// local snapshot. The result is never a mix of the two.
func Merge[T any](local T, localTS int64, remote T, remoteTS int64) (T, bool) {
	if remoteTS > localTS {
		return remote, true
	}
	return local, false
}

// Encode builds the payload for a snapshot.
func Encode(snapshot map[string]any, ts int64) (Payload, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return Payload{Data: string(raw), Timestamp: ts}, nil
}

// Decode parses the snapshot carried by p.
func (p Payload) Decode() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(p.Data), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrCorruptedSnapshot, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: empty snapshot", syncerr.ErrCorruptedSnapshot)
	}
	return out, nil
}

// Timestamp returns the last-modified time of a snapshot in epoch ms. It
// reads meta.updatedAt, then allotment.meta.updatedAt, accepting RFC 3339
// strings or epoch ms numbers. Snapshots without one are treated as
// modified now.
func Timestamp(snapshot map[string]any, now time.Time) int64 {
	if ts, ok := updatedAt(snapshot); ok {
		return ts
	}
	if inner, ok := snapshot["allotment"].(map[string]any); ok {
		if ts, ok := updatedAt(inner); ok {
			return ts
		}
	}
	return now.UnixMilli()
}

func updatedAt(m map[string]any) (int64, bool) {
	meta, ok := m["meta"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := meta["updatedAt"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
