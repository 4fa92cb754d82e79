package lww

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotsync/plotsync/internal/syncerr"
)

func TestMerge(t *testing.T) {
	local := map[string]any{"who": "local"}
	remote := map[string]any{"who": "remote"}

	tests := []struct {
		name      string
		localTS   int64
		remoteTS  int64
		want      string
		wantTaken bool
	}{
		{"remote newer", 50, 100, "remote", true},
		{"local newer", 100, 50, "local", false},
		{"tie keeps local", 100, 100, "local", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, taken := Merge(local, tt.localTS, remote, tt.remoteTS)
			assert.Equal(t, tt.want, got["who"])
			assert.Equal(t, tt.wantTaken, taken)
		})
	}
}

func TestTimestamp(t *testing.T) {
	now := time.UnixMilli(999)

	tests := []struct {
		name string
		snap map[string]any
		want int64
	}{
		{"rfc3339", map[string]any{"meta": map[string]any{"updatedAt": "1970-01-01T00:00:00.100Z"}}, 100},
		{"epoch ms", map[string]any{"meta": map[string]any{"updatedAt": 50.0}}, 50},
		{"nested allotment", map[string]any{"allotment": map[string]any{"meta": map[string]any{"updatedAt": 70.0}}}, 70},
		{"unparseable", map[string]any{"meta": map[string]any{"updatedAt": "yesterday"}}, 999},
		{"missing", map[string]any{}, 999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Timestamp(tt.snap, now))
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p, err := Encode(map[string]any{"a": 1.0}, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.Timestamp)

	got, err := p.Decode()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, got)

	_, err = Payload{Data: "not json"}.Decode()
	assert.ErrorIs(t, err, syncerr.ErrCorruptedSnapshot)
	_, err = Payload{Data: "null"}.Decode()
	assert.ErrorIs(t, err, syncerr.ErrCorruptedSnapshot)
}
