package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2026-10-01T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC), got)

	got, err = parseSince("36h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-36*time.Hour), got)

	got, err = parseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 18, got.Day())

	_, err = parseSince("qqq zzz", now)
	assert.Error(t, err)
}
