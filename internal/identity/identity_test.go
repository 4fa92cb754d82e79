package identity

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotsync/plotsync/internal/store"
	"github.com/plotsync/plotsync/internal/syncerr"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "plotsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)

	first, err := NewService(db).GetOrCreate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first.DeviceName)

	// A fresh service over the same store must load, not regenerate.
	second, err := NewService(db).GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.DeviceName, second.DeviceName)

	svc := NewService(db)
	a, err := svc.GetOrCreate(ctx)
	require.NoError(t, err)
	b, err := svc.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
}

func TestGetOrCreate_NoRandomness(t *testing.T) {
	db := openStore(t)

	svc := NewService(db, WithRand(iotest.ErrReader(errors.New("no entropy"))))
	id, err := svc.GetOrCreate(context.Background())
	assert.Nil(t, id)
	assert.ErrorIs(t, err, syncerr.ErrIdentityUnavailable)
}

func TestGetOrCreate_NoStore(t *testing.T) {
	_, err := NewService(nil).GetOrCreate(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrIdentityUnavailable)
}

func TestUpdateDeviceName(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	svc := NewService(db)

	orig, err := svc.GetOrCreate(ctx)
	require.NoError(t, err)

	updated, err := svc.UpdateDeviceName(ctx, "  kitchen tablet ")
	require.NoError(t, err)
	assert.Equal(t, "kitchen tablet", updated.DeviceName)
	assert.Equal(t, orig.ID(), updated.ID())

	reloaded, err := NewService(db).GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kitchen tablet", reloaded.DeviceName)

	bad, err := svc.UpdateDeviceName(ctx, "   ")
	assert.Nil(t, bad)
	assert.Error(t, err)

	bad, err = svc.UpdateDeviceName(ctx, strings.Repeat("x", MaxNameLength+1))
	assert.Nil(t, bad)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	id, err := NewService(openStore(t)).GetOrCreate(context.Background())
	require.NoError(t, err)

	msg := []byte("challenge")
	sig := id.Sign(msg)
	assert.True(t, Verify(id.ID(), msg, sig))
	assert.False(t, Verify(id.ID(), []byte("other"), sig))
	assert.False(t, Verify("not-a-key", msg, sig))

	pk, err := DecodePublicKey(id.ID())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(pk, id.PublicKey))
}

func TestRandomName(t *testing.T) {
	name, err := RandomName(bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	require.NoError(t, err)
	assert.Len(t, strings.Split(name, "-"), 3)
	assert.NoError(t, ValidateName(name))
}
