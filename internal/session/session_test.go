package session

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
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

func testConfig(actor string, ms int64) *Config {
	logger, _ := test.NewNullLogger()
	return &Config{
		Actor:  actor,
		Logger: logger,
		Now:    func() time.Time { return time.UnixMilli(ms) },
	}
}

func openSession(t *testing.T, st Store, actor string, ms int64) *Session {
	t.Helper()
	s, err := Open(context.Background(), st, testConfig(actor, ms))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setName(name string) func(Snapshot) (Snapshot, error) {
	return func(snap Snapshot) (Snapshot, error) {
		meta, ok := snap["meta"].(map[string]any)
		if !ok {
			meta = map[string]any{}
			snap["meta"] = meta
		}
		meta["name"] = name
		return snap, nil
	}
}

func TestOpenEmpty(t *testing.T) {
	s := openSession(t, openStore(t), "a", 1000)
	data := s.GetData()
	require.NotNil(t, data)
	assert.Empty(t, data)
}

func TestUpdateDataPersists(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	s := openSession(t, db, "a", 1000)

	got, err := s.UpdateData(ctx, setName("plot"))
	require.NoError(t, err)
	assert.Equal(t, "plot", got["meta"].(map[string]any)["name"])
	assert.Equal(t, "1970-01-01T00:00:01.000Z", got["meta"].(map[string]any)["updatedAt"])

	require.NoError(t, s.Close())

	again := openSession(t, db, "b", 2000)
	assert.Equal(t, "plot", again.GetData()["meta"].(map[string]any)["name"])
}

func TestUpdateDataNoChangeWritesNothing(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	s := openSession(t, db, "a", 1000)

	_, err := s.UpdateData(ctx, setName("plot"))
	require.NoError(t, err)
	before, err := db.CountEntries(ctx)
	require.NoError(t, err)

	_, err = s.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) { return snap, nil })
	require.NoError(t, err)
	after, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateDataMutatorError(t *testing.T) {
	s := openSession(t, openStore(t), "a", 1000)
	boom := errors.New("boom")

	_, err := s.UpdateData(context.Background(), func(Snapshot) (Snapshot, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, err = s.UpdateData(context.Background(), func(Snapshot) (Snapshot, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNilSnapshot)
	assert.Empty(t, s.GetData())
}

func TestApplyFullState(t *testing.T) {
	ctx := context.Background()
	remote := `{"meta":{"name":"remote","updatedAt":100}}`

	t.Run("local newer keeps local", func(t *testing.T) {
		s := openSession(t, openStore(t), "a", 100)
		_, err := s.UpdateData(ctx, setName("local"))
		require.NoError(t, err)

		taken, err := s.ApplyFullState(ctx, `{"meta":{"name":"remote","updatedAt":50}}`, 50)
		require.NoError(t, err)
		assert.False(t, taken)
		assert.Equal(t, "local", s.GetData()["meta"].(map[string]any)["name"])
	})

	t.Run("remote newer replaces local", func(t *testing.T) {
		db := openStore(t)
		s := openSession(t, db, "a", 50)
		_, err := s.UpdateData(ctx, setName("local"))
		require.NoError(t, err)

		taken, err := s.ApplyFullState(ctx, remote, 100)
		require.NoError(t, err)
		assert.True(t, taken)
		assert.Equal(t, "remote", s.GetData()["meta"].(map[string]any)["name"])

		legacy, err := db.GetLegacySnapshot(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, remote, string(legacy.Data))
	})

	t.Run("tie keeps local", func(t *testing.T) {
		s := openSession(t, openStore(t), "a", 100)
		_, err := s.UpdateData(ctx, setName("local"))
		require.NoError(t, err)

		taken, err := s.ApplyFullState(ctx, remote, 100)
		require.NoError(t, err)
		assert.False(t, taken)
	})

	t.Run("corrupted payload", func(t *testing.T) {
		s := openSession(t, openStore(t), "a", 100)
		_, err := s.ApplyFullState(ctx, "{oops", 500)
		assert.ErrorIs(t, err, syncerr.ErrCorruptedSnapshot)
	})
}

func TestApplyRemoteConverges(t *testing.T) {
	ctx := context.Background()
	a := openSession(t, openStore(t), "a", 1000)
	b := openSession(t, openStore(t), "b", 1000)

	_, err := a.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) {
		snap["meta"] = map[string]any{"name": "a"}
		snap["beds"] = []any{map[string]any{"id": "A"}}
		return snap, nil
	})
	require.NoError(t, err)
	state, err := a.EncodeState()
	require.NoError(t, err)
	_, err = b.ApplyRemote(ctx, state)
	require.NoError(t, err)

	_, err = b.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) {
		snap["beds"] = append(snap["beds"].([]any), map[string]any{"id": "B"})
		return snap, nil
	})
	require.NoError(t, err)
	_, err = a.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) {
		snap["beds"] = append(snap["beds"].([]any), map[string]any{"id": "C"})
		return snap, nil
	})
	require.NoError(t, err)

	sa, err := a.EncodeState()
	require.NoError(t, err)
	sb, err := b.EncodeState()
	require.NoError(t, err)
	_, err = a.ApplyRemote(ctx, sb)
	require.NoError(t, err)
	_, err = b.ApplyRemote(ctx, sa)
	require.NoError(t, err)

	assert.Equal(t, a.GetData(), b.GetData())
	assert.Len(t, a.GetData()["beds"], 3)

	applied, err := a.ApplyRemote(ctx, sb)
	require.NoError(t, err)
	assert.Empty(t, applied)

	_, err = a.ApplyRemote(ctx, []byte("garbage"))
	assert.ErrorIs(t, err, syncerr.ErrCorruptedSnapshot)
}

func TestReloadSeesOtherProcess(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	a := openSession(t, db, "a", 1000)
	b := openSession(t, db, "b", 1000)

	changes, cancel := b.Subscribe()
	defer cancel()

	_, err := a.UpdateData(ctx, setName("from-a"))
	require.NoError(t, err)

	n, err := b.Reload(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, "from-a", b.GetData()["meta"].(map[string]any)["name"])

	select {
	case c := <-changes:
		assert.Equal(t, OriginReload, c.Origin)
	default:
		t.Fatal("expected a reload change")
	}
}

func TestMigratesLegacyOnce(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	require.NoError(t, db.PutLegacySnapshot(ctx, []byte(`{"meta":{"name":"old"}}`), time.UnixMilli(10)))

	s := openSession(t, db, "a", 1000)
	assert.Equal(t, "old", s.GetData()["meta"].(map[string]any)["name"])
	require.NoError(t, s.Close())

	count, err := db.CountEntries(ctx)
	require.NoError(t, err)

	again := openSession(t, db, "b", 2000)
	assert.Equal(t, "old", again.GetData()["meta"].(map[string]any)["name"])
	recount, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, recount)
}

func TestDeletedDataStaysDeletedAfterReopen(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	require.NoError(t, db.PutLegacySnapshot(ctx, []byte(`{"meta":{"name":"old"}}`), time.UnixMilli(10)))

	s := openSession(t, db, "a", 1000)
	require.NotEmpty(t, s.GetData())
	_, err := s.UpdateData(ctx, func(Snapshot) (Snapshot, error) { return Snapshot{}, nil })
	require.NoError(t, err)
	require.Empty(t, s.GetData())
	require.NoError(t, s.Close())

	again := openSession(t, db, "b", 2000)
	assert.Empty(t, again.GetData())
}

func TestCorruptLegacyDoesNotBlockOpen(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	require.NoError(t, db.PutLegacySnapshot(ctx, []byte(`{broken`), time.UnixMilli(10)))

	logger, hook := test.NewNullLogger()
	s, err := Open(ctx, db, &Config{Actor: "a", Logger: logger})
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.GetData())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestCloseLiveness(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, openStore(t), "a", 1000)
	changes, _ := s.Subscribe()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())

	assert.Nil(t, s.GetData())
	_, err := s.UpdateData(ctx, setName("late"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ApplyRemote(ctx, []byte(`{"v":1,"entries":{}}`))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Reload(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, ok := <-changes
	assert.False(t, ok)
}

func TestUpdateQueuedBehindCloseIsRejected(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	s, err := Open(ctx, db, testConfig("a", 1000))
	require.NoError(t, err)

	holding := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := s.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) {
			close(holding)
			<-release
			return setName("first")(snap)
		})
		firstDone <- err
	}()
	<-holding

	var secondCalled atomic.Bool
	secondDone := make(chan error, 1)
	go func() {
		_, err := s.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) {
			secondCalled.Store(true)
			return setName("late")(snap)
		})
		secondDone <- err
	}()
	// Let the second update pass the unlocked check and queue on the lock.
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	require.Eventually(t, s.IsClosed, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, <-firstDone)
	assert.ErrorIs(t, <-secondDone, ErrClosed)
	require.NoError(t, <-closed)
	assert.False(t, secondCalled.Load())

	again := openSession(t, db, "b", 2000)
	assert.Equal(t, "first", again.GetData()["meta"].(map[string]any)["name"])
}

func TestOpenPathOwnsStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plotsync.db")
	s, err := OpenPath(context.Background(), path, testConfig("a", 1000))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// The store was closed with the session, so a fresh open succeeds.
	db, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

// fullStore fails writes with a quota error while full is set.
type fullStore struct {
	*store.DB
	full bool
}

func (f *fullStore) SaveEntries(ctx context.Context, entries []store.EntryRow) error {
	if f.full {
		return errors.Wrap(syncerr.ErrQuotaExceeded, "writing document entries")
	}
	return f.DB.SaveEntries(ctx, entries)
}

func TestQuotaExceededKeepsDocumentValid(t *testing.T) {
	ctx := context.Background()
	fs := &fullStore{DB: openStore(t)}
	s := openSession(t, fs, "a", 1000)

	fs.full = true
	_, err := s.UpdateData(ctx, setName("unsaved"))
	require.ErrorIs(t, err, syncerr.ErrQuotaExceeded)
	assert.Equal(t, "unsaved", s.GetData()["meta"].(map[string]any)["name"])

	fs.full = false
	_, err = s.UpdateData(ctx, func(snap Snapshot) (Snapshot, error) {
		snap["other"] = true
		return snap, nil
	})
	require.NoError(t, err)

	again := openSession(t, fs.DB, "b", 2000)
	assert.Equal(t, "unsaved", again.GetData()["meta"].(map[string]any)["name"])
	assert.Equal(t, true, again.GetData()["other"])
}

func TestFullStateOfEmptyReplicaNeverWins(t *testing.T) {
	ctx := context.Background()
	empty := openSession(t, openStore(t), "a", 9000)
	full := openSession(t, openStore(t), "b", 1000)

	_, err := full.UpdateData(ctx, setName("plot"))
	require.NoError(t, err)

	payload, err := empty.FullState()
	require.NoError(t, err)
	assert.Equal(t, int64(0), payload.Timestamp)

	taken, err := full.ApplyFullState(ctx, payload.Data, payload.Timestamp)
	require.NoError(t, err)
	assert.False(t, taken)
	assert.Equal(t, "plot", full.GetData()["meta"].(map[string]any)["name"])
}
