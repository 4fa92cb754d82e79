package session

import (
	"bytes"
	"context"
	"encoding/json"
	stderrs "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/plotsync/plotsync/internal/crdt"
	"github.com/plotsync/plotsync/internal/lww"
	"github.com/plotsync/plotsync/internal/migrate"
	"github.com/plotsync/plotsync/internal/store"
)

// Snapshot is the plain domain object handed to and from the application.
type Snapshot = crdt.Snapshot

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = stderrs.New("session closed")

	// ErrNilSnapshot is returned when a mutator returns no snapshot.
	ErrNilSnapshot = stderrs.New("mutator returned a nil snapshot")
)

// Store is the persistence the session needs. *store.DB implements it.
type Store interface {
	Ready(ctx context.Context) error
	LoadEntries(ctx context.Context) ([]store.EntryRow, error)
	SaveEntries(ctx context.Context, entries []store.EntryRow) error
	GetLegacySnapshot(ctx context.Context) (*store.LegacySnapshot, error)
	PutLegacySnapshot(ctx context.Context, data []byte, updatedAt time.Time) error
	NotifyChanged() error
}

// Origin says where a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginReload Origin = "reload"
	OriginLegacy Origin = "legacy"
)

// Change is published to subscribers after the document changed.
type Change struct {
	Origin Origin
	Delta  crdt.Delta
}

// Config holds session configuration.
type Config struct {
	// Actor stamps local writes. It must be unique per process; the default
	// is a random id. The daemon uses "<public key>/<uuid>".
	Actor string

	// SkipMigration disables the legacy snapshot migration on open.
	SkipMigration bool

	// Logger for session activity (default: logrus standard logger)
	Logger logrus.FieldLogger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Actor:  "local/" + uuid.NewString(),
		Logger: logrus.StandardLogger(),
		Now:    time.Now,
	}
}

// Session is an open, ready replica of the dataset.
type Session struct {
	store  Store
	owned  interface{ Close() error }
	doc    *crdt.Document
	logger logrus.FieldLogger
	now    func() time.Time

	closed atomic.Bool

	// mu serializes document writes with their persistence so deltas reach
	// the store in the order they were produced.
	mu      sync.Mutex
	unsaved crdt.Delta

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// Open prepares a session over st. The caller keeps ownership of st.
func Open(ctx context.Context, st Store, config *Config) (*Session, error) {
	if st == nil {
		return nil, fmt.Errorf("session requires a store")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Actor == "" {
		config.Actor = defaults.Actor
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}

	s := &Session{
		store:   st,
		doc:     crdt.New(config.Actor, config.Now),
		logger:  config.Logger.WithField("actor", config.Actor),
		now:     config.Now,
		unsaved: make(crdt.Delta),
		subs:    make(map[int]chan Change),
	}

	if err := st.Ready(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for store: %w", err)
	}
	if _, err := s.load(ctx); err != nil {
		return nil, err
	}
	if !config.SkipMigration {
		if err := s.migrateLegacy(ctx); err != nil {
			return nil, err
		}
	}

	s.logger.WithField("action", "open").WithField("entries", s.doc.Len()).Debug("session ready")
	return s, nil
}

// OpenPath opens the store at path and a session over it. The session owns
// the store and closes it on Close or on a failed open.
func OpenPath(ctx context.Context, path string, config *Config) (*Session, error) {
	st, err := store.OpenContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s, err := Open(ctx, st, config)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s.owned = st
	return s, nil
}

func (s *Session) load(ctx context.Context) (crdt.Delta, error) {
	rows, err := s.store.LoadEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	state, err := fromRows(rows)
	if err != nil {
		s.logger.WithField("action", "load").WithError(err).Warn("skipping unreadable entries")
	}
	applied, err := s.doc.Merge(state)
	if err != nil {
		s.logger.WithField("action", "load").WithError(err).Warn("skipping invalid entries")
	}
	return applied, nil
}

func (s *Session) migrateLegacy(ctx context.Context) error {
	// Tombstones count: a document whose content was deleted is not empty.
	if s.doc.Len() > 0 {
		return nil
	}
	legacy, err := s.store.GetLegacySnapshot(ctx)
	if stderrs.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read legacy snapshot: %w", err)
	}

	result, err := migrate.FromLegacy(ctx, s.doc, legacy.Data, migrate.Options{})
	if err != nil {
		// A corrupt legacy snapshot must not block sync; the document
		// stays empty and fills from peers.
		s.logger.WithField("action", "migrate").WithError(err).Warn("legacy snapshot not migrated")
		return nil
	}
	if !result.Migrated {
		return nil
	}
	if err := s.persist(ctx, result.Delta); err != nil {
		return fmt.Errorf("failed to persist migrated document: %w", err)
	}
	s.logger.WithField("action", "migrate").WithField("fields", result.Fields).Info("migrated legacy snapshot")
	s.publish(Change{Origin: OriginLegacy, Delta: result.Delta})
	return nil
}

// Actor returns the actor stamped on this session's writes.
func (s *Session) Actor() string {
	return s.doc.Actor()
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// GetData returns a copy of the current snapshot, or nil once closed.
func (s *Session) GetData() Snapshot {
	if s.closed.Load() {
		return nil
	}
	return s.doc.Snapshot()
}

// Stats reports document entry counts.
func (s *Session) Stats() crdt.Stats {
	return s.doc.Stats()
}

// UpdateData applies mutator to a copy of the snapshot and writes the
// difference as keyed operations. It returns the resulting snapshot.
// A mutator that changes nothing causes no writes.
func (s *Session) UpdateData(ctx context.Context, mutator func(Snapshot) (Snapshot, error)) (Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	before := s.doc.Snapshot()
	after, err := mutator(s.doc.Snapshot())
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, ErrNilSnapshot
	}
	if sameSnapshot(before, after) {
		return before, nil
	}
	stampUpdatedAt(after, s.now())

	delta, err := s.doc.Transact(func(tx *crdt.Txn) error {
		return tx.Update(before, after)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply update: %w", err)
	}

	s.publish(Change{Origin: OriginLocal, Delta: delta})
	if err := s.persistLocked(ctx, delta); err != nil {
		return s.doc.Snapshot(), err
	}
	s.logger.WithField("action", "update_data").WithField("entries", len(delta)).Debug("local update")
	return s.doc.Snapshot(), nil
}

// ApplyRemote merges encoded document state or a delta from a peer and
// returns the entries that changed local state.
func (s *Session) ApplyRemote(ctx context.Context, data []byte) (crdt.Delta, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	remote, err := crdt.DecodeDelta(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	applied, err := s.doc.Merge(remote)
	if err != nil {
		s.logger.WithField("action", "apply_remote").WithError(err).Warn("dropped invalid remote entries")
	}
	if len(applied) == 0 {
		return applied, nil
	}

	s.publish(Change{Origin: OriginRemote, Delta: applied})
	if err := s.persistLocked(ctx, applied); err != nil {
		return applied, err
	}
	return applied, nil
}

// ApplyFullState handles a legacy full-state message. The remote snapshot
// replaces local data only if its timestamp is strictly newer; the
// replacement is still written as keyed operations. It reports whether the
// remote snapshot was taken.
func (s *Session) ApplyFullState(ctx context.Context, data string, timestamp int64) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	remote, err := lww.Payload{Data: data, Timestamp: timestamp}.Decode()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false, ErrClosed
	}
	local := s.doc.Snapshot()
	localTS := lww.Timestamp(local, s.now())
	if s.doc.IsEmpty() {
		localTS = 0
	}
	if _, taken := lww.Merge(local, localTS, remote, timestamp); !taken {
		s.logger.WithField("action", "apply_full_state").
			WithField("local_ts", localTS).WithField("remote_ts", timestamp).
			Debug("kept local snapshot")
		return false, nil
	}

	delta, err := s.doc.Transact(func(tx *crdt.Txn) error {
		return tx.Update(local, remote)
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply full state: %w", err)
	}
	s.publish(Change{Origin: OriginRemote, Delta: delta})

	var result *multierror.Error
	if err := s.persistLocked(ctx, delta); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.store.PutLegacySnapshot(ctx, []byte(data), time.UnixMilli(timestamp)); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to store legacy snapshot: %w", err))
	}
	return true, result.ErrorOrNil()
}

// EncodeState serializes the whole document for a peer.
func (s *Session) EncodeState() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return crdt.EncodeDelta(s.doc.State())
}

// FullState returns the legacy full-state payload for the current snapshot.
func (s *Session) FullState() (lww.Payload, error) {
	if s.closed.Load() {
		return lww.Payload{}, ErrClosed
	}
	snap := s.doc.Snapshot()
	if s.doc.IsEmpty() {
		// An empty replica must never win against a populated one.
		return lww.Encode(snap, 0)
	}
	return lww.Encode(snap, lww.Timestamp(snap, s.now()))
}

// Reload merges entries written to the store by other processes and
// returns the number of entries that changed.
func (s *Session) Reload(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if len(s.unsaved) > 0 {
		if err := s.persistLocked(ctx, nil); err != nil {
			s.logger.WithField("action", "reload").WithError(err).Warn("unsaved entries still pending")
		}
	}
	if len(applied) > 0 && !s.closed.Load() {
		s.publish(Change{Origin: OriginReload, Delta: applied})
	}
	return len(applied), nil
}

// Subscribe returns a feed of document changes and a function that ends
// the subscription. Slow subscribers miss changes rather than block
// writers.
func (s *Session) Subscribe() (<-chan Change, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	ch := make(chan Change, 64)
	if s.closed.Load() {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) publish(change Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.logger.WithField("action", "publish").Warn("subscriber channel full, dropping change")
		}
	}
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	var result *multierror.Error

	s.mu.Lock()
	if len(s.unsaved) > 0 {
		if err := s.persistLocked(context.Background(), nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to flush unsaved entries: %w", err))
		}
	}
	s.mu.Unlock()

	if s.owned != nil {
		if err := s.owned.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Session) persist(ctx context.Context, delta crdt.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx, delta)
}

// persistLocked saves delta together with anything left unsaved by an
// earlier failure. Caller must hold s.mu.
func (s *Session) persistLocked(ctx context.Context, delta crdt.Delta) error {
	pending := crdt.Merge(s.unsaved, delta)
	if len(pending) == 0 {
		return nil
	}
	rows, err := toRows(pending)
	if err != nil {
		return err
	}
	if err := s.store.SaveEntries(ctx, rows); err != nil {
		s.unsaved = pending
		return fmt.Errorf("failed to persist document: %w", err)
	}
	s.unsaved = make(crdt.Delta)
	if err := s.store.NotifyChanged(); err != nil {
		s.logger.WithField("action", "persist").WithError(err).Warn("failed to signal other sessions")
	}
	return nil
}

// stampUpdatedAt records the modification time in every meta object the
// legacy bridge reads.
func stampUpdatedAt(snap Snapshot, now time.Time) {
	stamp := now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	if meta, ok := snap["meta"].(map[string]any); ok {
		meta["updatedAt"] = stamp
	}
	if allotment, ok := snap["allotment"].(map[string]any); ok {
		if meta, ok := allotment["meta"].(map[string]any); ok {
			meta["updatedAt"] = stamp
		}
	}
}

func sameSnapshot(a, b Snapshot) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}

func toRows(delta crdt.Delta) ([]store.EntryRow, error) {
	rows := make([]store.EntryRow, 0, len(delta))
	for key, e := range delta {
		node, err := json.Marshal(e.Node)
		if err != nil {
			return nil, fmt.Errorf("failed to encode entry %s: %w", key, err)
		}
		rows = append(rows, store.EntryRow{
			Key:     key,
			Node:    node,
			Wall:    e.Clock.Wall,
			Counter: e.Clock.Counter,
			Actor:   e.Clock.Actor,
			Deleted: e.Deleted,
		})
	}
	return rows, nil
}

func fromRows(rows []store.EntryRow) (crdt.Delta, error) {
	out := make(crdt.Delta, len(rows))
	var result *multierror.Error
	for _, r := range rows {
		var n crdt.Node
		if err := json.Unmarshal(r.Node, &n); err != nil {
			result = multierror.Append(result, fmt.Errorf("entry %s: %w", r.Key, err))
			continue
		}
		out[r.Key] = crdt.Entry{
			Node:    n,
			Clock:   crdt.Clock{Wall: r.Wall, Counter: r.Counter, Actor: r.Actor},
			Deleted: r.Deleted,
		}
	}
	return out, result.ErrorOrNil()
}
