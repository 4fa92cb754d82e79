package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/plotsync/plotsync/internal/syncerr"
)

// Snapshot is the plain domain form of a document: a JSON object.
type Snapshot = map[string]any

// Delta is a set of entries keyed by document key. A full state is a Delta
// too.
type Delta map[string]Entry

// Merge returns the per-key maximum of a and b. Neither input is modified.
func Merge(a, b Delta) Delta {
	out := make(Delta, len(a)+len(b))
	for k, e := range a {
		out[k] = e
	}
	for k, e := range b {
		if cur, ok := out[k]; !ok || e.Wins(cur) {
			out[k] = e
		}
	}
	return out
}

// Document is a replica of the shared dataset.
type Document struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   *HLC
}

// New creates an empty document whose local writes are stamped with actor.
// Actors must be unique per writer: two writers sharing an actor could
// issue identical clocks for different content.
func New(actor string, now func() time.Time) *Document {
	return &Document{
		entries: make(map[string]Entry),
		clock:   NewHLC(actor, now),
	}
}

// Actor returns the actor stamped on local writes.
func (d *Document) Actor() string {
	return d.clock.Actor()
}

// Len returns the number of entries, tombstones included.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// IsEmpty reports whether the document has no visible content.
func (d *Document) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if !e.Deleted {
			return false
		}
	}
	return true
}

// Stats summarizes the entries held by a document.
type Stats struct {
	Entries    int `json:"entries"`
	Tombstones int `json:"tombstones"`
}

// Stats counts live entries and tombstones.
func (d *Document) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s Stats
	for _, e := range d.entries {
		if e.Deleted {
			s.Tombstones++
		} else {
			s.Entries++
		}
	}
	return s
}

// FromSnapshot writes every top-level field of snap into d in a single
// transaction.
func (d *Document) FromSnapshot(snap Snapshot) (Delta, error) {
	return d.Transact(func(tx *Txn) error {
		for _, k := range sortedKeys(snap) {
			if err := tx.Put([]string{k}, snap[k]); err != nil {
				return fmt.Errorf("failed to write %q: %w", k, err)
			}
		}
		return nil
	})
}

// State returns a copy of every entry.
func (d *Document) State() Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(Delta, len(d.entries))
	for k, e := range d.entries {
		out[k] = e
	}
	return out
}

// Merge folds remote entries into the document and returns the subset that
// changed local state. Invalid entries are skipped and reported together.
func (d *Document) Merge(remote Delta) (Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	applied := make(Delta)
	var invalid []string
	for k, e := range remote {
		if !validKey(k) {
			invalid = append(invalid, k)
			continue
		}
		if err := e.validate(); err != nil {
			invalid = append(invalid, k)
			continue
		}
		d.clock.Observe(e.Clock)
		if cur, ok := d.entries[k]; ok && !e.Wins(cur) {
			continue
		}
		d.entries[k] = e
		applied[k] = e
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return applied, fmt.Errorf("skipped %d invalid entries: %s", len(invalid), strings.Join(invalid, ", "))
	}
	return applied, nil
}

// Transact runs fn against a transaction and applies its staged writes
// atomically. If fn returns an error nothing is applied.
func (d *Document) Transact(fn func(tx *Txn) error) (Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Txn{doc: d, staged: make(Delta)}
	if err := fn(tx); err != nil {
		return nil, err
	}
	for k, e := range tx.staged {
		d.entries[k] = e
	}
	return tx.staged, nil
}

// Snapshot rebuilds the plain domain object from the visible entries.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return buildSnapshot(d.entries)
}

// SnapshotOf rebuilds the domain object from a bare set of entries.
func SnapshotOf(state Delta) Snapshot {
	return buildSnapshot(state)
}

type listElem struct {
	seg   string
	pos   float64
	value any
}

func buildSnapshot(entries map[string]Entry) Snapshot {
	children := make(map[string][]string)
	for k, e := range entries {
		if e.Deleted {
			continue
		}
		p := parentKey(k)
		children[p] = append(children[p], k)
	}

	var build func(key string, e Entry) any
	build = func(key string, e Entry) any {
		switch e.Node.Kind {
		case KindLeaf:
			var v any
			if err := json.Unmarshal(e.Node.Value, &v); err != nil {
				return nil
			}
			return v

		case KindMap:
			m := make(map[string]any)
			for _, ck := range children[key] {
				m[lastSegment(ck)] = build(ck, entries[ck])
			}
			return m

		case KindList:
			elems := make([]listElem, 0, len(children[key]))
			for _, ck := range children[key] {
				ce := entries[ck]
				if ce.Node.Kind != KindMap {
					continue
				}
				elems = append(elems, listElem{seg: lastSegment(ck), pos: ce.Node.Pos, value: build(ck, ce)})
			}
			sort.Slice(elems, func(i, j int) bool {
				if elems[i].pos != elems[j].pos {
					return elems[i].pos < elems[j].pos
				}
				return elems[i].seg < elems[j].seg
			})
			list := make([]any, len(elems))
			for i, el := range elems {
				list[i] = el.value
			}
			return list
		}
		return nil
	}

	root := make(Snapshot)
	for _, k := range children[""] {
		root[lastSegment(k)] = build(k, entries[k])
	}
	return root
}

// EncodeDelta serializes a delta for the wire or for storage.
func EncodeDelta(delta Delta) ([]byte, error) {
	return json.Marshal(wireDelta{Version: wireVersion, Entries: delta})
}

// DecodeDelta parses the output of EncodeDelta.
func DecodeDelta(data []byte) (Delta, error) {
	var w wireDelta
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: failed to decode delta: %v", syncerr.ErrCorruptedSnapshot, err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported delta version %d", syncerr.ErrCorruptedSnapshot, w.Version)
	}
	if w.Entries == nil {
		w.Entries = make(Delta)
	}
	return w.Entries, nil
}

const wireVersion = 1

type wireDelta struct {
	Version int   `json:"v"`
	Entries Delta `json:"entries"`
}
