package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ListIDKeys are the element fields, in order of preference, that make an
// array of objects a keyed list.
var ListIDKeys = []string{"id", "bedId", "year"}

// Txn stages writes against a document. It is only valid inside the
// Transact callback that received it.
type Txn struct {
	doc    *Document
	staged Delta
	kids   map[string]map[string]struct{}
}

// Put replaces the value at path, creating missing parents as maps.
// Descendants of the old value that the new one does not carry are
// tombstoned.
func (t *Txn) Put(path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("cannot replace the document root")
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	key := Key(path)
	t.ensureParents(key)
	t.explode(key, v, t.inheritedPos(key))
	return nil
}

// Delete tombstones the node at path and everything below it. Deleting a
// missing path is a no-op.
func (t *Txn) Delete(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("cannot delete the document root")
	}
	key := Key(path)
	if e, ok := t.lookup(key); ok && !e.Deleted {
		t.tombstone(key, e)
	}
	t.sweep(key, nil)
	return nil
}

// SetPosition moves a keyed list element.
func (t *Txn) SetPosition(path []string, pos float64) error {
	if math.IsNaN(pos) || math.IsInf(pos, 0) {
		return fmt.Errorf("invalid position %v", pos)
	}
	key := Key(path)
	e, ok := t.lookup(key)
	if !ok || e.Deleted || e.Node.Kind != KindMap {
		return fmt.Errorf("no list element at %s", key)
	}
	if p, ok := t.lookup(parentKey(key)); !ok || p.Node.Kind != KindList {
		return fmt.Errorf("%s is not a list element", key)
	}
	if e.Node.Pos == pos {
		return nil
	}
	n := e.Node
	n.Pos = pos
	t.write(key, n, false)
	return nil
}

// Update stages the keyed operations that turn before into after. Fields
// equal in both are left alone, so concurrent edits elsewhere in the
// document survive.
func (t *Txn) Update(before, after Snapshot) error {
	b, err := normalize(map[string]any(before))
	if err != nil {
		return err
	}
	a, err := normalize(map[string]any(after))
	if err != nil {
		return err
	}
	bm, _ := b.(map[string]any)
	am, ok := a.(map[string]any)
	if !ok {
		return fmt.Errorf("snapshot must be an object")
	}
	for _, k := range sortedKeys(am) {
		child := childKey("", k)
		if old, ok := bm[k]; ok {
			t.diff(child, old, am[k])
		} else {
			t.ensureParents(child)
			t.explode(child, am[k], 0)
		}
	}
	for _, k := range sortedKeys(bm) {
		if _, ok := am[k]; !ok {
			if err := t.Delete([]string{k}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Txn) diff(key string, before, after any) {
	if !t.visible(key) {
		t.ensureParents(key)
		t.explode(key, after, t.inheritedPos(key))
		return
	}
	cur, _ := t.lookup(key)

	switch av := after.(type) {
	case map[string]any:
		bv, ok := before.(map[string]any)
		if !ok || cur.Node.Kind != KindMap {
			t.explode(key, after, cur.Node.Pos)
			return
		}
		for _, k := range sortedKeys(av) {
			child := childKey(key, k)
			if old, ok := bv[k]; ok {
				t.diff(child, old, av[k])
			} else {
				t.explode(child, av[k], 0)
			}
		}
		for _, k := range sortedKeys(bv) {
			if _, ok := av[k]; !ok {
				child := childKey(key, k)
				if e, ok := t.lookup(child); ok && !e.Deleted {
					t.tombstone(child, e)
				}
				t.sweep(child, nil)
			}
		}

	case []any:
		bv, ok := before.([]any)
		if ok && cur.Node.Kind == KindList {
			if ids, ok := keyedIDs(av, cur.Node.IDKey); ok {
				t.diffList(key, cur.Node.IDKey, bv, av, ids)
				return
			}
		}
		if !sameJSON(before, after) || cur.Node.Kind == KindMap {
			t.explode(key, after, cur.Node.Pos)
		}

	default:
		if !sameJSON(before, after) || cur.Node.Kind != KindLeaf {
			t.explode(key, after, cur.Node.Pos)
		}
	}
}

func (t *Txn) diffList(key, idKey string, before, after []any, ids []string) {
	old := make(map[string]any, len(before))
	for _, el := range before {
		if m, ok := el.(map[string]any); ok {
			if seg, ok := idSegment(m[idKey]); ok {
				old[seg] = el
			}
		}
	}

	positions := t.placeList(key, ids)
	keep := make(map[string]bool, len(ids))
	for i, seg := range ids {
		keep[seg] = true
		child := childKey(key, seg)
		if prev, ok := old[seg]; ok && t.visible(child) {
			t.diff(child, prev, after[i])
			if e, _ := t.lookup(child); e.Node.Pos != positions[i] {
				n := e.Node
				n.Pos = positions[i]
				t.write(child, n, false)
			}
			continue
		}
		t.explode(child, after[i], positions[i])
	}
	for seg := range old {
		if keep[seg] {
			continue
		}
		child := childKey(key, seg)
		if e, ok := t.lookup(child); ok && !e.Deleted {
			t.tombstone(child, e)
		}
		t.sweep(child, nil)
	}
}

// placeList returns a position for each id in order. Elements whose stored
// positions already increase keep them; the rest are spread between their
// kept neighbours.
func (t *Txn) placeList(key string, ids []string) []float64 {
	pos := make([]float64, len(ids))
	fixed := make([]bool, len(ids))
	last := math.Inf(-1)
	for i, seg := range ids {
		child := childKey(key, seg)
		if !t.visible(child) {
			continue
		}
		e, _ := t.lookup(child)
		if e.Node.Pos > last {
			pos[i], fixed[i] = e.Node.Pos, true
			last = e.Node.Pos
		}
	}

	for i := 0; i < len(ids); {
		if fixed[i] {
			i++
			continue
		}
		j := i
		for j < len(ids) && !fixed[j] {
			j++
		}
		n := float64(j - i)
		var lo, hi float64
		switch {
		case i > 0 && j < len(ids):
			lo, hi = pos[i-1], pos[j]
		case i > 0:
			lo, hi = pos[i-1], pos[i-1]+n+1
		case j < len(ids):
			lo, hi = pos[j]-n-1, pos[j]
		default:
			lo, hi = -1, n
		}
		for k := i; k < j; k++ {
			pos[k] = lo + (hi-lo)*float64(k-i+1)/(n+1)
		}
		i = j
	}
	return pos
}

// explode writes value at key, one entry per container and scalar, and
// tombstones stale descendants. Unchanged entries are not rewritten.
func (t *Txn) explode(key string, value any, pos float64) {
	switch v := value.(type) {
	case map[string]any:
		t.writeIfChanged(key, Node{Kind: KindMap, Pos: pos})
		keep := make(map[string]bool, len(v))
		for _, k := range sortedKeys(v) {
			child := childKey(key, k)
			keep[child] = true
			t.explode(child, v[k], 0)
		}
		t.sweep(key, keep)

	case []any:
		idKey, ids, ok := detectList(v)
		if !ok {
			t.writeLeaf(key, value, pos)
			return
		}
		t.writeIfChanged(key, Node{Kind: KindList, IDKey: idKey, Pos: pos})
		keep := make(map[string]bool, len(v))
		for i, seg := range ids {
			child := childKey(key, seg)
			keep[child] = true
			t.explode(child, v[i], float64(i))
		}
		t.sweep(key, keep)

	default:
		t.writeLeaf(key, value, pos)
	}
}

func (t *Txn) writeLeaf(key string, value any, pos float64) {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte("null")
	}
	t.writeIfChanged(key, Node{Kind: KindLeaf, Value: raw, Pos: pos})
	t.sweep(key, nil)
}

// ensureParents makes every ancestor of key a live container.
func (t *Txn) ensureParents(key string) {
	segs := SplitKey(key)
	for i := 1; i < len(segs); i++ {
		k := Key(segs[:i])
		if e, ok := t.lookup(k); ok && !e.Deleted && e.Node.Kind != KindLeaf {
			continue
		}
		pos := 0.0
		if p, ok := t.lookup(parentKey(k)); ok && p.Node.Kind == KindList {
			pos = t.nextPos(parentKey(k))
		}
		t.write(k, Node{Kind: KindMap, Pos: pos}, false)
		t.sweep(k, nil)
	}
}

func (t *Txn) inheritedPos(key string) float64 {
	if e, ok := t.lookup(key); ok && !e.Deleted {
		return e.Node.Pos
	}
	if p, ok := t.lookup(parentKey(key)); ok && p.Node.Kind == KindList {
		return t.nextPos(parentKey(key))
	}
	return 0
}

func (t *Txn) nextPos(list string) float64 {
	next := 0.0
	for child := range t.children(list) {
		if e, ok := t.lookup(child); ok && !e.Deleted && e.Node.Pos+1 > next {
			next = e.Node.Pos + 1
		}
	}
	return next
}

func (t *Txn) writeIfChanged(key string, n Node) {
	if e, ok := t.lookup(key); ok && !e.Deleted && sameNode(e.Node, n) && t.visible(key) {
		return
	}
	t.write(key, n, false)
}

func (t *Txn) tombstone(key string, e Entry) {
	t.write(key, e.Node, true)
}

// sweep tombstones live descendants of key except those under keep.
func (t *Txn) sweep(key string, keep map[string]bool) {
	for child := range t.children(key) {
		if keep[child] {
			continue
		}
		if e, ok := t.lookup(child); ok && !e.Deleted {
			t.tombstone(child, e)
		}
		t.sweep(child, nil)
	}
}

func (t *Txn) write(key string, n Node, deleted bool) {
	t.staged[key] = Entry{Node: n, Clock: t.doc.clock.Now(), Deleted: deleted}
	if t.kids != nil {
		t.index(key)
	}
}

func (t *Txn) lookup(key string) (Entry, bool) {
	if e, ok := t.staged[key]; ok {
		return e, true
	}
	e, ok := t.doc.entries[key]
	return e, ok
}

// visible reports whether key and all of its ancestors are live.
func (t *Txn) visible(key string) bool {
	for k := key; k != ""; k = parentKey(k) {
		e, ok := t.lookup(k)
		if !ok || e.Deleted {
			return false
		}
		if k != key && e.Node.Kind == KindLeaf {
			return false
		}
	}
	return true
}

func (t *Txn) children(key string) map[string]struct{} {
	if t.kids == nil {
		t.kids = make(map[string]map[string]struct{})
		for k := range t.doc.entries {
			t.index(k)
		}
		for k := range t.staged {
			t.index(k)
		}
	}
	return t.kids[key]
}

func (t *Txn) index(key string) {
	p := parentKey(key)
	set, ok := t.kids[p]
	if !ok {
		set = make(map[string]struct{})
		t.kids[p] = set
	}
	set[key] = struct{}{}
}

// detectList reports whether arr is a keyed list and returns its id field
// and the element segments in order.
func detectList(arr []any) (string, []string, bool) {
	if len(arr) == 0 {
		return "", nil, false
	}
	for _, idKey := range ListIDKeys {
		if ids, ok := keyedIDs(arr, idKey); ok {
			return idKey, ids, true
		}
	}
	return "", nil, false
}

func keyedIDs(arr []any, idKey string) ([]string, bool) {
	ids := make([]string, 0, len(arr))
	seen := make(map[string]bool, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, false
		}
		seg, ok := idSegment(m[idKey])
		if !ok || seen[seg] {
			return nil, false
		}
		seen[seg] = true
		ids = append(ids, seg)
	}
	return ids, true
}

func idSegment(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		b, _ := json.Marshal(id)
		return string(b), true
	}
	return "", false
}

func sameNode(a, b Node) bool {
	return a.Kind == b.Kind && a.IDKey == b.IDKey && a.Pos == b.Pos && bytes.Equal(a.Value, b.Value)
}

func sameJSON(a, b any) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}

// normalize round-trips v through JSON so that only the types produced by
// encoding/json remain.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
