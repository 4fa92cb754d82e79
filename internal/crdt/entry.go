package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the shape of a document node.
type Kind string

const (
	KindMap  Kind = "map"
	KindList Kind = "list"
	KindLeaf Kind = "leaf"
)

// Node is the value held by one document entry.
type Node struct {
	Kind Kind `json:"k"`
	// Value is the canonical JSON of a leaf.
	Value json.RawMessage `json:"v,omitempty"`
	// IDKey names the identity field of a list's elements.
	IDKey string `json:"i,omitempty"`
	// Pos orders a list element among its siblings.
	Pos float64 `json:"p,omitempty"`
}

// Entry is a node stamped with the clock of the write that produced it.
type Entry struct {
	Node    Node  `json:"n"`
	Clock   Clock `json:"t"`
	Deleted bool  `json:"d,omitempty"`
}

// Wins reports whether e should replace other under the merge order.
// Clocks decide; identical clocks fall back to comparing content so the
// order stays total.
func (e Entry) Wins(other Entry) bool {
	if c := e.Clock.Compare(other.Clock); c != 0 {
		return c > 0
	}
	return bytes.Compare(e.digest(), other.digest()) > 0
}

func (e Entry) digest() []byte {
	b, _ := json.Marshal(struct {
		N Node `json:"n"`
		D bool `json:"d"`
	}{e.Node, e.Deleted})
	return b
}

func (e Entry) validate() error {
	switch e.Node.Kind {
	case KindMap, KindList:
	case KindLeaf:
		if !e.Deleted && !json.Valid(e.Node.Value) {
			return fmt.Errorf("leaf value is not valid JSON")
		}
	default:
		return fmt.Errorf("unknown node kind %q", e.Node.Kind)
	}
	if e.Node.Kind == KindList && e.Node.IDKey == "" {
		return fmt.Errorf("list node without id key")
	}
	if e.Clock.Actor == "" {
		return fmt.Errorf("entry without actor")
	}
	return nil
}

// Key returns the document key for a path. The root path is "".
// Segments are escaped as in JSON Pointer.
func Key(path []string) string {
	if len(path) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range path {
		b.WriteByte('/')
		b.WriteString(escape(seg))
	}
	return b.String()
}

// SplitKey is the inverse of Key.
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = unescape(p)
	}
	return parts
}

func childKey(parent, seg string) string {
	return parent + "/" + escape(seg)
}

func parentKey(key string) string {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return ""
	}
	return key[:i]
}

func lastSegment(key string) string {
	return unescape(key[strings.LastIndexByte(key, '/')+1:])
}

func isDescendant(key, ancestor string) bool {
	return strings.HasPrefix(key, ancestor+"/")
}

func validKey(key string) bool {
	return strings.HasPrefix(key, "/")
}

var (
	escaper   = strings.NewReplacer("~", "~0", "/", "~1")
	unescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }
