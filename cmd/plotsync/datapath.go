package main

import (
	"fmt"
	"strings"

	"github.com/go-openapi/jsonpointer"
)

// parsePointer parses an RFC 6901 pointer. "/" is accepted as the root.
// The ~0 and ~1 escapes match the document's own key encoding.
func parsePointer(pointer string) (jsonpointer.Pointer, error) {
	if pointer == "/" {
		pointer = ""
	}
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return p, fmt.Errorf("invalid path %q: %w", pointer, err)
	}
	return p, nil
}

func joinPointer(tokens []string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(jsonpointer.Escape(t))
	}
	return b.String()
}

// lookupPath returns the value at a JSON pointer ("" or "/" is the root).
func lookupPath(root any, pointer string) (any, error) {
	p, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	v, _, err := p.Get(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pointer, err)
	}
	return v, nil
}

// setPath writes value at a JSON pointer, creating missing objects on the
// way. Array elements can be replaced but not appended.
func setPath(root map[string]any, pointer string, value any) error {
	p, err := parsePointer(pointer)
	if err != nil {
		return err
	}
	tokens := p.DecodedTokens()
	if len(tokens) == 0 {
		return fmt.Errorf("cannot replace the whole document; use 'data import'")
	}
	if value == nil {
		return fmt.Errorf("%s: null is not stored; use 'data delete'", pointer)
	}

	for i := 1; i < len(tokens); i++ {
		prefix, err := jsonpointer.New(joinPointer(tokens[:i]))
		if err != nil {
			return err
		}
		if _, _, err := prefix.Get(root); err == nil {
			continue
		}
		if _, err := prefix.Set(root, map[string]any{}); err != nil {
			return fmt.Errorf("%s: %w", pointer, err)
		}
	}

	if _, err := p.Set(root, value); err != nil {
		return fmt.Errorf("%s: %w", pointer, err)
	}
	return nil
}

// deletePath removes the object key at a JSON pointer.
func deletePath(root map[string]any, pointer string) error {
	p, err := parsePointer(pointer)
	if err != nil {
		return err
	}
	tokens := p.DecodedTokens()
	if len(tokens) == 0 {
		return fmt.Errorf("cannot delete the whole document")
	}
	parent, err := lookupPath(root, joinPointer(tokens[:len(tokens)-1]))
	if err != nil {
		return err
	}
	last := tokens[len(tokens)-1]
	node, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("%s: only object keys can be deleted", pointer)
	}
	if _, ok := node[last]; !ok {
		return fmt.Errorf("%s: no such key %q", pointer, last)
	}
	delete(node, last)
	return nil
}
