package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotsync/plotsync/internal/crdt"
)

func sample() map[string]any {
	return map[string]any{
		"allotment": map[string]any{
			"meta":    map[string]any{"name": "Plot 12"},
			"seasons": []any{map[string]any{"year": 2025.0}},
		},
		"a/b": "escaped",
	}
}

func TestLookupPath(t *testing.T) {
	doc := sample()

	v, err := lookupPath(doc, "")
	require.NoError(t, err)
	assert.Equal(t, doc, v)

	v, err = lookupPath(doc, "/allotment/meta/name")
	require.NoError(t, err)
	assert.Equal(t, "Plot 12", v)

	v, err = lookupPath(doc, "/allotment/seasons/0/year")
	require.NoError(t, err)
	assert.Equal(t, 2025.0, v)

	v, err = lookupPath(doc, "/a~1b")
	require.NoError(t, err)
	assert.Equal(t, "escaped", v)

	_, err = lookupPath(doc, "/allotment/missing")
	assert.Error(t, err)
	_, err = lookupPath(doc, "/allotment/seasons/3")
	assert.Error(t, err)
}

func TestSetPath(t *testing.T) {
	doc := sample()
	require.NoError(t, setPath(doc, "/allotment/meta/name", "Plot 13"))
	require.NoError(t, setPath(doc, "/varieties/tomato", map[string]any{"days": 70.0}))
	require.NoError(t, setPath(doc, "/allotment/seasons/0/year", 2026.0))

	assert.Equal(t, "Plot 13", doc["allotment"].(map[string]any)["meta"].(map[string]any)["name"])
	assert.Equal(t, 70.0, doc["varieties"].(map[string]any)["tomato"].(map[string]any)["days"])
	assert.Equal(t, 2026.0, doc["allotment"].(map[string]any)["seasons"].([]any)[0].(map[string]any)["year"])

	assert.Error(t, setPath(doc, "", 1))
	assert.Error(t, setPath(doc, "/allotment/meta/name/deeper", 1))
	assert.Error(t, setPath(doc, "/allotment/seasons/5", 1))
	assert.Error(t, setPath(doc, "/allotment/meta/name", nil))
	assert.Error(t, setPath(doc, "no-slash", 1))
}

func TestPathsMatchDocumentKeys(t *testing.T) {
	doc := map[string]any{}
	key := crdt.Key([]string{"beds", "a/b", "x~y"})
	require.NoError(t, setPath(doc, key, "v"))
	assert.Equal(t, "v", doc["beds"].(map[string]any)["a/b"].(map[string]any)["x~y"])

	v, err := lookupPath(doc, key)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, key, joinPointer(crdt.SplitKey(key)))
}

func TestDeletePath(t *testing.T) {
	doc := sample()
	require.NoError(t, deletePath(doc, "/allotment/meta/name"))
	assert.Empty(t, doc["allotment"].(map[string]any)["meta"])

	assert.Error(t, deletePath(doc, "/allotment/meta/name"))
	assert.Error(t, deletePath(doc, "/allotment/seasons/0"))
	assert.Error(t, deletePath(doc, ""))
}
