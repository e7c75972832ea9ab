package jsonwalk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestWalk(t *testing.T) {
	doc := decode(t, `{"user":{"name":"ada","tags":["a","b"],"age":36},"items":[{"title":"first"}]}`)

	v, ok := Walk(doc, "user.name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok = Walk(doc, "user.tags.1")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = Walk(doc, "items.0.title")
	require.True(t, ok)
	assert.Equal(t, "first", v)

	// Missing paths report missing, never error.
	for _, p := range []string{"user.missing", "user.name.deeper", "items.5.title", "items.x"} {
		_, ok := Walk(doc, p)
		assert.False(t, ok, "path %q", p)
	}
}

func TestWalkString(t *testing.T) {
	doc := decode(t, `{"n":42,"b":true,"s":"x","o":{},"nul":null}`)

	s, ok := WalkString(doc, "n")
	require.True(t, ok)
	assert.Equal(t, "42", s)

	s, ok = WalkString(doc, "b")
	require.True(t, ok)
	assert.Equal(t, "true", s)

	_, ok = WalkString(doc, "o")
	assert.False(t, ok, "objects are not scalars")
	_, ok = WalkString(doc, "nul")
	assert.False(t, ok)
}

func TestFieldNames(t *testing.T) {
	doc := decode(t, `{"a":1,"b":{"c":2,"d":{"e":3,"f":{"g":4}}},"list":[{"x":1},{"y":2}]}`)

	fields := FieldNames(doc, 3)
	for _, want := range []string{"a", "b", "c", "d", "e", "list", "x", "y"} {
		assert.True(t, fields[want], "expected field %q", want)
	}
	// depth 3 stops before g
	assert.False(t, fields["g"])
}

func TestFlatten(t *testing.T) {
	doc := decode(t, `{"title":"hello","n":1,"meta":{"tags":["a","b"]}}`)
	out := Flatten(doc)
	assert.Equal(t, "meta.tags.0: a\nmeta.tags.1: b\nn: 1\ntitle: hello", out)
}
