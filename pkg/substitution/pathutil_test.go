package substitution_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/substitution"
)

func TestSetValueAtPath(t *testing.T) {
	t.Run("NestedCreate", func(t *testing.T) {
		root := map[string]any{}
		require.NoError(t, substitution.SetValueAtPath(root, "a.b.c", 1.0, true))
		assert.Equal(t, map[string]any{"a": map[string]any{"b": map[string]any{"c": 1.0}}}, root)
	})

	t.Run("MissingIntermediateWithoutCreateFails", func(t *testing.T) {
		root := map[string]any{}
		require.Error(t, substitution.SetValueAtPath(root, "a.b", 1.0, false))
	})

	t.Run("ArrayIndex", func(t *testing.T) {
		root := map[string]any{"values": []any{"x", "y"}}
		require.NoError(t, substitution.SetValueAtPath(root, "values.1", "z", false))
		assert.Equal(t, []any{"x", "z"}, root["values"])
	})
}

func TestDeleteValueAtPath(t *testing.T) {
	t.Run("RemovesNestedKey", func(t *testing.T) {
		root := map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}}
		substitution.DeleteValueAtPath(root, "a.b")
		assert.Equal(t, map[string]any{"a": map[string]any{"c": 2.0}}, root)
	})

	t.Run("AbsentPathIsNoError", func(t *testing.T) {
		root := map[string]any{"a": 1.0}
		substitution.DeleteValueAtPath(root, "x.y.z")
		assert.Equal(t, map[string]any{"a": 1.0}, root)
	})
}

func TestGetValueAtPath(t *testing.T) {
	root := map[string]any{"a": map[string]any{"b": 42.0}}
	v, ok := substitution.GetValueAtPath(root, "a.b")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = substitution.GetValueAtPath(root, "a.missing")
	assert.False(t, ok)
}
