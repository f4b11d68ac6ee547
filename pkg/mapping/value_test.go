package mapping_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

func TestSubstituteValueTyped(t *testing.T) {
	t.Run("NumberStaysFloat", func(t *testing.T) {
		v := mapping.NewSubstituteValue(25.5, mapping.RepairDefault, false)
		require.Equal(t, mapping.ValueNumber, v.Kind)
		typed, err := v.Typed()
		require.NoError(t, err)
		assert.Equal(t, 25.5, typed)
	})

	t.Run("NumericStringDeclaredNumberIsParsed", func(t *testing.T) {
		v := mapping.SubstituteValue{Value: "21.5", Kind: mapping.ValueNumber}
		typed, err := v.Typed()
		require.NoError(t, err)
		assert.Equal(t, 21.5, typed)
	})

	t.Run("NonNumericStringDeclaredNumberFails", func(t *testing.T) {
		v := mapping.SubstituteValue{Value: "hot", Kind: mapping.ValueNumber}
		_, err := v.Typed()
		require.Error(t, err)
	})

	t.Run("NumberDeclaredTextualBecomesString", func(t *testing.T) {
		v := mapping.SubstituteValue{Value: 42.0, Kind: mapping.ValueTextual}
		typed, err := v.Typed()
		require.NoError(t, err)
		assert.Equal(t, "42", typed)
	})

	t.Run("IgnoreYieldsNil", func(t *testing.T) {
		v := mapping.SubstituteValue{Kind: mapping.ValueIgnore}
		typed, err := v.Typed()
		require.NoError(t, err)
		assert.Nil(t, typed)
	})
}

func TestInferValueType(t *testing.T) {
	assert.Equal(t, mapping.ValueTextual, mapping.InferValueType("x"))
	assert.Equal(t, mapping.ValueNumber, mapping.InferValueType(1.0))
	assert.Equal(t, mapping.ValueObject, mapping.InferValueType(map[string]any{}))
	assert.Equal(t, mapping.ValueArray, mapping.InferValueType([]any{}))
	assert.Equal(t, mapping.ValueIgnore, mapping.InferValueType(nil))
}

func TestProcessingCache(t *testing.T) {
	cache := mapping.NewProcessingCache()
	cache.Add("source.id", mapping.NewSubstituteValue("a", mapping.RepairDefault, true))
	cache.Add("source.id", mapping.NewSubstituteValue("b", mapping.RepairDefault, true))
	cache.Add("source.id", mapping.NewSubstituteValue("c", mapping.RepairDefault, true))
	cache.Add("value", mapping.NewSubstituteValue(1.0, mapping.RepairDefault, false))

	t.Run("KeysPreserveInsertionOrder", func(t *testing.T) {
		assert.Equal(t, []string{"source.id", "value"}, cache.Keys())
	})

	t.Run("MaxEntryFindsWidestPath", func(t *testing.T) {
		key, width := cache.MaxEntry()
		assert.Equal(t, "source.id", key)
		assert.Equal(t, 3, width)
	})

	t.Run("Lookups", func(t *testing.T) {
		assert.True(t, cache.Has("value"))
		assert.False(t, cache.Has("missing"))
		assert.Len(t, cache.Values("source.id"), 3)
		assert.Equal(t, 2, cache.Len())
	})
}

func TestProcessingContext(t *testing.T) {
	m := newMeasurementMapping(t)
	pc := mapping.NewProcessingContext("acme", "sensors/alpha/temperature", m, []byte(`{}`))

	t.Run("RequestsChainPredecessors", func(t *testing.T) {
		first := pc.AddRequest(mapping.DomainRequest{API: mapping.APIMeasurement})
		second := pc.AddRequest(mapping.DomainRequest{API: mapping.APIMeasurement})
		assert.Equal(t, 0, first)
		assert.Equal(t, 1, second)
		assert.Equal(t, -1, pc.Requests[0].Predecessor)
		assert.Equal(t, 0, pc.Requests[1].Predecessor)
	})

	t.Run("ErrorState", func(t *testing.T) {
		assert.False(t, pc.Failed())
		pc.AddError(assert.AnError)
		assert.True(t, pc.Failed())
	})

	t.Run("IgnoreFurtherProcessing", func(t *testing.T) {
		assert.False(t, pc.IgnoreFurtherProcessing())
		pc.SetIgnoreFurtherProcessing()
		assert.True(t, pc.IgnoreFurtherProcessing())
	})
}
