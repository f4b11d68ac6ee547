package substitution_test

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/substitution"
)

func contextFor(t *testing.T, m *mapping.Mapping, payload string) *mapping.ProcessingContext {
	t.Helper()
	pc := mapping.NewProcessingContext("acme", "sensors/alpha/temperature", m, []byte(payload))
	var parsed any
	require.NoError(t, json.Unmarshal([]byte(payload), &parsed))
	pc.Payload = parsed
	return pc
}

func TestEvaluatorExtract(t *testing.T) {
	ev := substitution.NewEvaluator(zerolog.Nop())

	t.Run("DotPathsAndTypes", func(t *testing.T) {
		m := mapping.NewMapping("temp", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		m.Substitutions = []mapping.Substitution{
			{SourcePath: "device", TargetPath: "source.id"},
			{SourcePath: "reading.value", TargetPath: "temperature.value"},
		}
		pc := contextFor(t, m, `{"device":"sensor-1","reading":{"value":21.3}}`)

		require.NoError(t, ev.Extract(pc))

		ids := pc.Cache.Values("source.id")
		require.Len(t, ids, 1)
		assert.Equal(t, "sensor-1", ids[0].Value)

		values := pc.Cache.Values("temperature.value")
		require.Len(t, values, 1)
		assert.Equal(t, 21.3, values[0].Value)
		assert.Equal(t, mapping.ValueNumber, values[0].Kind)
	})

	t.Run("MissingPathIsSkippedNotFailed", func(t *testing.T) {
		m := mapping.NewMapping("temp", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		m.Substitutions = []mapping.Substitution{
			{SourcePath: "nothing.here", TargetPath: "value"},
		}
		pc := contextFor(t, m, `{"device":"sensor-1"}`)

		require.NoError(t, ev.Extract(pc))
		assert.False(t, pc.Cache.Has("value"))
		assert.False(t, pc.Failed())
	})

	t.Run("ExpandArrayFansOutElements", func(t *testing.T) {
		m := mapping.NewMapping("multi", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		m.Substitutions = []mapping.Substitution{
			{SourcePath: "devices[*].id", TargetPath: "source.id", ExpandArray: true},
		}
		pc := contextFor(t, m, `{"devices":[{"id":"a"},{"id":"b"},{"id":"c"}]}`)

		require.NoError(t, ev.Extract(pc))
		values := pc.Cache.Values("source.id")
		require.Len(t, values, 3)
		assert.Equal(t, "a", values[0].Value)
		assert.True(t, values[0].ExpandArray)
	})

	t.Run("ExpandArrayOnScalarWarnsAndKeepsValue", func(t *testing.T) {
		m := mapping.NewMapping("scalar", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		m.Substitutions = []mapping.Substitution{
			{SourcePath: "device", TargetPath: "source.id", ExpandArray: true},
		}
		pc := contextFor(t, m, `{"device":"sensor-1"}`)

		require.NoError(t, ev.Extract(pc))
		require.Len(t, pc.Cache.Values("source.id"), 1)
		assert.NotEmpty(t, pc.Warnings)
	})

	t.Run("QueryProjection", func(t *testing.T) {
		m := mapping.NewMapping("query", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		m.Substitutions = []mapping.Substitution{
			{SourcePath: "readings[?unit=='C'].value | [0]", TargetPath: "temperature.value"},
		}
		pc := contextFor(t, m, `{"readings":[{"unit":"F","value":70.0},{"unit":"C","value":21.0}]}`)

		require.NoError(t, ev.Extract(pc))
		values := pc.Cache.Values("temperature.value")
		require.Len(t, values, 1)
		assert.Equal(t, 21.0, values[0].Value)
	})
}

func TestInjectTimeIfMissing(t *testing.T) {
	ev := substitution.NewEvaluator(zerolog.Nop())

	t.Run("MeasurementGetsTimestamp", func(t *testing.T) {
		m := mapping.NewMapping("temp", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		pc := contextFor(t, m, `{}`)

		ev.InjectTimeIfMissing(pc)
		require.True(t, pc.Cache.Has(mapping.TimePath))
		v := pc.Cache.Values(mapping.TimePath)[0]
		assert.Equal(t, mapping.ValueTextual, v.Kind)
		assert.Equal(t, mapping.RepairCreateIfMissing, v.Repair)
	})

	t.Run("InventoryAndOperationAreExempt", func(t *testing.T) {
		for _, api := range []mapping.TargetAPI{mapping.APIInventory, mapping.APIOperation} {
			m := mapping.NewMapping("x", mapping.DirectionInbound)
			m.TargetAPI = api
			pc := contextFor(t, m, `{}`)
			ev.InjectTimeIfMissing(pc)
			assert.False(t, pc.Cache.Has(mapping.TimePath), string(api))
		}
	})

	t.Run("ExistingTimeIsKept", func(t *testing.T) {
		m := mapping.NewMapping("temp", mapping.DirectionInbound)
		m.TargetAPI = mapping.APIMeasurement
		pc := contextFor(t, m, `{}`)
		pc.Cache.Add(mapping.TimePath, mapping.NewSubstituteValue("2026-01-01T00:00:00Z", mapping.RepairDefault, false))

		ev.InjectTimeIfMissing(pc)
		values := pc.Cache.Values(mapping.TimePath)
		require.Len(t, values, 1)
		assert.Equal(t, "2026-01-01T00:00:00Z", values[0].Value)
	})
}
