package mapping_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

func newMeasurementMapping(t *testing.T) *mapping.Mapping {
	t.Helper()
	m := mapping.NewMapping("temperature", mapping.DirectionInbound)
	m.Tenant = "acme"
	m.SubscriptionTopic = "sensors/+/temperature"
	m.TargetAPI = mapping.APIMeasurement
	m.TargetTemplate = `{"type":"c8y_Temperature","source":{"id":""}}`
	m.Substitutions = []mapping.Substitution{
		{SourcePath: "device", TargetPath: "source.id"},
		{SourcePath: "value", TargetPath: "temperature.value"},
	}
	return m
}

func TestMappingValidate(t *testing.T) {
	t.Run("ValidMapping", func(t *testing.T) {
		require.NoError(t, newMeasurementMapping(t).Validate())
	})

	t.Run("NameRequired", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Name = ""
		require.Error(t, m.Validate())
	})

	t.Run("TopicRequired", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.SubscriptionTopic = ""
		require.Error(t, m.Validate())
	})

	t.Run("DeviceIdentifierRequiredInbound", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Substitutions = m.Substitutions[1:]
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source.id")
	})

	t.Run("DuplicateDeviceIdentifierRejected", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Substitutions = append(m.Substitutions, mapping.Substitution{SourcePath: "other", TargetPath: "source.id"})
		require.Error(t, m.Validate())
	})

	t.Run("CodeMappingNeedsNoIdentifierRule", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Type = mapping.TypeCode
		m.CodeTemplate = `{"source.id": payload.device}`
		m.Substitutions = nil
		require.NoError(t, m.Validate())
	})

	t.Run("SnoopingMappingNeedsNoIdentifier", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Substitutions = nil
		m.SnoopStatus = mapping.SnoopEnabled
		require.NoError(t, m.Validate())
	})

	t.Run("OutboundNeedsNoIdentifierRule", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Direction = mapping.DirectionOutbound
		m.Substitutions = nil
		require.NoError(t, m.Validate())
	})

	t.Run("ExtensionMappingRequiresSpec", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Type = mapping.TypeExtension
		m.Extension = &mapping.ExtensionSpec{Name: "vendor"}
		require.Error(t, m.Validate())
		m.Extension.Event = "onMessage"
		require.NoError(t, m.Validate())
	})

	t.Run("BrokenTemplateRejected", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.TargetTemplate = `{"oops":`
		require.Error(t, m.Validate())
	})

	t.Run("CodeMappingRequiresProgram", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Type = mapping.TypeCode
		m.Substitutions = nil
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "program")
	})

	t.Run("CodeMappingRejectsBrokenProgram", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Type = mapping.TypeCode
		m.Substitutions = nil
		m.CodeTemplate = `payload.value >`
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compile")
	})

	t.Run("FlowMappingRequiresProgramName", func(t *testing.T) {
		m := newMeasurementMapping(t)
		m.Type = mapping.TypeFlow
		m.Substitutions = nil
		require.Error(t, m.Validate())
		m.CodeTemplate = "shared-flow"
		require.NoError(t, m.Validate())
	})
}

func TestValidateTopicPattern(t *testing.T) {
	t.Run("MultipleSingleLevelWildcards", func(t *testing.T) {
		assert.NoError(t, mapping.ValidateTopicPattern("a/+/b/+/c"))
	})
	t.Run("TrailingMultiLevelWildcard", func(t *testing.T) {
		assert.NoError(t, mapping.ValidateTopicPattern("devices/#"))
	})
	t.Run("MultiLevelWildcardMustBeLast", func(t *testing.T) {
		assert.Error(t, mapping.ValidateTopicPattern("devices/#/status"))
	})
	t.Run("MixedLiteralWildcardRejected", func(t *testing.T) {
		assert.Error(t, mapping.ValidateTopicPattern("devices/a+/status"))
		assert.Error(t, mapping.ValidateTopicPattern("devices/x#"))
	})
	t.Run("EmptyPatternRejected", func(t *testing.T) {
		assert.Error(t, mapping.ValidateTopicPattern(""))
		assert.Error(t, mapping.ValidateTopicPattern("/"))
	})
}

func TestTopicHelpers(t *testing.T) {
	t.Run("SplitTopicTrimsSeparators", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b", "c"}, mapping.SplitTopic("/a/b/c/"))
		assert.Nil(t, mapping.SplitTopic(""))
	})

	t.Run("SplitTopicIncludingSeparator", func(t *testing.T) {
		assert.Equal(t, []string{"a", "/", "b"}, mapping.SplitTopicIncludingSeparator("a/b"))
		assert.Equal(t, []string{"/", "a"}, mapping.SplitTopicIncludingSeparator("/a"))
	})

	t.Run("IsWildcardTopic", func(t *testing.T) {
		assert.True(t, mapping.IsWildcardTopic("a/+/c"))
		assert.True(t, mapping.IsWildcardTopic("a/#"))
		assert.False(t, mapping.IsWildcardTopic("a/b/c"))
	})

	t.Run("SubstituteTopicWildcard", func(t *testing.T) {
		assert.Equal(t, "cmd/dev-1/req", mapping.SubstituteTopicWildcard("cmd/+/req", "dev-1"))
		assert.Equal(t, "cmd/dev-1", mapping.SubstituteTopicWildcard("cmd/#", "dev-1"))
		assert.Equal(t, "cmd/fixed", mapping.SubstituteTopicWildcard("cmd/fixed", "dev-1"))
	})
}

func TestResolveTopic(t *testing.T) {
	m := newMeasurementMapping(t)
	assert.Equal(t, "sensors/+/temperature", m.ResolveTopic())
	m.TemplateTopic = "sensors/+/+"
	assert.Equal(t, "sensors/+/+", m.ResolveTopic())
}

func TestMaxQoS(t *testing.T) {
	a := newMeasurementMapping(t)
	a.QoS = mapping.QoSAtMostOnce
	b := newMeasurementMapping(t)
	b.QoS = mapping.QoSExactlyOnce
	assert.Equal(t, mapping.QoSExactlyOnce, mapping.MaxQoS([]*mapping.Mapping{a, b}))
	assert.Equal(t, mapping.QoSAtMostOnce, mapping.MaxQoS(nil))
}

func TestFindDeviceIdentifier(t *testing.T) {
	m := newMeasurementMapping(t)
	sub := m.FindDeviceIdentifier()
	require.NotNil(t, sub)
	assert.Equal(t, "device", sub.SourcePath)

	m.TargetAPI = mapping.APIInventory
	assert.Nil(t, m.FindDeviceIdentifier())
}
