// Package mapping defines the configuration model for the protocol bridge:
// a Mapping binds a broker topic pattern to a transformation that produces
// platform domain objects (measurements, events, alarms, operations,
// inventory updates), and a list of Substitutions describes how values move
// from the source payload into the target template.
package mapping

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
)

// Direction indicates which way a mapping moves data.
type Direction string

const (
	// DirectionInbound maps broker messages to platform objects.
	DirectionInbound Direction = "INBOUND"
	// DirectionOutbound maps platform notifications to broker messages.
	DirectionOutbound Direction = "OUTBOUND"
)

// TargetAPI is the platform API a mapping produces requests for.
type TargetAPI string

const (
	APIMeasurement TargetAPI = "MEASUREMENT"
	APIEvent       TargetAPI = "EVENT"
	APIAlarm       TargetAPI = "ALARM"
	APIOperation   TargetAPI = "OPERATION"
	APIInventory   TargetAPI = "INVENTORY"
)

// DeviceIdentifierPath returns the target-template path that carries the
// device identifier for objects of this API kind.
func (a TargetAPI) DeviceIdentifierPath() string {
	switch a {
	case APIOperation:
		return "deviceId"
	case APIInventory:
		return "id"
	default:
		return "source.id"
	}
}

// Type selects how a mapping's extraction stage is performed.
type Type string

const (
	// TypeDefault evaluates the substitution rules with plain dot paths.
	TypeDefault Type = "DEFAULT"
	// TypeQuery evaluates the substitution rules as full path-query
	// expressions (JMESPath), including projections for array fan-out.
	TypeQuery Type = "QUERY"
	// TypeCode runs a per-mapping expression program that returns the
	// extraction result directly.
	TypeCode Type = "CODE"
	// TypeFlow runs a named, shared expression program from the code
	// library rather than one embedded in the mapping.
	TypeFlow Type = "FLOW"
	// TypeProtobuf decodes the payload with a configured protobuf schema
	// before evaluating the substitution rules.
	TypeProtobuf Type = "PROTOBUF"
	// TypeExtension dispatches extraction to a registered extension.
	TypeExtension Type = "EXTENSION"
)

// QoS is the broker delivery guarantee requested for a subscription.
type QoS int

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// SnoopStatus tracks the template-capture lifecycle of a mapping. A snooping
// mapping records incoming payloads as candidate templates instead of
// transforming them.
type SnoopStatus string

const (
	SnoopNone    SnoopStatus = "NONE"
	SnoopEnabled SnoopStatus = "ENABLED"
	SnoopStarted SnoopStatus = "STARTED"
	SnoopStopped SnoopStatus = "STOPPED"
)

// Snooping reports whether payloads should currently be captured rather
// than processed.
func (s SnoopStatus) Snooping() bool {
	return s == SnoopEnabled || s == SnoopStarted
}

// RepairStrategy is the policy for reconciling missing or surplus values
// when substitutions are written into the target template.
type RepairStrategy string

const (
	RepairDefault              RepairStrategy = "DEFAULT"
	RepairCreateIfMissing      RepairStrategy = "CREATE_IF_MISSING"
	RepairUseFirstValueOfArray RepairStrategy = "USE_FIRST_VALUE_OF_ARRAY"
	RepairUseLastValueOfArray  RepairStrategy = "USE_LAST_VALUE_OF_ARRAY"
	RepairRemoveIfMissing      RepairStrategy = "REMOVE_IF_MISSING"
)

// Substitution is one source-path to target-path extraction rule.
type Substitution struct {
	// SourcePath is a path-query expression evaluated against the parsed
	// source payload.
	SourcePath string `json:"pathSource" firestore:"pathSource"`
	// TargetPath is a dot-delimited path into the target template.
	TargetPath string `json:"pathTarget" firestore:"pathTarget"`
	// Repair selects how missing or surplus values are reconciled.
	Repair RepairStrategy `json:"repairStrategy" firestore:"repairStrategy"`
	// ExpandArray fans an array result out into one output object per
	// element instead of writing the array as a single value.
	ExpandArray bool `json:"expandArray" firestore:"expandArray"`
}

// ExtensionSpec names the registered extension entry that handles a
// TypeExtension mapping.
type ExtensionSpec struct {
	Name  string `json:"extensionName" firestore:"extensionName"`
	Event string `json:"eventName" firestore:"eventName"`
}

// ProtobufSpec configures payload decoding for a TypeProtobuf mapping. The
// descriptor set is the serialized FileDescriptorSet produced by protoc.
type ProtobufSpec struct {
	DescriptorSet []byte `json:"descriptorSet" firestore:"descriptorSet"`
	MessageName   string `json:"messageName" firestore:"messageName"`
}

// Mapping is one configured routing and transformation rule.
type Mapping struct {
	ID        string    `json:"id" firestore:"id"`
	Name      string    `json:"name" firestore:"name"`
	Tenant    string    `json:"tenant" firestore:"tenant"`
	Direction Direction `json:"direction" firestore:"direction"`

	// SubscriptionTopic is the broker subscription pattern, possibly
	// wildcard-bearing.
	SubscriptionTopic string `json:"subscriptionTopic" firestore:"subscriptionTopic"`
	// TemplateTopic is the pattern bound into the topic tree. When empty
	// the subscription topic is used instead.
	TemplateTopic string `json:"templateTopic" firestore:"templateTopic"`
	// TemplateTopicSample is a concrete topic used to validate the shape
	// of the template topic.
	TemplateTopicSample string `json:"templateTopicSample" firestore:"templateTopicSample"`
	// PublishTopic is the outbound topic pattern; wildcard levels are
	// substituted with the resolved device identifier before publishing.
	PublishTopic string `json:"publishTopic,omitempty" firestore:"publishTopic"`
	// FilterOutbound is a path-query predicate selecting which platform
	// notifications an outbound mapping applies to.
	FilterOutbound string `json:"filterOutbound,omitempty" firestore:"filterOutbound"`

	TargetAPI      TargetAPI      `json:"targetAPI" firestore:"targetAPI"`
	Type           Type           `json:"mappingType" firestore:"mappingType"`
	SourceTemplate string         `json:"sourceTemplate,omitempty" firestore:"sourceTemplate"`
	TargetTemplate string         `json:"targetTemplate" firestore:"targetTemplate"`
	Substitutions  []Substitution `json:"substitutions" firestore:"substitutions"`

	ExternalIDType string         `json:"externalIdType" firestore:"externalIdType"`
	Extension      *ExtensionSpec `json:"extension,omitempty" firestore:"extension"`
	Protobuf       *ProtobufSpec  `json:"protobuf,omitempty" firestore:"protobuf"`

	// CodeTemplate is the expression program source for TypeCode mappings;
	// for TypeFlow it is the name of a shared program.
	CodeTemplate string `json:"codeTemplate,omitempty" firestore:"codeTemplate"`

	Active bool `json:"active" firestore:"active"`
	QoS    QoS  `json:"qos" firestore:"qos"`
	// Retain marks outbound publishes as broker-retained so late
	// subscribers receive the last message on the topic.
	Retain                  bool        `json:"retain" firestore:"retain"`
	Debug                   bool        `json:"debug" firestore:"debug"`
	SnoopStatus             SnoopStatus `json:"snoopStatus" firestore:"snoopStatus"`
	CreateNonExistingDevice bool        `json:"createNonExistingDevice" firestore:"createNonExistingDevice"`

	LastUpdate time.Time `json:"lastUpdate" firestore:"lastUpdate"`
}

// NewMapping returns a mapping with a generated id and conservative defaults.
func NewMapping(name string, direction Direction) *Mapping {
	return &Mapping{
		ID:          uuid.NewString(),
		Name:        name,
		Direction:   direction,
		Type:        TypeDefault,
		QoS:         QoSAtLeastOnce,
		SnoopStatus: SnoopNone,
		LastUpdate:  time.Now().UTC(),
	}
}

// ResolveTopic returns the pattern the mapping is bound into the topic tree
// with: the template topic when present, otherwise the subscription topic.
func (m *Mapping) ResolveTopic() string {
	if m.TemplateTopic != "" {
		return m.TemplateTopic
	}
	return m.SubscriptionTopic
}

// FindDeviceIdentifier returns the substitution that writes the device
// identifier for this mapping's target API, or nil when none is declared.
func (m *Mapping) FindDeviceIdentifier() *Substitution {
	want := m.TargetAPI.DeviceIdentifierPath()
	for i := range m.Substitutions {
		if m.Substitutions[i].TargetPath == want {
			return &m.Substitutions[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of a mapping before it is
// accepted by the configuration store or inserted into the topic tree.
func (m *Mapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mapping %s: name is required", m.ID)
	}
	if m.ResolveTopic() == "" {
		return fmt.Errorf("mapping %s: a subscription or template topic is required", m.ID)
	}
	if err := ValidateTopicPattern(m.ResolveTopic()); err != nil {
		return fmt.Errorf("mapping %s: %w", m.ID, err)
	}
	if m.SubscriptionTopic != "" {
		if err := ValidateTopicPattern(m.SubscriptionTopic); err != nil {
			return fmt.Errorf("mapping %s: %w", m.ID, err)
		}
	}
	if m.TargetTemplate != "" && !json.Valid([]byte(m.TargetTemplate)) {
		return fmt.Errorf("mapping %s: target template is not valid JSON", m.ID)
	}
	if m.Type == TypeExtension && (m.Extension == nil || m.Extension.Name == "" || m.Extension.Event == "") {
		return fmt.Errorf("mapping %s: extension mappings must name an extension and event", m.ID)
	}
	if m.Type == TypeCode {
		if m.CodeTemplate == "" {
			return fmt.Errorf("mapping %s: code mappings require a program", m.ID)
		}
		// Compile with the same options the processor uses, so a broken
		// program is rejected here instead of at the first message.
		if _, err := expr.Compile(m.CodeTemplate, expr.AllowUndefinedVariables()); err != nil {
			return fmt.Errorf("mapping %s: code template does not compile: %w", m.ID, err)
		}
	}
	if m.Type == TypeFlow && m.CodeTemplate == "" {
		return fmt.Errorf("mapping %s: flow mappings must name a shared program", m.ID)
	}
	if m.Type == TypeProtobuf && (m.Protobuf == nil || m.Protobuf.MessageName == "") {
		return fmt.Errorf("mapping %s: protobuf mappings must configure a message schema", m.ID)
	}
	return m.validateDeviceIdentifier()
}

// validateDeviceIdentifier enforces that inbound rule-based mappings declare
// exactly one substitution writing the device identifier. Code, flow and
// extension mappings produce the identifier at runtime, and snooping
// mappings resolve no identity at all.
func (m *Mapping) validateDeviceIdentifier() error {
	if m.Direction != DirectionInbound || m.SnoopStatus.Snooping() {
		return nil
	}
	switch m.Type {
	case TypeCode, TypeFlow, TypeExtension:
		return nil
	}
	want := m.TargetAPI.DeviceIdentifierPath()
	count := 0
	for _, s := range m.Substitutions {
		if s.TargetPath == want {
			count++
		}
	}
	switch {
	case count == 0:
		return fmt.Errorf("mapping %s: no substitution defines the device identifier (%s)", m.ID, want)
	case count > 1:
		return fmt.Errorf("mapping %s: %d substitutions define the device identifier (%s), at most one is allowed", m.ID, count, want)
	}
	return nil
}

// MaxQoS returns the highest delivery guarantee requested by any of the
// given mappings. Connectors subscribing for several mappings on one topic
// use this to pick the subscription QoS.
func MaxQoS(ms []*Mapping) QoS {
	max := QoSAtMostOnce
	for _, m := range ms {
		if m.QoS > max {
			max = m.QoS
		}
	}
	return max
}

// TopicLevelSeparator separates topic levels on the wire.
const TopicLevelSeparator = "/"

const (
	// TopicWildcardSingle matches exactly one topic level.
	TopicWildcardSingle = "+"
	// TopicWildcardMulti matches any number of trailing levels.
	TopicWildcardMulti = "#"
)

// SplitTopic splits a topic into its levels, dropping separators and empty
// leading/trailing levels.
func SplitTopic(topic string) []string {
	trimmed := strings.Trim(topic, TopicLevelSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, TopicLevelSeparator)
}

// SplitTopicIncludingSeparator splits a topic into tokens with the
// separators preserved, the form the topic tree stores paths in.
func SplitTopicIncludingSeparator(topic string) []string {
	var out []string
	for i, level := range strings.Split(topic, TopicLevelSeparator) {
		if i > 0 {
			out = append(out, TopicLevelSeparator)
		}
		if level != "" {
			out = append(out, level)
		}
	}
	return out
}

// IsWildcardTopic reports whether the pattern contains any wildcard level.
func IsWildcardTopic(topic string) bool {
	for _, level := range SplitTopic(topic) {
		if level == TopicWildcardSingle || level == TopicWildcardMulti {
			return true
		}
	}
	return false
}

// SubstituteTopicWildcard replaces wildcard levels in an outbound publish
// pattern with the resolved device identifier, producing a concrete topic.
func SubstituteTopicWildcard(pattern, replacement string) string {
	levels := SplitTopic(pattern)
	for i, level := range levels {
		if level == TopicWildcardSingle || level == TopicWildcardMulti {
			levels[i] = replacement
		}
	}
	return strings.Join(levels, TopicLevelSeparator)
}

// ValidateTopicPattern checks wildcard placement: any number of single-level
// wildcards is allowed, but at most one multi-level wildcard, and only as
// the final level.
func ValidateTopicPattern(topic string) error {
	levels := SplitTopic(topic)
	if len(levels) == 0 {
		return fmt.Errorf("topic pattern is empty")
	}
	for i, level := range levels {
		if level == TopicWildcardMulti && i != len(levels)-1 {
			return fmt.Errorf("topic pattern %q: multi-level wildcard is only allowed at the final level", topic)
		}
		if strings.Contains(level, TopicWildcardSingle) && level != TopicWildcardSingle {
			return fmt.Errorf("topic pattern %q: %q mixes a wildcard with literal characters", topic, level)
		}
		if strings.Contains(level, TopicWildcardMulti) && level != TopicWildcardMulti {
			return fmt.Errorf("topic pattern %q: %q mixes a wildcard with literal characters", topic, level)
		}
	}
	return nil
}
