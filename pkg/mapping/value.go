package mapping

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueType classifies a value extracted from the source payload.
type ValueType string

const (
	ValueTextual ValueType = "TEXTUAL"
	ValueNumber  ValueType = "NUMBER"
	ValueObject  ValueType = "OBJECT"
	ValueArray   ValueType = "ARRAY"
	ValueIgnore  ValueType = "IGNORE"
)

// InferValueType derives the value type from a decoded JSON value.
func InferValueType(v any) ValueType {
	switch v.(type) {
	case nil:
		return ValueIgnore
	case string:
		return ValueTextual
	case float64, float32, int, int32, int64, json.Number:
		return ValueNumber
	case map[string]any:
		return ValueObject
	case []any:
		return ValueArray
	default:
		return ValueTextual
	}
}

// SubstituteValue is one resolved candidate value for a target path,
// produced during extraction and consumed during template writing.
type SubstituteValue struct {
	Value       any            `json:"value"`
	Kind        ValueType      `json:"type"`
	Repair      RepairStrategy `json:"repairStrategy"`
	ExpandArray bool           `json:"expandArray"`
}

// NewSubstituteValue builds a value with its type inferred from the raw
// representation.
func NewSubstituteValue(v any, repair RepairStrategy, expand bool) SubstituteValue {
	return SubstituteValue{Value: v, Kind: InferValueType(v), Repair: repair, ExpandArray: expand}
}

// Typed converts the raw wire representation into a native value according
// to the declared type. Conversion is explicit: numbers never pass through
// locale-dependent parsing, and numeric strings are parsed only when the
// value is declared a NUMBER.
func (s SubstituteValue) Typed() (any, error) {
	switch s.Kind {
	case ValueIgnore:
		return nil, nil
	case ValueTextual:
		switch v := s.Value.(type) {
		case string:
			return v, nil
		case nil:
			return "", nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case ValueNumber:
		switch v := s.Value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q declared NUMBER but is not numeric: %w", v, err)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("value of type %T cannot be converted to NUMBER", s.Value)
		}
	case ValueObject:
		if v, ok := s.Value.(map[string]any); ok {
			return v, nil
		}
		return nil, fmt.Errorf("value of type %T declared OBJECT", s.Value)
	case ValueArray:
		if v, ok := s.Value.([]any); ok {
			return v, nil
		}
		return nil, fmt.Errorf("value of type %T declared ARRAY", s.Value)
	default:
		return s.Value, nil
	}
}

// IsMissing reports whether the value should be treated as absent for
// repair-strategy purposes.
func (s SubstituteValue) IsMissing() bool {
	if s.Kind == ValueIgnore || s.Value == nil {
		return true
	}
	if str, ok := s.Value.(string); ok {
		return str == ""
	}
	return false
}

// ProcessingCache collects extracted values keyed by target path. Insertion
// order of keys is preserved: multi-object fan-out aligns values across keys
// by index, so the order entries were produced in matters.
type ProcessingCache struct {
	keys    []string
	entries map[string][]SubstituteValue
}

// NewProcessingCache returns an empty cache.
func NewProcessingCache() *ProcessingCache {
	return &ProcessingCache{entries: make(map[string][]SubstituteValue)}
}

// Add appends a candidate value for the given target path.
func (c *ProcessingCache) Add(targetPath string, v SubstituteValue) {
	if _, ok := c.entries[targetPath]; !ok {
		c.keys = append(c.keys, targetPath)
	}
	c.entries[targetPath] = append(c.entries[targetPath], v)
}

// Values returns the ordered candidate values for a target path.
func (c *ProcessingCache) Values(targetPath string) []SubstituteValue {
	return c.entries[targetPath]
}

// Has reports whether any value was recorded for the target path.
func (c *ProcessingCache) Has(targetPath string) bool {
	return len(c.entries[targetPath]) > 0
}

// Keys returns the target paths in insertion order.
func (c *ProcessingCache) Keys() []string {
	return c.keys
}

// Len returns the number of distinct target paths.
func (c *ProcessingCache) Len() int {
	return len(c.keys)
}

// MaxEntry returns the key with the most candidate values and that width.
// All other keys are index-aligned to this width during writing.
func (c *ProcessingCache) MaxEntry() (string, int) {
	maxKey, maxLen := "", 0
	for _, k := range c.keys {
		if n := len(c.entries[k]); n > maxLen {
			maxKey, maxLen = k, n
		}
	}
	return maxKey, maxLen
}
