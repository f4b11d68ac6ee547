package substitution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// NotDefined is the textual placeholder written when a target path has more
// than one but fewer than the maximum number of candidate values and no
// value exists at the current fan-out index.
const NotDefined = "NOT_DEFINED"

// IdentifierResolution is the outcome of resolving one device identifier for
// one fan-out iteration.
type IdentifierResolution struct {
	// PlatformID is the platform object id; empty when unresolved in a
	// dry run.
	PlatformID string
	// ExternalID is the broker-side identifier.
	ExternalID string
}

// DeviceIDResolver resolves the raw identifier extracted from the payload.
// Inbound flows resolve external to platform ids (creating the device
// implicitly when the mapping allows it); outbound flows resolve the
// reverse. An error aborts only the current fan-out iteration's request.
type DeviceIDResolver func(ctx context.Context, pc *mapping.ProcessingContext, rawIdentifier string) (IdentifierResolution, error)

// Writer applies a populated processing cache to the mapping's target
// template, producing one request per fan-out index.
type Writer struct {
	logger zerolog.Logger
	// StrictAlignment turns the ambiguous-alignment fallback (a path with
	// more than one but fewer-than-max values) into a processing error
	// instead of writing the NotDefined placeholder.
	StrictAlignment bool
}

// NewWriter creates a Writer.
func NewWriter(logger zerolog.Logger) *Writer {
	return &Writer{logger: logger.With().Str("component", "Writer").Logger()}
}

// Write fans the processing cache out into requests appended to the context.
// The widest target path determines the number of output objects; every
// other path is index-aligned to that width, broadcasting single values
// according to their repair strategy. The device-identifier path is resolved
// through the supplied resolver per iteration, and the target template is
// re-parsed for each output so requests never share structure.
func (w *Writer) Write(ctx context.Context, pc *mapping.ProcessingContext, resolve DeviceIDResolver) error {
	m := pc.Mapping
	if pc.Cache.Len() == 0 {
		pc.AddWarning("no values were extracted, nothing to write")
		return nil
	}

	template := m.TargetTemplate
	if template == "" {
		template = "{}"
	}
	// Template validity is checked when the mapping is configured, but a
	// stored mapping can still carry a broken template; defend here too.
	if !json.Valid([]byte(template)) {
		return mapping.NewProcessingError(m.ID, "writing", fmt.Errorf("target template is not valid JSON"))
	}

	deviceKey := m.TargetAPI.DeviceIdentifierPath()
	_, width := pc.Cache.MaxEntry()

	for i := 0; i < width; i++ {
		var target map[string]any
		if err := json.Unmarshal([]byte(template), &target); err != nil {
			return mapping.NewProcessingError(m.ID, "writing", fmt.Errorf("target template must be a JSON object: %w", err))
		}

		req := mapping.DomainRequest{Method: methodFor(m.TargetAPI), API: m.TargetAPI}
		abortIteration := false

		for _, key := range pc.Cache.Keys() {
			value, err := w.pickValue(pc.Cache.Values(key), i, width)
			if err != nil {
				pc.AddError(mapping.NewProcessingError(m.ID, "writing", fmt.Errorf("target path %q: %w", key, err)))
				continue
			}
			typed, err := value.Typed()
			if err != nil {
				pc.AddError(mapping.NewProcessingError(m.ID, "writing", fmt.Errorf("target path %q: %w", key, err)))
				continue
			}

			if key == deviceKey && resolve != nil {
				resolution, err := resolve(ctx, pc, fmt.Sprintf("%v", typed))
				if err != nil {
					req.Error = err
					pc.AddError(mapping.NewProcessingError(m.ID, "identity", err))
					abortIteration = true
					break
				}
				req.PlatformID = resolution.PlatformID
				req.ExternalID = resolution.ExternalID
				if err := SetValueAtPath(target, key, identifierValue(resolution, typed), true); err != nil {
					pc.AddError(mapping.NewProcessingError(m.ID, "writing", err))
				}
				continue
			}

			if value.Repair == mapping.RepairRemoveIfMissing && value.IsMissing() {
				DeleteValueAtPath(target, key)
				continue
			}

			createMissing := value.Repair == mapping.RepairCreateIfMissing
			if err := SetValueAtPath(target, key, typed, createMissing); err != nil {
				pc.AddError(mapping.NewProcessingError(m.ID, "writing", fmt.Errorf("target path %q: %w", key, err)))
			}
		}

		if abortIteration {
			// The request is still appended, carrying its error, so the
			// fan-out chain stays auditable.
			pc.AddRequest(req)
			continue
		}

		if m.PublishTopic != "" {
			identifier := req.ExternalID
			if identifier == "" {
				identifier = req.PlatformID
			}
			req.PublishTopic = mapping.SubstituteTopicWildcard(m.PublishTopic, identifier)
			pc.ResolvedPublishTopic = req.PublishTopic
		}

		req.Payload = target
		pc.AddRequest(req)
	}
	return nil
}

// pickValue index-aligns a target path's candidate values to the fan-out
// width. Paths at full width are indexed directly; a single value is
// broadcast to every position; the broadcast-first and broadcast-last
// strategies pin their value regardless of index. A path with more than one
// but fewer-than-max values is the ambiguous case: the index-matched value
// is used when present, otherwise the NotDefined placeholder (or an error
// under StrictAlignment).
func (w *Writer) pickValue(values []mapping.SubstituteValue, idx, width int) (mapping.SubstituteValue, error) {
	n := len(values)
	if n == 0 {
		return mapping.SubstituteValue{Kind: mapping.ValueIgnore}, nil
	}
	if n == width {
		return values[idx], nil
	}
	switch values[0].Repair {
	case mapping.RepairUseFirstValueOfArray:
		return values[0], nil
	case mapping.RepairUseLastValueOfArray:
		return values[n-1], nil
	}
	if n == 1 {
		return values[0], nil
	}
	if idx < n {
		return values[idx], nil
	}
	if w.StrictAlignment {
		return mapping.SubstituteValue{}, fmt.Errorf("%d values cannot be aligned to %d outputs", n, width)
	}
	return mapping.SubstituteValue{Value: NotDefined, Kind: mapping.ValueTextual}, nil
}

// identifierValue chooses what is written at the device-identifier path: the
// platform id when resolved, otherwise the external id (dry runs), otherwise
// the raw extracted value.
func identifierValue(r IdentifierResolution, raw any) any {
	if r.PlatformID != "" {
		return r.PlatformID
	}
	if r.ExternalID != "" {
		return r.ExternalID
	}
	return raw
}

// methodFor maps the target API to the platform request method.
func methodFor(api mapping.TargetAPI) mapping.RequestMethod {
	if api == mapping.APIInventory {
		return mapping.MethodUpdate
	}
	return mapping.MethodCreate
}
