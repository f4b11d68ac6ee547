// Package extension routes extraction to pluggable source processors. The
// built-in variants (rule-based JSON, expression code, protobuf) are
// compiled in; third-party extensions are WASM modules loaded in isolation
// and validated against their declared events before being trusted. A
// registry owns the loaded entries and their load status; it is an explicit
// object handed to the engine, not ambient global state.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// Processor extracts substitution values from a message's source payload
// into the processing context's cache. Implementations may instead mark the
// context ignore-further-processing to filter the message intentionally.
type Processor interface {
	ExtractFromSource(ctx context.Context, pc *mapping.ProcessingContext) error
}

// ErrExtensionNotFound is returned when a mapping names an extension or
// event that is not registered. Dispatching to a missing extension is a
// hard processing failure for that mapping, never a silent skip.
var ErrExtensionNotFound = errors.New("extension: not registered")

// LoadStatus aggregates the load outcome of an extension's declared events.
type LoadStatus string

const (
	LoadComplete  LoadStatus = "COMPLETE"
	LoadPartially LoadStatus = "PARTIALLY"
	LoadNotLoaded LoadStatus = "NOT_LOADED"
)

// EventEntry is one declared event of an extension and its load outcome.
type EventEntry struct {
	Name      string
	Processor Processor
	// Message carries the human-readable load failure, if any.
	Message string
	Loaded  bool
}

// Entry is one registered extension with its per-event processors.
type Entry struct {
	Name string
	// External marks extensions loaded from uploaded modules rather than
	// compiled in.
	External bool
	Events   map[string]*EventEntry
}

// Status aggregates the entry's event load outcomes.
func (e *Entry) Status() LoadStatus {
	if len(e.Events) == 0 {
		return LoadNotLoaded
	}
	loaded := 0
	for _, ev := range e.Events {
		if ev.Loaded {
			loaded++
		}
	}
	switch loaded {
	case len(e.Events):
		return LoadComplete
	case 0:
		return LoadNotLoaded
	default:
		return LoadPartially
	}
}

// Registry resolves (extensionName, eventName) pairs to loaded processor
// instances. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.With().Str("component", "ExtensionRegistry").Logger(),
	}
}

// Register adds (or replaces) an extension entry.
func (r *Registry) Register(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
	r.logger.Info().Str("extension", entry.Name).Str("status", string(entry.Status())).
		Int("events", len(entry.Events)).Msg("Extension registered.")
}

// Remove deletes an extension entry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get resolves a processor for the named extension event.
func (r *Registry) Get(name, event string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q", ErrExtensionNotFound, name)
	}
	ev, ok := entry.Events[event]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q has no event %q", ErrExtensionNotFound, name, event)
	}
	if !ev.Loaded || ev.Processor == nil {
		return nil, fmt.Errorf("%w: extension %q event %q failed to load: %s", ErrExtensionNotFound, name, event, ev.Message)
	}
	return ev.Processor, nil
}

// EntryStatus reports the load status and per-event messages of an
// extension, for status polling.
func (r *Registry) EntryStatus(name string) (LoadStatus, map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: extension %q", ErrExtensionNotFound, name)
	}
	messages := make(map[string]string, len(entry.Events))
	for _, ev := range entry.Events {
		messages[ev.Name] = ev.Message
	}
	return entry.Status(), messages, nil
}

// List returns the registered extension names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// decodeSubstituteValues converts a processor result value for one target
// path into substitute values. Results may be bare values, arrays of bare
// values, or objects in the {value, type, repairStrategy, expandArray}
// shape.
func decodeSubstituteValues(raw any) []mapping.SubstituteValue {
	list, ok := raw.([]any)
	if !ok {
		list = []any{raw}
	}
	out := make([]mapping.SubstituteValue, 0, len(list))
	for _, item := range list {
		out = append(out, decodeSubstituteValue(item))
	}
	return out
}

func decodeSubstituteValue(item any) mapping.SubstituteValue {
	obj, ok := item.(map[string]any)
	if !ok {
		return mapping.NewSubstituteValue(item, mapping.RepairDefault, false)
	}
	value, hasValue := obj["value"]
	if !hasValue {
		return mapping.NewSubstituteValue(obj, mapping.RepairDefault, false)
	}
	sv := mapping.NewSubstituteValue(value, mapping.RepairDefault, false)
	if t, ok := obj["type"].(string); ok {
		sv.Kind = mapping.ValueType(t)
	}
	if rs, ok := obj["repairStrategy"].(string); ok {
		sv.Repair = mapping.RepairStrategy(rs)
	}
	if ea, ok := obj["expandArray"].(bool); ok {
		sv.ExpandArray = ea
	}
	return sv
}

// applyExtractionResult writes a processor's targetPath-keyed result into
// the context cache, honoring the per-key expandArray convention: when the
// first value of a key is marked expandArray, every element is cached for
// fan-out; otherwise only the first value is taken. Reserved keys override
// the implicit-creation device name and type. An empty result marks the
// context as intentionally filtered.
func applyExtractionResult(pc *mapping.ProcessingContext, result map[string]any) {
	if len(result) == 0 {
		pc.SetIgnoreFurtherProcessing()
		return
	}
	for key, raw := range result {
		switch key {
		case "_deviceName":
			if s, ok := raw.(string); ok {
				pc.DeviceName = s
			}
			continue
		case "_deviceType":
			if s, ok := raw.(string); ok {
				pc.DeviceType = s
			}
			continue
		}
		values := decodeSubstituteValues(raw)
		if len(values) == 0 {
			continue
		}
		if values[0].ExpandArray {
			for _, v := range values {
				pc.Cache.Add(key, v)
			}
			continue
		}
		pc.Cache.Add(key, values[0])
	}
}

// parseJSONPayload deserializes the raw payload once per context.
func parseJSONPayload(pc *mapping.ProcessingContext) error {
	if pc.Payload != nil {
		return nil
	}
	var payload any
	if err := json.Unmarshal(pc.RawPayload, &payload); err != nil {
		return mapping.NewProcessingError(pc.Mapping.ID, "deserialization", err)
	}
	pc.Payload = payload
	return nil
}
