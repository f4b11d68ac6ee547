package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	extism "github.com/extism/go-sdk"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/substitution"
)

// WasmLoader loads uploaded WASM extension modules into registry entries.
// Each declared event must exist as an exported function in the module;
// events whose export is missing are recorded as load failures without
// preventing the remaining events from loading.
type WasmLoader struct {
	evaluator *substitution.Evaluator
	logger    zerolog.Logger
}

// NewWasmLoader creates a WasmLoader.
func NewWasmLoader(evaluator *substitution.Evaluator, logger zerolog.Logger) *WasmLoader {
	return &WasmLoader{
		evaluator: evaluator,
		logger:    logger.With().Str("component", "WasmLoader").Logger(),
	}
}

// Load compiles a WASM module and validates its declared events, returning
// a registry entry whose status reflects which events resolved to exports.
func (l *WasmLoader) Load(ctx context.Context, name string, wasmData []byte, events []string) (*Entry, error) {
	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			&extism.WasmData{
				Name: name,
				Data: wasmData,
			},
		},
	}

	plugin, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{
		EnableWasi: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("loading extension %q: %w", name, err)
	}

	pluginLogger := l.logger.With().Str("extension", name).Logger()
	plugin.SetLogger(func(level extism.LogLevel, message string) {
		switch level {
		case extism.LogLevelError:
			pluginLogger.Error().Msg(message)
		case extism.LogLevelWarn:
			pluginLogger.Warn().Msg(message)
		default:
			pluginLogger.Debug().Str("level", level.String()).Msg(message)
		}
	})

	shared := &sharedPlugin{plugin: plugin}
	entry := &Entry{Name: name, External: true, Events: make(map[string]*EventEntry, len(events))}
	for _, event := range events {
		ev := &EventEntry{Name: event}
		if !plugin.FunctionExists(event) {
			ev.Message = fmt.Sprintf("module exports no function %q", event)
			l.logger.Warn().Str("extension", name).Str("event", event).Msg("Declared event has no matching export.")
		} else {
			ev.Loaded = true
			ev.Processor = &wasmEventProcessor{
				extension: name,
				event:     event,
				plugin:    shared,
				evaluator: l.evaluator,
			}
		}
		entry.Events[event] = ev
	}
	return entry, nil
}

// sharedPlugin serializes calls into one plugin instance, which is not safe
// for concurrent invocation.
type sharedPlugin struct {
	mu     sync.Mutex
	plugin *extism.Plugin
}

func (s *sharedPlugin) call(ctx context.Context, function string, input []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, output, err := s.plugin.CallWithContext(ctx, function, input)
	return output, err
}

// wasmEventProcessor invokes one exported event function. The module
// receives the raw payload and topic as JSON and returns a map of target
// paths to values in the same shape the code processor uses; an empty
// result filters the message.
type wasmEventProcessor struct {
	extension string
	event     string
	plugin    *sharedPlugin
	evaluator *substitution.Evaluator
}

type wasmInput struct {
	Topic string `json:"topic"`
	// Payload carries the message verbatim when it is valid JSON, otherwise
	// PayloadBytes carries it base64-encoded.
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadBytes []byte          `json:"payloadBytes,omitempty"`
	API          string          `json:"api"`
}

func (p *wasmEventProcessor) ExtractFromSource(ctx context.Context, pc *mapping.ProcessingContext) error {
	m := pc.Mapping
	in := wasmInput{Topic: pc.Topic, API: string(m.TargetAPI)}
	if json.Valid(pc.RawPayload) {
		in.Payload = json.RawMessage(pc.RawPayload)
	} else {
		in.PayloadBytes = pc.RawPayload
	}
	input, err := json.Marshal(in)
	if err != nil {
		return mapping.NewProcessingError(m.ID, "extension invocation", err)
	}

	output, err := p.plugin.call(ctx, p.event, input)
	if err != nil {
		return mapping.NewProcessingError(m.ID, "extension invocation",
			fmt.Errorf("extension %q event %q: %w", p.extension, p.event, err))
	}
	if len(output) == 0 {
		pc.SetIgnoreFurtherProcessing()
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal(output, &result); err != nil {
		return mapping.NewProcessingError(m.ID, "extension invocation",
			fmt.Errorf("extension %q event %q returned invalid JSON: %w", p.extension, p.event, err))
	}

	applyExtractionResult(pc, result)
	if !pc.IgnoreFurtherProcessing() {
		p.evaluator.InjectTimeIfMissing(pc)
	}
	return nil
}
