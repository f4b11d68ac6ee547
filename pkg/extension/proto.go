package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/substitution"
)

// ProtoProcessor handles PROTOBUF mappings: the binary payload is decoded
// against the mapping's uploaded descriptor set, rendered to its canonical
// JSON form and then run through the regular rule evaluator. Descriptors
// are resolved once per mapping and cached.
type ProtoProcessor struct {
	evaluator *substitution.Evaluator
	logger    zerolog.Logger

	mu          sync.RWMutex
	descriptors map[string]protoreflect.MessageDescriptor
}

// NewProtoProcessor creates a ProtoProcessor.
func NewProtoProcessor(evaluator *substitution.Evaluator, logger zerolog.Logger) *ProtoProcessor {
	return &ProtoProcessor{
		evaluator:   evaluator,
		logger:      logger.With().Str("component", "ProtoProcessor").Logger(),
		descriptors: make(map[string]protoreflect.MessageDescriptor),
	}
}

// InvalidateDescriptor drops the cached descriptor for a mapping, used when
// its descriptor set is re-uploaded.
func (p *ProtoProcessor) InvalidateDescriptor(mappingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.descriptors, mappingID)
}

// ExtractFromSource decodes the payload as the mapping's protobuf message
// and evaluates the substitution rules against its JSON rendering.
func (p *ProtoProcessor) ExtractFromSource(_ context.Context, pc *mapping.ProcessingContext) error {
	m := pc.Mapping
	if m.Protobuf == nil {
		return mapping.NewProcessingError(m.ID, "protobuf decoding",
			fmt.Errorf("mapping carries no protobuf spec"))
	}

	md, err := p.descriptorFor(m)
	if err != nil {
		return mapping.NewProcessingError(m.ID, "protobuf decoding", err)
	}

	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(pc.RawPayload, msg); err != nil {
		return mapping.NewProcessingError(m.ID, "protobuf decoding",
			fmt.Errorf("decoding %s: %w", m.Protobuf.MessageName, err))
	}

	jsonBytes, err := protojson.Marshal(msg)
	if err != nil {
		return mapping.NewProcessingError(m.ID, "protobuf decoding",
			fmt.Errorf("rendering %s to JSON: %w", m.Protobuf.MessageName, err))
	}
	var payload any
	if err := json.Unmarshal(jsonBytes, &payload); err != nil {
		return mapping.NewProcessingError(m.ID, "deserialization", err)
	}
	pc.Payload = payload

	return p.evaluator.Extract(pc)
}

// descriptorFor resolves the mapping's message descriptor from its uploaded
// file descriptor set, caching the result by mapping id.
func (p *ProtoProcessor) descriptorFor(m *mapping.Mapping) (protoreflect.MessageDescriptor, error) {
	p.mu.RLock()
	md, ok := p.descriptors[m.ID]
	p.mu.RUnlock()
	if ok {
		return md, nil
	}

	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(m.Protobuf.DescriptorSet, &fds); err != nil {
		return nil, fmt.Errorf("parsing descriptor set: %w", err)
	}
	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, fmt.Errorf("building file registry: %w", err)
	}
	desc, err := files.FindDescriptorByName(protoreflect.FullName(m.Protobuf.MessageName))
	if err != nil {
		return nil, fmt.Errorf("message %q not found in descriptor set: %w", m.Protobuf.MessageName, err)
	}
	md, ok = desc.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("%q is not a message", m.Protobuf.MessageName)
	}

	p.mu.Lock()
	p.descriptors[m.ID] = md
	p.mu.Unlock()
	return md, nil
}
