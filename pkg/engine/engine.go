// Package engine ties resolution and transformation together: messages are
// matched against per-tenant topic trees, each matched mapping gets an
// independent processing context, extraction is dispatched to the mapping's
// processor, and the writer fans the extracted values out into domain
// requests. The engine owns no transport; the Service in this package wires
// it to consumers and publishers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/configstore"
	"github.com/illmade-knight/go-mapper/pkg/extension"
	"github.com/illmade-knight/go-mapper/pkg/identity"
	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/snoop"
	"github.com/illmade-knight/go-mapper/pkg/substitution"
	"github.com/illmade-knight/go-mapper/pkg/topictree"
	"github.com/illmade-knight/go-mapper/pkg/transport"
)

// Config tunes the engine's processing behavior.
type Config struct {
	// StrictAlignment makes ambiguous fan-out alignment a processing error
	// instead of writing a placeholder.
	StrictAlignment bool
	// ScriptBudget bounds CODE and FLOW program evaluation.
	ScriptBudget time.Duration
}

// Engine resolves topics to mappings and processes messages against them.
type Engine struct {
	cfg      Config
	store    configstore.Store
	registry *extension.Registry
	resolver *identity.Resolver
	recorder *snoop.Recorder
	metrics  *Metrics
	logger   zerolog.Logger

	evaluator *substitution.Evaluator
	writer    *substitution.Writer
	jsonProc  *extension.JSONProcessor
	codeProc  *extension.CodeProcessor
	protoProc *extension.ProtoProcessor

	mu       sync.RWMutex
	inbound  map[string]*topictree.Tree
	outbound map[string]*topictree.Tree

	// snoopStarted remembers which ENABLED mappings have already had their
	// STARTED transition persisted, so concurrent workers upsert only once.
	snoopStarted sync.Map
}

// New creates an Engine. The store is required; registry, resolver,
// recorder and metrics may be nil, in which case extensions cannot be
// dispatched, identifiers are passed through unresolved, snooped payloads
// are dropped and instruments go to a private registry.
func New(
	cfg Config,
	store configstore.Store,
	registry *extension.Registry,
	resolver *identity.Resolver,
	recorder *snoop.Recorder,
	metrics *Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("configuration store cannot be nil")
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	evaluator := substitution.NewEvaluator(logger)
	writer := substitution.NewWriter(logger)
	writer.StrictAlignment = cfg.StrictAlignment

	return &Engine{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		resolver:  resolver,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.With().Str("component", "Engine").Logger(),
		evaluator: evaluator,
		writer:    writer,
		jsonProc:  extension.NewJSONProcessor(evaluator, logger),
		codeProc:  extension.NewCodeProcessor(evaluator, cfg.ScriptBudget, logger),
		protoProc: extension.NewProtoProcessor(evaluator, logger),
		inbound:   make(map[string]*topictree.Tree),
		outbound:  make(map[string]*topictree.Tree),
	}, nil
}

// RegisterSharedCode adds a named program FLOW mappings can reference.
func (e *Engine) RegisterSharedCode(name, source string) error {
	return e.codeProc.RegisterSharedCode(name, source)
}

// RebuildInboundCache reloads a tenant's active inbound mappings into a
// fresh topic tree and swaps it in atomically. Mappings that fail to insert
// are skipped so one broken configuration cannot take down the rest.
func (e *Engine) RebuildInboundCache(ctx context.Context, tenant string) error {
	return e.rebuild(ctx, tenant, mapping.DirectionInbound)
}

// RebuildOutboundCache is the outbound counterpart of RebuildInboundCache.
func (e *Engine) RebuildOutboundCache(ctx context.Context, tenant string) error {
	return e.rebuild(ctx, tenant, mapping.DirectionOutbound)
}

func (e *Engine) rebuild(ctx context.Context, tenant string, direction mapping.Direction) error {
	active, err := e.store.ListActive(ctx, tenant)
	if err != nil {
		return fmt.Errorf("listing active mappings for %s: %w", tenant, err)
	}

	tree := topictree.New(e.logger)
	var insertErrs []error
	for _, m := range active {
		if m.Direction != direction {
			continue
		}
		if err := tree.Insert(m); err != nil {
			e.logger.Error().Err(err).Str("tenant", tenant).Str("mapping_id", m.ID).
				Msg("Mapping could not be inserted into the topic tree, skipping it.")
			insertErrs = append(insertErrs, err)
		}
	}

	e.mu.Lock()
	if direction == mapping.DirectionInbound {
		e.inbound[tenant] = tree
	} else {
		e.outbound[tenant] = tree
	}
	e.mu.Unlock()

	e.logger.Info().Str("tenant", tenant).Str("direction", string(direction)).
		Int("mapping_count", tree.Size()).Msg("Resolution cache rebuilt.")
	return errors.Join(insertErrs...)
}

func (e *Engine) treeFor(tenant string, direction mapping.Direction) *topictree.Tree {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if direction == mapping.DirectionInbound {
		return e.inbound[tenant]
	}
	return e.outbound[tenant]
}

// ResolveInbound returns the inbound mappings matching a concrete topic.
// A tenant without a cache or a topic without matches returns the soft
// ErrNoMappingsFound.
func (e *Engine) ResolveInbound(tenant, topic string) ([]*mapping.Mapping, error) {
	tree := e.treeFor(tenant, mapping.DirectionInbound)
	if tree == nil {
		return nil, topictree.ErrNoMappingsFound
	}
	return tree.Resolve(topic)
}

// ResolveOutbound returns the outbound mappings matching a notification
// topic, applying each mapping's outbound filter predicate against the
// notification payload. A filter that fails to evaluate is a hard
// FILTER_EVALUATION_ERROR, never a silent pass.
func (e *Engine) ResolveOutbound(tenant, topic string, payload any) ([]*mapping.Mapping, error) {
	tree := e.treeFor(tenant, mapping.DirectionOutbound)
	if tree == nil {
		return nil, topictree.ErrNoMappingsFound
	}
	matched, err := tree.Resolve(topic)
	if err != nil {
		return nil, err
	}

	kept := matched[:0]
	for _, m := range matched {
		if m.FilterOutbound == "" {
			kept = append(kept, m)
			continue
		}
		result, err := jmespath.Search(m.FilterOutbound, payload)
		if err != nil {
			return nil, topictree.NewResolveError(topictree.CodeFilterEvaluationError, topic,
				"mapping %s filter %q: %v", m.ID, m.FilterOutbound, err)
		}
		if truthy(result) {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return nil, topictree.ErrNoMappingsFound
	}
	return kept, nil
}

// DetermineMaxQoS returns the highest QoS among the mappings matching a
// topic, the level a shared subscription must be held at.
func (e *Engine) DetermineMaxQoS(tenant, topic string) (mapping.QoS, error) {
	matched, err := e.ResolveInbound(tenant, topic)
	if err != nil {
		return mapping.QoSAtMostOnce, err
	}
	return mapping.MaxQoS(matched), nil
}

// ProcessMessage resolves an inbound message and processes it against every
// matched mapping, each with an independent context. A resolution miss
// returns no contexts and no error.
func (e *Engine) ProcessMessage(ctx context.Context, tenant string, msg transport.Message) ([]*mapping.ProcessingContext, error) {
	e.metrics.MessagesReceived.WithLabelValues(tenant, string(mapping.DirectionInbound)).Inc()

	matched, err := e.ResolveInbound(tenant, msg.Topic)
	if err != nil {
		if topictree.IsNoMappingsFound(err) {
			e.logger.Debug().Str("tenant", tenant).Str("topic", msg.Topic).Msg("No mappings for topic.")
			return nil, nil
		}
		return nil, err
	}

	contexts := make([]*mapping.ProcessingContext, 0, len(matched))
	for _, m := range matched {
		pc := mapping.NewProcessingContext(tenant, msg.Topic, m, msg.Payload)
		e.Process(ctx, pc)
		contexts = append(contexts, pc)
	}
	return contexts, nil
}

// Process runs one context through its mapping's pipeline: snoop capture
// short-circuits everything else; otherwise extraction is dispatched by
// mapping type and the writer emits the requests. Failures are recorded on
// the context, isolating them from sibling mappings.
func (e *Engine) Process(ctx context.Context, pc *mapping.ProcessingContext) {
	m := pc.Mapping

	if m.SnoopStatus.Snooping() {
		e.snoopPayload(ctx, pc)
		return
	}

	proc, err := e.processorFor(m)
	if err != nil {
		pc.AddError(mapping.NewProcessingError(m.ID, "dispatch", err))
		e.countErrors(pc)
		return
	}

	if err := proc.ExtractFromSource(ctx, pc); err != nil {
		pc.AddError(err)
		e.countErrors(pc)
		return
	}
	if pc.IgnoreFurtherProcessing() {
		e.logger.Debug().Str("mapping_id", m.ID).Msg("Message filtered by extraction stage.")
		return
	}

	if err := e.writer.Write(ctx, pc, e.deviceResolver(m)); err != nil {
		pc.AddError(err)
	}

	for _, req := range pc.Requests {
		if req.Error == nil {
			e.metrics.RequestsEmitted.WithLabelValues(pc.Tenant, string(req.API)).Inc()
		}
	}
	e.countErrors(pc)

	if m.Debug {
		e.logger.Info().Str("mapping_id", m.ID).Str("topic", pc.Topic).
			Int("request_count", len(pc.Requests)).Int("error_count", len(pc.Errors)).
			Msg("Mapping processed in debug mode.")
	}
}

// TestMapping dry-runs a mapping against a sample payload without touching
// the resolution caches or transmitting anything. Identifier lookups that
// miss leave the identifier unresolved instead of failing, so mappings can
// be developed before their devices exist.
func (e *Engine) TestMapping(ctx context.Context, tenant string, m *mapping.Mapping, topic string, payload []byte) *mapping.ProcessingContext {
	pc := mapping.NewProcessingContext(tenant, topic, m, payload)
	pc.SendPayload = false
	e.Process(ctx, pc)
	return pc
}

func (e *Engine) snoopPayload(ctx context.Context, pc *mapping.ProcessingContext) {
	m := pc.Mapping
	e.metrics.SnoopedTemplates.WithLabelValues(pc.Tenant).Inc()
	if e.recorder != nil {
		count := e.recorder.Record(pc.Tenant, m.ID, pc.Topic, pc.RawPayload)
		e.logger.Debug().Str("mapping_id", m.ID).Int("sample_count", count).Msg("Payload snooped.")
	}

	if m.SnoopStatus == mapping.SnoopEnabled {
		// First capture moves the mapping to STARTED so clients can see
		// that samples are arriving. The shared mapping held by the topic
		// tree is never written; the store change event rebuilds the cache
		// with the new status.
		if _, already := e.snoopStarted.LoadOrStore(m.ID, struct{}{}); already {
			return
		}
		updated := *m
		updated.SnoopStatus = mapping.SnoopStarted
		if err := e.store.Upsert(ctx, &updated); err != nil {
			e.snoopStarted.Delete(m.ID)
			e.logger.Warn().Err(err).Str("mapping_id", m.ID).Msg("Failed to persist snoop transition.")
		}
	}
}

func (e *Engine) processorFor(m *mapping.Mapping) (extension.Processor, error) {
	switch m.Type {
	case mapping.TypeDefault, mapping.TypeQuery, "":
		return e.jsonProc, nil
	case mapping.TypeCode, mapping.TypeFlow:
		return e.codeProc, nil
	case mapping.TypeProtobuf:
		return e.protoProc, nil
	case mapping.TypeExtension:
		if m.Extension == nil {
			return nil, fmt.Errorf("%w: mapping %s declares no extension", extension.ErrExtensionNotFound, m.ID)
		}
		if e.registry == nil {
			return nil, fmt.Errorf("%w: no extension registry configured", extension.ErrExtensionNotFound)
		}
		return e.registry.Get(m.Extension.Name, m.Extension.Event)
	default:
		return nil, fmt.Errorf("unknown mapping type %q", m.Type)
	}
}

// deviceResolver builds the direction-appropriate identifier resolution
// closure handed to the writer.
func (e *Engine) deviceResolver(m *mapping.Mapping) substitution.DeviceIDResolver {
	if e.resolver == nil {
		return nil
	}
	if m.Direction == mapping.DirectionOutbound {
		return func(ctx context.Context, pc *mapping.ProcessingContext, raw string) (substitution.IdentifierResolution, error) {
			ext, err := e.resolver.ResolveExternalID(ctx, raw, m.ExternalIDType)
			if err != nil {
				if errors.Is(err, identity.ErrNotFound) {
					if !pc.SendPayload {
						return substitution.IdentifierResolution{PlatformID: raw}, nil
					}
					return substitution.IdentifierResolution{}, fmt.Errorf("device %s has no external id of type %q", raw, m.ExternalIDType)
				}
				return substitution.IdentifierResolution{}, err
			}
			return substitution.IdentifierResolution{PlatformID: raw, ExternalID: ext.Value}, nil
		}
	}

	return func(ctx context.Context, pc *mapping.ProcessingContext, raw string) (substitution.IdentifierResolution, error) {
		ext := identity.ExternalID{Type: m.ExternalIDType, Value: raw}
		id, err := e.resolver.ResolveSourceID(ctx, ext)
		if err == nil {
			return substitution.IdentifierResolution{PlatformID: id, ExternalID: raw}, nil
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return substitution.IdentifierResolution{}, err
		}
		if !pc.SendPayload {
			return substitution.IdentifierResolution{ExternalID: raw}, nil
		}
		if m.CreateNonExistingDevice {
			id, err := e.resolver.UpsertDevice(ctx, ext, pc)
			if err != nil {
				return substitution.IdentifierResolution{}, err
			}
			return substitution.IdentifierResolution{PlatformID: id, ExternalID: raw}, nil
		}
		return substitution.IdentifierResolution{}, fmt.Errorf("device %s does not exist and implicit creation is disabled", ext)
	}
}

func (e *Engine) countErrors(pc *mapping.ProcessingContext) {
	for _, err := range pc.Errors {
		stage := "processing"
		var perr *mapping.ProcessingError
		if errors.As(err, &perr) {
			stage = perr.Stage
		}
		e.metrics.ProcessingErrors.WithLabelValues(pc.Tenant, stage).Inc()
	}
}

// truthy applies predicate semantics to a filter result: nil, false, empty
// strings, empty collections and zero numbers do not select the mapping.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
