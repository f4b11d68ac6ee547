package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/configstore"
	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/subscription"
	"github.com/illmade-knight/go-mapper/pkg/topictree"
	"github.com/illmade-knight/go-mapper/pkg/transport"
)

// RequestDispatcher forwards an emitted inbound domain request to the
// platform. Implementations wrap the platform SDK or an internal queue.
type RequestDispatcher func(ctx context.Context, tenant string, req mapping.DomainRequest) error

// ServiceConfig holds configuration for the mapper Service.
type ServiceConfig struct {
	Tenant     string
	NumWorkers int
}

// Service runs the engine against live transports: a worker pool drains the
// inbound consumer, emitted requests are dispatched to the platform, and
// outbound notifications are transformed and published back to the broker.
// Configuration changes from the store trigger cache rebuilds and
// subscription reconciliation.
type Service struct {
	cfg        ServiceConfig
	engine     *Engine
	consumer   transport.Consumer
	publisher  transport.Publisher
	tracker    *subscription.Tracker
	store      configstore.Store
	dispatcher RequestDispatcher
	logger     zerolog.Logger
	wg         sync.WaitGroup
	// watchCancel tears down the store watch goroutine; Stop must be able
	// to end it without relying on the caller cancelling the Start context.
	watchCancel context.CancelFunc
}

// NewService creates a Service. The publisher and tracker may be nil for
// inbound-only deployments without dynamic subscriptions.
func NewService(
	cfg ServiceConfig,
	eng *Engine,
	consumer transport.Consumer,
	publisher transport.Publisher,
	tracker *subscription.Tracker,
	store configstore.Store,
	dispatcher RequestDispatcher,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("request dispatcher cannot be nil")
	}

	return &Service{
		cfg:        cfg,
		engine:     eng,
		consumer:   consumer,
		publisher:  publisher,
		tracker:    tracker,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With().Str("service", "MapperService").Logger(),
	}, nil
}

// Start builds the resolution caches, reconciles subscriptions, starts the
// consumer and spawns the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Str("tenant", s.cfg.Tenant).Msg("Starting mapper service...")

	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("initial cache build failed: %w", err)
	}

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	if s.store != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		s.watchCancel = cancel
		events, err := s.store.Watch(watchCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to watch configuration store: %w", err)
		}
		s.wg.Add(1)
		go s.watchLoop(watchCtx, events)
	}

	s.logger.Info().Int("worker_count", s.cfg.NumWorkers).Msg("Starting processing workers...")
	s.wg.Add(s.cfg.NumWorkers)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		go s.worker(ctx, i)
	}

	s.logger.Info().Msg("Mapper service started successfully.")
	return nil
}

// Stop shuts the service down: consumer first so no new messages arrive,
// then the workers, then the publisher.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping mapper service...")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}
	if s.watchCancel != nil {
		s.watchCancel()
	}

	workerDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workerDone)
	}()
	select {
	case <-workerDone:
		s.logger.Info().Msg("All processing workers completed gracefully.")
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for processing workers to finish.")
		return ctx.Err()
	}

	if s.publisher != nil {
		if err := s.publisher.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Error stopping publisher.")
		}
	}
	s.logger.Info().Msg("Mapper service stopped.")
	return nil
}

// HandleNotification processes one outbound platform notification:
// matching outbound mappings transform it and the results are published to
// their resolved broker topics.
func (s *Service) HandleNotification(ctx context.Context, topic string, payload []byte) error {
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return fmt.Errorf("notification payload is not valid JSON: %w", err)
	}

	matched, err := s.engine.ResolveOutbound(s.cfg.Tenant, topic, parsed)
	if err != nil {
		if topictree.IsNoMappingsFound(err) {
			return nil
		}
		return err
	}
	if s.publisher == nil {
		return fmt.Errorf("no publisher configured for outbound mappings")
	}

	for _, m := range matched {
		pc := mapping.NewProcessingContext(s.cfg.Tenant, topic, m, payload)
		s.engine.Process(ctx, pc)
		for _, req := range pc.Requests {
			if req.Error != nil || req.PublishTopic == "" {
				continue
			}
			data, err := json.Marshal(req.Payload)
			if err != nil {
				s.logger.Error().Err(err).Str("mapping_id", m.ID).Msg("Failed to serialize outbound payload.")
				continue
			}
			if err := s.publisher.Publish(ctx, req.PublishTopic, data, m.QoS, m.Retain); err != nil {
				s.logger.Error().Err(err).Str("topic", req.PublishTopic).Msg("Outbound publish failed.")
			}
		}
	}
	return nil
}

func (s *Service) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Processing worker started.")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int("worker_id", workerID).Msg("Processing worker shutting down due to context cancellation.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Info().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.processConsumedMessage(ctx, msg)
		}
	}
}

func (s *Service) processConsumedMessage(ctx context.Context, msg transport.Message) {
	contexts, err := s.engine.ProcessMessage(ctx, s.cfg.Tenant, msg)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Str("topic", msg.Topic).Msg("Failed to resolve message, Nacking.")
		msg.Nack()
		return
	}

	dispatchFailed := false
	for _, pc := range contexts {
		for _, reqErr := range pc.Errors {
			s.logger.Error().Err(reqErr).Str("mapping_id", pc.Mapping.ID).Str("topic", msg.Topic).Msg("Mapping failed for message.")
		}
		for _, req := range pc.Requests {
			if req.Error != nil {
				continue
			}
			if err := s.dispatcher(ctx, pc.Tenant, req); err != nil {
				s.logger.Error().Err(err).Str("mapping_id", pc.Mapping.ID).Msg("Failed to dispatch domain request.")
				dispatchFailed = true
			}
		}
	}

	// Mapping-level failures are isolated per mapping and must not poison
	// redelivery for siblings that succeeded; only dispatch failures earn a
	// Nack so the broker retries.
	if dispatchFailed {
		msg.Nack()
		return
	}
	msg.Ack()
}

func (s *Service) watchLoop(ctx context.Context, events <-chan configstore.ChangeEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Tenant != s.cfg.Tenant {
				continue
			}
			s.logger.Info().Str("mapping_id", ev.MappingID).Str("kind", string(ev.Kind)).
				Msg("Mapping configuration changed, reloading.")
			if err := s.reload(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Reload after configuration change failed.")
			}
		}
	}
}

// reload rebuilds both resolution caches and reconciles the broker
// subscriptions with the active inbound mappings.
func (s *Service) reload(ctx context.Context) error {
	if err := s.engine.RebuildInboundCache(ctx, s.cfg.Tenant); err != nil {
		s.logger.Warn().Err(err).Msg("Some inbound mappings were skipped during rebuild.")
	}
	if err := s.engine.RebuildOutboundCache(ctx, s.cfg.Tenant); err != nil {
		s.logger.Warn().Err(err).Msg("Some outbound mappings were skipped during rebuild.")
	}

	if s.tracker == nil || s.store == nil {
		return nil
	}
	active, err := s.store.ListActive(ctx, s.cfg.Tenant)
	if err != nil {
		return fmt.Errorf("listing active mappings: %w", err)
	}
	inbound := active[:0]
	for _, m := range active {
		if m.Direction == mapping.DirectionInbound {
			inbound = append(inbound, m)
		}
	}
	if err := s.tracker.Rebuild(inbound); err != nil {
		return fmt.Errorf("reconciling subscriptions: %w", err)
	}
	return nil
}
