package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// PubsubPublisherConfig holds configuration for the Google Pub/Sub
// publisher.
type PubsubPublisherConfig struct {
	ProjectID string
	// BatchSize and BatchDelay map onto the client's CountThreshold and
	// DelayThreshold publish settings.
	BatchSize  int
	BatchDelay time.Duration
	// PublishConfirmationTimeout bounds how long a publish result is
	// awaited before it is reported as failed.
	PublishConfirmationTimeout time.Duration
}

// NewPubsubPublisherDefaults provides a config with sensible defaults.
func NewPubsubPublisherDefaults(projectID string) *PubsubPublisherConfig {
	return &PubsubPublisherConfig{
		ProjectID:                  projectID,
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// PubsubPublisher publishes outbound messages to Google Pub/Sub topics,
// leveraging the official client's built-in batching. Topic handles are
// created lazily per destination and cached.
type PubsubPublisher struct {
	cfg    *PubsubPublisherConfig
	client *pubsub.Client
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubsubPublisher creates a publisher over an injected client, whose
// lifecycle is managed externally.
func NewPubsubPublisher(cfg *PubsubPublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	return &PubsubPublisher{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "PubsubPublisher").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Publish sends a payload and waits for the publish confirmation. QoS has
// no Pub/Sub equivalent; delivery is always at-least-once.
// Publish sends one message and waits for server confirmation. Pub/Sub has
// no retained-message concept, so the retain flag is ignored.
func (p *PubsubPublisher) Publish(ctx context.Context, topic string, payload []byte, _ mapping.QoS, _ bool) error {
	res := p.topicHandle(topic).Publish(ctx, &pubsub.Message{Data: payload})

	getCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishConfirmationTimeout)
	defer cancel()
	msgID, err := res.Get(getCtx)
	if err != nil {
		return fmt.Errorf("pubsub publish to %q: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Str("pubsub_msg_id", msgID).Msg("Message published.")
	return nil
}

func (p *PubsubPublisher) topicHandle(topic string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.topics[topic]
	if !ok {
		handle = p.client.Topic(topic)
		handle.PublishSettings.CountThreshold = p.cfg.BatchSize
		handle.PublishSettings.DelayThreshold = p.cfg.BatchDelay
		p.topics[topic] = handle
	}
	return handle
}

// Stop flushes and stops all topic handles, respecting the context's
// deadline.
func (p *PubsubPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	handles := make([]*pubsub.Topic, 0, len(p.topics))
	for _, handle := range p.topics {
		handles = append(handles, handle)
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	stopDone := make(chan struct{})
	go func() {
		for _, handle := range handles {
			handle.Stop()
		}
		close(stopDone)
	}()
	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topics to flush and stop.")
		return ctx.Err()
	}
}
