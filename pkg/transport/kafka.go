package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// KafkaConfig holds connection settings for the Kafka adapters.
type KafkaConfig struct {
	Brokers []string
	// GroupID is the consumer group inbound readers join.
	GroupID string
}

// KafkaConsumer consumes inbound messages from Kafka topics, one reader per
// subscribed topic. Kafka has no topic-pattern subscriptions in the MQTT
// sense, so SupportsWildcards is false and the subscription tracker rejects
// wildcard mappings deployed against it.
type KafkaConsumer struct {
	cfg        *KafkaConfig
	logger     zerolog.Logger
	outputChan chan Message
	doneChan   chan struct{}
	stopOnce   sync.Once

	mu      sync.Mutex
	ctx     context.Context
	readers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaConsumer creates a consumer; readers start as topics are
// subscribed.
func NewKafkaConsumer(cfg *KafkaConfig, logger zerolog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	return &KafkaConsumer{
		cfg:        cfg,
		logger:     logger.With().Str("component", "KafkaConsumer").Logger(),
		outputChan: make(chan Message, 1000),
		doneChan:   make(chan struct{}),
		readers:    make(map[string]context.CancelFunc),
	}, nil
}

// Messages returns the channel inbound messages are delivered on.
func (c *KafkaConsumer) Messages() <-chan Message {
	return c.outputChan
}

// Start records the lifecycle context readers run under.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop cancels all readers and closes the message channel.
func (c *KafkaConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping KafkaConsumer...")
		c.mu.Lock()
		for topic, cancel := range c.readers {
			cancel()
			delete(c.readers, topic)
		}
		c.mu.Unlock()
		c.wg.Wait()
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("KafkaConsumer stopped.")
	})
	return nil
}

// Done is closed when the consumer has fully stopped.
func (c *KafkaConsumer) Done() <-chan struct{} {
	return c.doneChan
}

// Subscribe starts a reader for the topic. QoS has no Kafka equivalent;
// delivery follows the consumer group's offset semantics.
func (c *KafkaConsumer) Subscribe(topic string, _ mapping.QoS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.readers[topic]; exists {
		return nil
	}
	if c.ctx == nil {
		return fmt.Errorf("kafka consumer is not started")
	}

	readerCtx, cancel := context.WithCancel(c.ctx)
	c.readers[topic] = cancel
	c.wg.Add(1)
	go c.readLoop(readerCtx, topic)
	c.logger.Info().Str("topic", topic).Msg("Kafka reader started.")
	return nil
}

// Unsubscribe stops the topic's reader.
func (c *KafkaConsumer) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.readers[topic]
	if !ok {
		return nil
	}
	cancel()
	delete(c.readers, topic)
	c.logger.Info().Str("topic", topic).Msg("Kafka reader stopped.")
	return nil
}

// SupportsWildcards is false: Kafka topics are subscribed literally.
func (c *KafkaConsumer) SupportsWildcards() bool {
	return false
}

func (c *KafkaConsumer) readLoop(ctx context.Context, topic string) {
	defer c.wg.Done()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MaxWait:  500 * time.Millisecond,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to close kafka reader.")
		}
	}()

	for {
		kafkaMsg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("topic", topic).Msg("Kafka fetch failed.")
			continue
		}

		msg := Message{
			ID:          fmt.Sprintf("%s-%d-%d", kafkaMsg.Topic, kafkaMsg.Partition, kafkaMsg.Offset),
			Topic:       kafkaMsg.Topic,
			Payload:     kafkaMsg.Value,
			PublishTime: kafkaMsg.Time,
			Attributes: map[string]string{
				"kafka_partition": strconv.Itoa(kafkaMsg.Partition),
				"kafka_offset":    strconv.FormatInt(kafkaMsg.Offset, 10),
			},
			Ack: func() {
				if err := reader.CommitMessages(ctx, kafkaMsg); err != nil && ctx.Err() == nil {
					c.logger.Error().Err(err).Str("topic", topic).Msg("Kafka commit failed.")
				}
			},
			// Kafka redelivers uncommitted offsets on its own; Nack simply
			// leaves the offset uncommitted.
			Nack: func() {},
		}

		select {
		case c.outputChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// KafkaPublisher publishes outbound messages to Kafka topics.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher over the given brokers.
func NewKafkaPublisher(cfg *KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger.With().Str("component", "KafkaPublisher").Logger(),
	}, nil
}

// Publish writes a payload to the topic. QoS has no Kafka equivalent and is
// ignored.
// Publish writes one message. Kafka has no retained-message concept, so the
// retain flag is ignored.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte, _ mapping.QoS, _ bool) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %q: %w", topic, err)
	}
	return nil
}

// Stop closes the writer.
func (p *KafkaPublisher) Stop(_ context.Context) error {
	return p.writer.Close()
}
