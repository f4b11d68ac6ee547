// Package transport carries messages between brokers and the mapping
// engine. Consumers deliver inbound broker messages on a channel; the
// engine's publishers send transformed outbound messages back out. MQTT is
// the primary broker; Kafka and Google Pub/Sub adapters cover deployments
// bridging to those systems.
package transport

import (
	"context"
	"time"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// Message is the canonical representation of a broker message entering the
// engine.
type Message struct {
	// ID is the broker-assigned message identifier.
	ID string
	// Topic is the concrete topic the message arrived on.
	Topic string
	// Payload is the raw byte content.
	Payload []byte
	// PublishTime is when the message was received.
	PublishTime time.Time
	// Attributes holds broker metadata.
	Attributes map[string]string

	// Ack signals successful processing; Nack signals failure. Brokers
	// without application-level acknowledgment provide no-ops.
	Ack  func()
	Nack func()
}

// Consumer is a message source feeding the engine.
type Consumer interface {
	// Messages returns the read-only channel workers receive messages on.
	Messages() <-chan Message
	// Start begins consumption; it does not block.
	Start(ctx context.Context) error
	// Stop gracefully ceases consumption.
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// Publisher sends transformed messages to a broker topic. Brokers without
// a retained-message concept ignore the retain flag.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos mapping.QoS, retain bool) error
	Stop(ctx context.Context) error
}
