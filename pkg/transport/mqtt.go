package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// MQTTConfig holds connection parameters and security settings for the
// Paho MQTT client. Topic subscriptions are not part of the config: the
// subscription tracker drives them dynamically as mappings are deployed.
type MQTTConfig struct {
	// BrokerURL is the full URL of the broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string
	// ClientIDPrefix gets a unique suffix appended, as most brokers require
	// distinct client ids.
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// ReconnectWaitMax bounds the Paho client's reconnect backoff.
	ReconnectWaitMax time.Duration
	CACertFile       string
	ClientCertFile   string
	ClientKeyFile    string
	// InsecureSkipVerify skips TLS certificate verification. Not for
	// production.
	InsecureSkipVerify bool
}

// Env constants for MQTT settings.
const (
	MqttBrokerURL             = "MQTT_BROKER_URL"
	MqttUsername              = "MQTT_USERNAME"
	MqttPassword              = "MQTT_PASSWORD"
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// LoadMQTTConfigWithEnv loads MQTT configuration from environment
// variables, with sensible defaults for anything unset.
func LoadMQTTConfigWithEnv() *MQTTConfig {
	cfg := &MQTTConfig{
		BrokerURL:        os.Getenv(MqttBrokerURL),
		Username:         os.Getenv(MqttUsername),
		Password:         os.Getenv(MqttPassword),
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
		ClientIDPrefix:   "mapper-service-",
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		if s, err := time.ParseDuration(ka + "s"); err == nil {
			cfg.KeepAlive = s
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		if s, err := time.ParseDuration(ct + "s"); err == nil {
			cfg.ConnectTimeout = s
		}
	}
	return cfg
}

// MQTTConsumer is a Consumer over a Paho MQTT client with dynamic
// subscriptions. It satisfies the subscription tracker's Subscriber
// contract; subscriptions survive reconnects because the on-connect
// handler replays the active set.
type MQTTConsumer struct {
	cfg        *MQTTConfig
	pahoClient mqtt.Client
	logger     zerolog.Logger
	outputChan chan Message
	doneChan   chan struct{}
	stopOnce   sync.Once

	mu     sync.Mutex
	active map[string]mapping.QoS
}

// NewMQTTConsumer creates a consumer. It does not connect until Start.
func NewMQTTConsumer(cfg *MQTTConfig, logger zerolog.Logger) (*MQTTConsumer, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	return &MQTTConsumer{
		cfg:        cfg,
		logger:     logger.With().Str("component", "MQTTConsumer").Logger(),
		outputChan: make(chan Message, 1000),
		doneChan:   make(chan struct{}),
		active:     make(map[string]mapping.QoS),
	}, nil
}

// Messages returns the channel inbound messages are delivered on.
func (c *MQTTConsumer) Messages() <-chan Message {
	return c.outputChan
}

// Start connects to the broker. A failed initial connect is not fatal: the
// Paho client keeps retrying in the background and the on-connect handler
// replays subscriptions once it succeeds.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	opts := newMqttOptions(c.cfg, c.logger)
	opts.SetDefaultPublishHandler(c.handleIncomingMessage(ctx))
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Connected to MQTT broker.")
		c.resubscribeAll(client)
	})
	c.pahoClient = mqtt.NewClient(opts)

	c.logger.Info().Msg("Attempting to connect to MQTT broker...")
	if token := c.pahoClient.Connect(); token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	}

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop disconnects and closes the message channel.
func (c *MQTTConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MQTTConsumer...")
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			c.mu.Lock()
			topics := make([]string, 0, len(c.active))
			for topic := range c.active {
				topics = append(topics, topic)
			}
			c.mu.Unlock()
			if len(topics) > 0 {
				if token := c.pahoClient.Unsubscribe(topics...); token.WaitTimeout(2*time.Second) && token.Error() != nil {
					c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe on shutdown.")
				}
			}
			c.pahoClient.Disconnect(500)
		}
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("MQTTConsumer stopped.")
	})
	return nil
}

// Done is closed when the consumer has fully stopped.
func (c *MQTTConsumer) Done() <-chan struct{} {
	return c.doneChan
}

// IsConnected reports the Paho client's connection status.
func (c *MQTTConsumer) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// Subscribe adds a broker subscription, recording it for replay after a
// reconnect. Subscribing an already held topic adjusts its QoS.
func (c *MQTTConsumer) Subscribe(topic string, qos mapping.QoS) error {
	c.mu.Lock()
	c.active[topic] = qos
	c.mu.Unlock()

	if c.pahoClient == nil || !c.pahoClient.IsConnected() {
		// The on-connect handler subscribes once the connection is up.
		return nil
	}
	token := c.pahoClient.Subscribe(topic, byte(qos), nil)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe to %q: %w", topic, token.Error())
	}
	return nil
}

// Unsubscribe removes a broker subscription.
func (c *MQTTConsumer) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.active, topic)
	c.mu.Unlock()

	if c.pahoClient == nil || !c.pahoClient.IsConnected() {
		return nil
	}
	token := c.pahoClient.Unsubscribe(topic)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("mqtt unsubscribe from %q: %w", topic, token.Error())
	}
	return nil
}

// SupportsWildcards is true: MQTT brokers natively match + and # patterns.
func (c *MQTTConsumer) SupportsWildcards() bool {
	return true
}

func (c *MQTTConsumer) resubscribeAll(client mqtt.Client) {
	c.mu.Lock()
	topics := make(map[string]byte, len(c.active))
	for topic, qos := range c.active {
		topics[topic] = byte(qos)
	}
	c.mu.Unlock()
	if len(topics) == 0 {
		return
	}
	token := client.SubscribeMultiple(topics, nil)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Msg("Failed to restore subscriptions after reconnect.")
		} else {
			c.logger.Info().Int("topic_count", len(topics)).Msg("Subscriptions restored.")
		}
	}()
}

func (c *MQTTConsumer) handleIncomingMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		consumed := Message{
			ID:          fmt.Sprintf("%d", msg.MessageID()),
			Topic:       msg.Topic(),
			Payload:     payloadCopy,
			PublishTime: time.Now().UTC(),
			Attributes:  map[string]string{"mqtt_topic": msg.Topic()},
			// For QoS > 0 the ack happens at the protocol level inside the
			// Paho client, so the pipeline callbacks are no-ops.
			Ack:  func() {},
			Nack: func() {},
		}
		select {
		case c.outputChan <- consumed:
		case <-ctx.Done():
			c.logger.Warn().Str("topic", msg.Topic()).Msg("Consumer is shutting down, dropping MQTT message.")
		}
	}
}

// MQTTPublisher publishes outbound messages over its own Paho connection.
type MQTTPublisher struct {
	pahoClient mqtt.Client
	logger     zerolog.Logger
	stopOnce   sync.Once
}

// NewMQTTPublisher creates and connects a publisher.
func NewMQTTPublisher(cfg *MQTTConfig, logger zerolog.Logger) (*MQTTPublisher, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	p := &MQTTPublisher{
		logger: logger.With().Str("component", "MQTTPublisher").Logger(),
	}
	opts := newMqttOptions(cfg, p.logger)
	p.pahoClient = mqtt.NewClient(opts)
	if token := p.pahoClient.Connect(); token.WaitTimeout(cfg.ConnectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("connecting mqtt publisher: %w", token.Error())
	}
	return p, nil
}

// Publish sends a payload to a concrete topic at the given QoS.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, qos mapping.QoS, retain bool) error {
	token := p.pahoClient.Publish(topic, byte(qos), retain, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		if token.Error() != nil {
			return fmt.Errorf("mqtt publish to %q: %w", topic, token.Error())
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects the publisher.
func (p *MQTTPublisher) Stop(_ context.Context) error {
	p.stopOnce.Do(func() {
		if p.pahoClient != nil && p.pahoClient.IsConnected() {
			p.pahoClient.Disconnect(500)
		}
	})
	return nil
}

func newMqttOptions(cfg *MQTTConfig, logger zerolog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error().Err(err).Msg("Lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}

func newTLSConfig(cfg *MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
