// Package subscription tracks which broker topics are subscribed and at
// what service level. Several active mappings may share one subscription
// topic; the tracker reference-counts them so the broker subscription
// exists exactly while at least one sharer is deployed, at the highest QoS
// any sharer requests.
package subscription

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// Subscriber is the transport-side collaborator the tracker drives.
// Implementations that cannot express wildcard subscriptions report that
// through SupportsWildcards; the tracker then rejects wildcard deployments
// up front instead of letting them fail silently at the broker.
type Subscriber interface {
	Subscribe(topic string, qos mapping.QoS) error
	Unsubscribe(topic string) error
	SupportsWildcards() bool
}

// ErrWildcardUnsupported is returned when a wildcard subscription topic is
// deployed against a transport without wildcard support.
var ErrWildcardUnsupported = fmt.Errorf("subscription: transport does not support wildcard topics")

type topicState struct {
	// sharers maps mapping id to the QoS that mapping requested.
	sharers map[string]mapping.QoS
	// qos is the level currently subscribed at the broker.
	qos mapping.QoS
}

// Tracker reference-counts subscription topics across deployed mappings.
type Tracker struct {
	mu         sync.Mutex
	subscriber Subscriber
	topics     map[string]*topicState
	logger     zerolog.Logger
}

// NewTracker creates a Tracker driving the given subscriber.
func NewTracker(subscriber Subscriber, logger zerolog.Logger) *Tracker {
	return &Tracker{
		subscriber: subscriber,
		topics:     make(map[string]*topicState),
		logger:     logger.With().Str("component", "SubscriptionTracker").Logger(),
	}
}

// Activate registers a mapping's interest in its subscription topic. The
// first sharer triggers the broker subscribe; later sharers only raise the
// QoS when they request a higher level than currently held.
func (t *Tracker) Activate(m *mapping.Mapping) error {
	topic := m.SubscriptionTopic
	if mapping.IsWildcardTopic(topic) && !t.subscriber.SupportsWildcards() {
		return fmt.Errorf("%w: mapping %s topic %q", ErrWildcardUnsupported, m.ID, topic)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.topics[topic]
	if !ok {
		if err := t.subscriber.Subscribe(topic, m.QoS); err != nil {
			return fmt.Errorf("subscribing to %q: %w", topic, err)
		}
		t.topics[topic] = &topicState{
			sharers: map[string]mapping.QoS{m.ID: m.QoS},
			qos:     m.QoS,
		}
		t.logger.Info().Str("topic", topic).Int("qos", int(m.QoS)).Msg("Topic subscribed.")
		return nil
	}

	state.sharers[m.ID] = m.QoS
	if m.QoS > state.qos {
		// Re-subscribing at a higher level upgrades the existing
		// subscription on MQTT brokers.
		if err := t.subscriber.Subscribe(topic, m.QoS); err != nil {
			delete(state.sharers, m.ID)
			return fmt.Errorf("raising qos on %q: %w", topic, err)
		}
		state.qos = m.QoS
		t.logger.Info().Str("topic", topic).Int("qos", int(m.QoS)).Msg("Subscription QoS raised.")
	}
	return nil
}

// Deactivate withdraws a mapping's interest. The last sharer leaving
// triggers the broker unsubscribe; otherwise the subscription may be
// lowered to the highest QoS among the remaining sharers.
func (t *Tracker) Deactivate(m *mapping.Mapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deactivateLocked(m.SubscriptionTopic, m.ID)
}

func (t *Tracker) deactivateLocked(topic, mappingID string) error {
	state, ok := t.topics[topic]
	if !ok {
		return nil
	}
	if _, shared := state.sharers[mappingID]; !shared {
		return nil
	}
	delete(state.sharers, mappingID)

	if len(state.sharers) == 0 {
		delete(t.topics, topic)
		if err := t.subscriber.Unsubscribe(topic); err != nil {
			return fmt.Errorf("unsubscribing from %q: %w", topic, err)
		}
		t.logger.Info().Str("topic", topic).Msg("Topic unsubscribed.")
		return nil
	}

	remaining := maxQoS(state.sharers)
	if remaining < state.qos {
		if err := t.subscriber.Subscribe(topic, remaining); err != nil {
			return fmt.Errorf("lowering qos on %q: %w", topic, err)
		}
		state.qos = remaining
	}
	return nil
}

// Rebuild reconciles the broker subscriptions against a fresh set of active
// mappings, subscribing to new topics and dropping those no longer wanted.
// It is called after a bulk mapping reload.
func (t *Tracker) Rebuild(active []*mapping.Mapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	wanted := make(map[string]map[string]mapping.QoS)
	for _, m := range active {
		if mapping.IsWildcardTopic(m.SubscriptionTopic) && !t.subscriber.SupportsWildcards() {
			t.logger.Error().Str("mapping_id", m.ID).Str("topic", m.SubscriptionTopic).
				Msg("Skipping wildcard mapping on a transport without wildcard support.")
			continue
		}
		sharers, ok := wanted[m.SubscriptionTopic]
		if !ok {
			sharers = make(map[string]mapping.QoS)
			wanted[m.SubscriptionTopic] = sharers
		}
		sharers[m.ID] = m.QoS
	}

	var firstErr error
	for topic := range t.topics {
		if _, keep := wanted[topic]; keep {
			continue
		}
		delete(t.topics, topic)
		if err := t.subscriber.Unsubscribe(topic); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribing from %q: %w", topic, err)
		}
	}

	for topic, sharers := range wanted {
		qos := maxQoS(sharers)
		state, ok := t.topics[topic]
		if ok {
			state.sharers = sharers
			if qos != state.qos {
				if err := t.subscriber.Subscribe(topic, qos); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("adjusting qos on %q: %w", topic, err)
				} else {
					state.qos = qos
				}
			}
			continue
		}
		if err := t.subscriber.Subscribe(topic, qos); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("subscribing to %q: %w", topic, err)
			}
			continue
		}
		t.topics[topic] = &topicState{sharers: sharers, qos: qos}
	}
	return firstErr
}

// Topics returns the currently subscribed topics and their QoS levels.
func (t *Tracker) Topics() map[string]mapping.QoS {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]mapping.QoS, len(t.topics))
	for topic, state := range t.topics {
		out[topic] = state.qos
	}
	return out
}

// SharerCount reports how many deployed mappings share a topic.
func (t *Tracker) SharerCount(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.topics[topic]
	if !ok {
		return 0
	}
	return len(state.sharers)
}

func maxQoS(sharers map[string]mapping.QoS) mapping.QoS {
	var max mapping.QoS
	for _, q := range sharers {
		if q > max {
			max = q
		}
	}
	return max
}
