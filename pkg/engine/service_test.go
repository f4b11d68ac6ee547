package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/configstore"
	"github.com/illmade-knight/go-mapper/pkg/engine"
	"github.com/illmade-knight/go-mapper/pkg/identity"
	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/transport"
)

// fakeConsumer feeds messages through an in-memory channel.
type fakeConsumer struct {
	messages chan transport.Message
	done     chan struct{}
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		messages: make(chan transport.Message, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeConsumer) Messages() <-chan transport.Message { return f.messages }

func (f *fakeConsumer) Start(_ context.Context) error { return nil }

func (f *fakeConsumer) Stop(_ context.Context) error {
	close(f.messages)
	close(f.done)
	return nil
}

func (f *fakeConsumer) Done() <-chan struct{} { return f.done }

// fakePublisher records outbound publishes.
type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]byte
	retained  map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published: make(map[string][]byte),
		retained:  make(map[string]bool),
	}
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, _ mapping.QoS, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = payload
	f.retained[topic] = retain
	return nil
}

func (f *fakePublisher) Stop(_ context.Context) error { return nil }

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for topic := range f.published {
		out = append(out, topic)
	}
	return out
}

// collectingDispatcher captures dispatched requests and signals arrival.
type collectingDispatcher struct {
	mu       sync.Mutex
	requests []mapping.DomainRequest
	arrived  chan struct{}
}

func newCollectingDispatcher() *collectingDispatcher {
	return &collectingDispatcher{arrived: make(chan struct{}, 16)}
}

func (d *collectingDispatcher) dispatch(_ context.Context, _ string, req mapping.DomainRequest) error {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	d.arrived <- struct{}{}
	return nil
}

func (d *collectingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func TestServiceLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := configstore.NewInMemoryStore()
	require.NoError(t, store.Upsert(ctx, measurementMapping("acme", "m1", "sensors/+/temperature")))

	e := newEngine(t, store, nil, nil)
	consumer := newFakeConsumer()
	dispatcher := newCollectingDispatcher()

	svc, err := engine.NewService(engine.ServiceConfig{Tenant: "acme", NumWorkers: 2},
		e, consumer, nil, nil, store, dispatcher.dispatch, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	acked := make(chan struct{}, 1)
	consumer.messages <- transport.Message{
		ID:      "msg-1",
		Topic:   "sensors/alpha/temperature",
		Payload: []byte(`{"device":"sensor-1","value":21.3}`),
		Ack:     func() { acked <- struct{}{} },
		Nack:    func() { t.Error("message was nacked") },
	}

	select {
	case <-dispatcher.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	assert.Equal(t, 1, dispatcher.count())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, svc.Stop(stopCtx))
}

func TestServiceNacksOnDispatchFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := configstore.NewInMemoryStore()
	require.NoError(t, store.Upsert(ctx, measurementMapping("acme", "m1", "sensors/+/temperature")))

	e := newEngine(t, store, nil, nil)
	consumer := newFakeConsumer()

	failing := func(_ context.Context, _ string, _ mapping.DomainRequest) error {
		return assert.AnError
	}
	svc, err := engine.NewService(engine.ServiceConfig{Tenant: "acme", NumWorkers: 1},
		e, consumer, nil, nil, store, failing, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	nacked := make(chan struct{}, 1)
	consumer.messages <- transport.Message{
		ID:      "msg-1",
		Topic:   "sensors/alpha/temperature",
		Payload: []byte(`{"device":"sensor-1","value":21.3}`),
		Ack:     func() { t.Error("message was acked despite dispatch failure") },
		Nack:    func() { nacked <- struct{}{} },
	}

	select {
	case <-nacked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for nack")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, svc.Stop(stopCtx))
}

func TestServiceConfigChangeTriggersReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := configstore.NewInMemoryStore()
	e := newEngine(t, store, nil, nil)
	consumer := newFakeConsumer()
	dispatcher := newCollectingDispatcher()

	svc, err := engine.NewService(engine.ServiceConfig{Tenant: "acme", NumWorkers: 1},
		e, consumer, nil, nil, store, dispatcher.dispatch, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	// No mappings yet, so resolution misses.
	_, resolveErr := e.ResolveInbound("acme", "sensors/alpha/temperature")
	require.Error(t, resolveErr)

	require.NoError(t, store.Upsert(ctx, measurementMapping("acme", "m1", "sensors/+/temperature")))

	require.Eventually(t, func() bool {
		matched, err := e.ResolveInbound("acme", "sensors/alpha/temperature")
		return err == nil && len(matched) == 1
	}, 2*time.Second, 20*time.Millisecond, "cache was not rebuilt after the store change")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, svc.Stop(stopCtx))
}

func TestServiceHandleNotification(t *testing.T) {
	ctx := context.Background()

	store := configstore.NewInMemoryStore()
	m := mapping.NewMapping("command", mapping.DirectionOutbound)
	m.ID = "cmd"
	m.Tenant = "acme"
	m.SubscriptionTopic = "operations"
	m.PublishTopic = "cmd/+/req"
	m.TargetAPI = mapping.APIOperation
	m.TargetTemplate = `{"cmd":"restart"}`
	m.ExternalIDType = "c8y_Serial"
	m.Retain = true
	m.Substitutions = []mapping.Substitution{
		{SourcePath: "deviceId", TargetPath: "deviceId"},
	}
	m.Active = true
	require.NoError(t, store.Upsert(ctx, m))

	platform := newFakePlatform()
	platform.associations["c8y_Serial/ext-7"] = "dev-7"
	resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	e := newEngine(t, store, resolver, nil)
	consumer := newFakeConsumer()
	publisher := newFakePublisher()
	dispatcher := newCollectingDispatcher()

	svc, err := engine.NewService(engine.ServiceConfig{Tenant: "acme", NumWorkers: 1},
		e, consumer, publisher, nil, store, dispatcher.dispatch, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.RebuildOutboundCache(ctx, "acme"))

	require.NoError(t, svc.HandleNotification(ctx, "operations", []byte(`{"deviceId":"dev-7"}`)))

	// The wildcard level of the publish pattern carries the device's
	// external id, and the mapping's retain flag reaches the broker.
	topics := publisher.topics()
	require.Len(t, topics, 1)
	assert.Equal(t, "cmd/ext-7/req", topics[0])
	assert.True(t, publisher.retained["cmd/ext-7/req"])

	t.Run("UnmatchedNotificationIsIgnored", func(t *testing.T) {
		require.NoError(t, svc.HandleNotification(ctx, "audit-log", []byte(`{}`)))
	})

	t.Run("InvalidPayloadIsRejected", func(t *testing.T) {
		require.Error(t, svc.HandleNotification(ctx, "operations", []byte(`not-json`)))
	})
}
