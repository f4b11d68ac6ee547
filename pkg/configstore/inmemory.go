package configstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// InMemoryStore is a thread-safe Store for tests and single-node
// deployments without external persistence.
type InMemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]map[string]*mapping.Mapping
	watchers []chan ChangeEvent
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tenants: make(map[string]map[string]*mapping.Mapping)}
}

// Get returns one mapping, or ErrMappingNotFound.
func (s *InMemoryStore) Get(_ context.Context, tenant, id string) (*mapping.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.tenants[tenant][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, tenant, id)
	}
	copied := *m
	return &copied, nil
}

// List returns all mappings of a tenant.
func (s *InMemoryStore) List(_ context.Context, tenant string) ([]*mapping.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mapping.Mapping, 0, len(s.tenants[tenant]))
	for _, m := range s.tenants[tenant] {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

// ListActive returns the tenant's deployed mappings.
func (s *InMemoryStore) ListActive(ctx context.Context, tenant string) ([]*mapping.Mapping, error) {
	all, err := s.List(ctx, tenant)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, m := range all {
		if m.Active {
			active = append(active, m)
		}
	}
	return active, nil
}

// Upsert validates and stores a mapping.
func (s *InMemoryStore) Upsert(_ context.Context, m *mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	copied := *m
	copied.LastUpdate = time.Now().UTC()

	s.mu.Lock()
	byID, ok := s.tenants[m.Tenant]
	if !ok {
		byID = make(map[string]*mapping.Mapping)
		s.tenants[m.Tenant] = byID
	}
	kind := ChangeCreated
	if _, exists := byID[m.ID]; exists {
		kind = ChangeUpdated
	}
	byID[m.ID] = &copied
	s.mu.Unlock()

	s.notify(ChangeEvent{Tenant: m.Tenant, MappingID: m.ID, Kind: kind})
	return nil
}

// Delete removes a mapping.
func (s *InMemoryStore) Delete(_ context.Context, tenant, id string) error {
	s.mu.Lock()
	byID := s.tenants[tenant]
	if _, ok := byID[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrMappingNotFound, tenant, id)
	}
	delete(byID, id)
	s.mu.Unlock()

	s.notify(ChangeEvent{Tenant: tenant, MappingID: id, Kind: ChangeDeleted})
	return nil
}

// Watch delivers change events until the context is cancelled.
func (s *InMemoryStore) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *InMemoryStore) notify(ev ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		select {
		case w <- ev:
		default:
			// A stalled watcher loses events rather than blocking writers;
			// the engine recovers on its next full rebuild.
		}
	}
}

// Close releases nothing for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
