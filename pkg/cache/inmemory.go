package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryCache is a thread-safe in-memory Cache. With a fallback Fetcher
// configured, a miss is resolved from the fallback and written back.
type InMemoryCache[K comparable, V any] struct {
	mu       sync.RWMutex
	data     map[K]V
	fallback Fetcher[K, V]
}

// NewInMemoryCache creates an in-memory cache; fallback may be nil.
func NewInMemoryCache[K comparable, V any](fallback Fetcher[K, V]) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		data:     make(map[K]V),
		fallback: fallback,
	}
}

// Fetch retrieves an item, consulting the fallback on a miss.
func (c *InMemoryCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	c.mu.RLock()
	value, ok := c.data[key]
	c.mu.RUnlock()
	if ok {
		return value, nil
	}

	var zero V
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not found in cache", key)
	}
	value, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	_ = c.Write(ctx, key, value)
	return value, nil
}

// Write adds an item to the cache.
func (c *InMemoryCache[K, V]) Write(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

// Invalidate removes an item; removing an absent key is not an error.
func (c *InMemoryCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Close closes the fallback, if any.
func (c *InMemoryCache[K, V]) Close() error {
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}
