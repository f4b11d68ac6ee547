// Package cache provides the small generic caching layer the identity
// resolver keeps its external-id lookups in. Implementations are chainable:
// a cache can be given a fallback Fetcher consulted on a miss, with the
// result written back asynchronously.
package cache

import "context"

// Fetcher retrieves a value by key from some source of truth.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	Close() error
}

// Cache is a Fetcher that can also be written to and invalidated. Identity
// associations are invalidated when a device is deleted or re-keyed.
type Cache[K comparable, V any] interface {
	Fetcher[K, V]
	Write(ctx context.Context, key K, value V) error
	Invalidate(ctx context.Context, key K) error
}
