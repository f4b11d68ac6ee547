// Package configstore persists mapping configurations per tenant and
// notifies the engine when they change. The engine treats the store as the
// source of truth for its resolution caches: every change event is followed
// by a cache rebuild for the affected tenant.
package configstore

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// ErrMappingNotFound is returned when a mapping id does not exist for the
// tenant.
var ErrMappingNotFound = errors.New("configstore: mapping not found")

// ChangeKind classifies a mapping change event.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "CREATED"
	ChangeUpdated ChangeKind = "UPDATED"
	ChangeDeleted ChangeKind = "DELETED"
)

// ChangeEvent notifies listeners that a tenant's mapping set changed.
type ChangeEvent struct {
	Tenant    string
	MappingID string
	Kind      ChangeKind
}

// Store is the persistence contract for mapping configurations.
type Store interface {
	// Get returns one mapping, or ErrMappingNotFound.
	Get(ctx context.Context, tenant, id string) (*mapping.Mapping, error)
	// List returns all mappings of a tenant.
	List(ctx context.Context, tenant string) ([]*mapping.Mapping, error)
	// ListActive returns the tenant's deployed mappings, the set the
	// resolution caches are built from.
	ListActive(ctx context.Context, tenant string) ([]*mapping.Mapping, error)
	// Upsert validates and stores a mapping, creating it when absent.
	Upsert(ctx context.Context, m *mapping.Mapping) error
	// Delete removes a mapping; deleting an absent mapping returns
	// ErrMappingNotFound.
	Delete(ctx context.Context, tenant, id string) error
	// Watch delivers change events until the context is cancelled. The
	// returned channel is closed when watching stops.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
	Close() error
}
