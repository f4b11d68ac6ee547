package configstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// FirestoreConfig holds configuration for the Firestore-backed store.
type FirestoreConfig struct {
	ProjectID string
	// CollectionName is the root collection; each tenant document holds a
	// "mappings" subcollection.
	CollectionName string
}

// NewDefaultFirestoreConfig provides a baseline configuration.
func NewDefaultFirestoreConfig(projectID string) *FirestoreConfig {
	return &FirestoreConfig{
		ProjectID:      projectID,
		CollectionName: "mapper-tenants",
	}
}

// FirestoreStore persists mappings in Firestore, one document per mapping
// under its tenant's subcollection. The injected client's lifecycle is
// managed externally.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")
	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore) mappings(tenant string) *firestore.CollectionRef {
	return s.client.Collection(s.collection).Doc(tenant).Collection("mappings")
}

// Get returns one mapping, or ErrMappingNotFound.
func (s *FirestoreStore) Get(ctx context.Context, tenant, id string) (*mapping.Mapping, error) {
	docSnap, err := s.mappings(tenant).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, tenant, id)
		}
		return nil, fmt.Errorf("firestore get for %s/%s: %w", tenant, id, err)
	}
	var m mapping.Mapping
	if err := docSnap.DataTo(&m); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s/%s: %w", tenant, id, err)
	}
	return &m, nil
}

// List returns all mappings of a tenant.
func (s *FirestoreStore) List(ctx context.Context, tenant string) ([]*mapping.Mapping, error) {
	return s.list(ctx, s.mappings(tenant).Query)
}

// ListActive returns the tenant's deployed mappings.
func (s *FirestoreStore) ListActive(ctx context.Context, tenant string) ([]*mapping.Mapping, error) {
	return s.list(ctx, s.mappings(tenant).Where("active", "==", true))
}

func (s *FirestoreStore) list(ctx context.Context, query firestore.Query) ([]*mapping.Mapping, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*mapping.Mapping
	for {
		docSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list: %w", err)
		}
		var m mapping.Mapping
		if err := docSnap.DataTo(&m); err != nil {
			return nil, fmt.Errorf("firestore DataTo for %s: %w", docSnap.Ref.ID, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// Upsert validates and stores a mapping.
func (s *FirestoreStore) Upsert(ctx context.Context, m *mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	copied := *m
	copied.LastUpdate = time.Now().UTC()
	if _, err := s.mappings(m.Tenant).Doc(m.ID).Set(ctx, &copied); err != nil {
		return fmt.Errorf("firestore set for %s/%s: %w", m.Tenant, m.ID, err)
	}
	return nil
}

// Delete removes a mapping.
func (s *FirestoreStore) Delete(ctx context.Context, tenant, id string) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	if _, err := s.mappings(tenant).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s/%s: %w", tenant, id, err)
	}
	return nil
}

// Watch streams mapping changes across all tenants using a collection-group
// snapshot listener.
func (s *FirestoreStore) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 16)
	snapshots := s.client.CollectionGroup("mappings").Snapshots(ctx)

	go func() {
		defer close(ch)
		defer snapshots.Stop()
		for {
			snap, err := snapshots.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("Firestore snapshot listener stopped.")
				}
				return
			}
			for _, change := range snap.Changes {
				ev, ok := s.toChangeEvent(change)
				if !ok {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (s *FirestoreStore) toChangeEvent(change firestore.DocumentChange) (ChangeEvent, bool) {
	var m mapping.Mapping
	if err := change.Doc.DataTo(&m); err != nil {
		s.logger.Error().Err(err).Str("doc", change.Doc.Ref.ID).Msg("Skipping malformed mapping document in change stream.")
		return ChangeEvent{}, false
	}
	ev := ChangeEvent{Tenant: m.Tenant, MappingID: change.Doc.Ref.ID}
	switch change.Kind {
	case firestore.DocumentAdded:
		ev.Kind = ChangeCreated
	case firestore.DocumentModified:
		ev.Kind = ChangeUpdated
	case firestore.DocumentRemoved:
		ev.Kind = ChangeDeleted
	default:
		return ChangeEvent{}, false
	}
	return ev, true
}

// Close is a no-op; the injected client is closed by its owner.
func (s *FirestoreStore) Close() error {
	return nil
}
