// Package identity resolves broker-side external identifiers to platform
// object ids and back, caching associations and creating devices implicitly
// when an inbound mapping allows it. The platform itself is reached through
// the narrow PlatformClient interface; this package owns no transport.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/cache"
	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// ErrNotFound is returned when no identity association exists for a lookup.
var ErrNotFound = errors.New("identity: no association found")

// ExternalID is a broker/device-side identifier, qualified by its type so
// one device can carry several identifier schemes.
type ExternalID struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (e ExternalID) String() string {
	return e.Type + "/" + e.Value
}

// PlatformClient is the domain-API collaborator the resolver calls out to.
// Implementations wrap the platform SDK; lookups return ErrNotFound when no
// association exists.
type PlatformClient interface {
	// CreateOrUpdate creates a platform object when platformID is empty,
	// otherwise updates the existing object. It returns the object's id.
	// Creation must treat an "already exists" response as success and
	// return the existing id, so concurrent implicit creation of the same
	// device converges.
	CreateOrUpdate(ctx context.Context, api mapping.TargetAPI, platformID string, payload map[string]any) (string, error)
	// LookupPlatformID resolves an external identifier to a platform id.
	LookupPlatformID(ctx context.Context, ext ExternalID) (string, error)
	// LookupExternalID resolves a platform id back to its external
	// identifier of the given type.
	LookupExternalID(ctx context.Context, platformID, idType string) (ExternalID, error)
	// CreateExternalIDAssociation binds an external identifier to a
	// platform object.
	CreateExternalIDAssociation(ctx context.Context, platformID string, ext ExternalID) error
}

// Resolver performs cached identifier resolution and implicit device
// creation.
type Resolver struct {
	client PlatformClient
	// forward caches externalID -> platformID, reverse the opposite way.
	forward cache.Cache[string, string]
	reverse cache.Cache[string, string]
	logger  zerolog.Logger
}

// NewResolver creates a Resolver. Caches may be nil, in which case local
// in-memory caches are used.
func NewResolver(client PlatformClient, forward, reverse cache.Cache[string, string], logger zerolog.Logger) (*Resolver, error) {
	if client == nil {
		return nil, fmt.Errorf("platform client cannot be nil")
	}
	if forward == nil {
		forward = cache.NewInMemoryCache[string, string](nil)
	}
	if reverse == nil {
		reverse = cache.NewInMemoryCache[string, string](nil)
	}
	return &Resolver{
		client:  client,
		forward: forward,
		reverse: reverse,
		logger:  logger.With().Str("component", "IdentityResolver").Logger(),
	}, nil
}

// ResolveSourceID resolves an external identifier to the platform object id.
// A missing association returns ErrNotFound; the caller decides whether that
// is fatal (sending mode) or merely empty (dry run).
func (r *Resolver) ResolveSourceID(ctx context.Context, ext ExternalID) (string, error) {
	key := "ext:" + ext.String()
	if id, err := r.forward.Fetch(ctx, key); err == nil && id != "" {
		return id, nil
	}

	id, err := r.client.LookupPlatformID(ctx, ext)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup of %s: %w", ext, err)
	}
	if writeErr := r.forward.Write(ctx, key, id); writeErr != nil {
		r.logger.Warn().Err(writeErr).Str("external_id", ext.String()).Msg("Failed to cache identity association.")
	}
	return id, nil
}

// ResolveExternalID resolves a platform id back to the external identifier
// of the given type, the outbound direction of the association.
func (r *Resolver) ResolveExternalID(ctx context.Context, platformID, idType string) (ExternalID, error) {
	key := "plat:" + idType + "/" + platformID
	if v, err := r.reverse.Fetch(ctx, key); err == nil && v != "" {
		return ExternalID{Type: idType, Value: v}, nil
	}

	ext, err := r.client.LookupExternalID(ctx, platformID, idType)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ExternalID{}, ErrNotFound
		}
		return ExternalID{}, fmt.Errorf("reverse lookup of %s: %w", platformID, err)
	}
	if writeErr := r.reverse.Write(ctx, key, ext.Value); writeErr != nil {
		r.logger.Warn().Err(writeErr).Str("platform_id", platformID).Msg("Failed to cache identity association.")
	}
	return ext, nil
}

// UpsertDevice resolves the external identifier and, when no device exists,
// creates one using the context's name/type overrides (or synthesized
// defaults) together with its external-id association. Resolution happens
// before creation, and an association conflict triggers a re-resolution, so
// two in-flight messages implicitly creating the same device converge on
// one platform object. This is the only path that creates domain entities
// as a side effect of message processing.
func (r *Resolver) UpsertDevice(ctx context.Context, ext ExternalID, pc *mapping.ProcessingContext) (string, error) {
	id, err := r.ResolveSourceID(ctx, ext)
	if err == nil {
		// The device exists: apply any name/type overrides as an update.
		if payload := devicePayload(ext, pc); len(payload) > 0 {
			if _, updateErr := r.client.CreateOrUpdate(ctx, mapping.APIInventory, id, payload); updateErr != nil {
				return "", fmt.Errorf("updating device %s: %w", id, updateErr)
			}
		}
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	payload := devicePayload(ext, pc)
	if payload["name"] == nil {
		payload["name"] = fmt.Sprintf("device_%s_%s", ext.Type, ext.Value)
	}
	newID, err := r.client.CreateOrUpdate(ctx, mapping.APIInventory, "", payload)
	if err != nil {
		return "", fmt.Errorf("creating device for %s: %w", ext, err)
	}

	if assocErr := r.client.CreateExternalIDAssociation(ctx, newID, ext); assocErr != nil {
		// Another in-flight message may have won the creation race; the
		// association then already points at its device.
		if existing, lookupErr := r.client.LookupPlatformID(ctx, ext); lookupErr == nil {
			r.logger.Debug().Str("external_id", ext.String()).Str("platform_id", existing).
				Msg("Device was created concurrently, using the existing object.")
			newID = existing
		} else {
			return "", fmt.Errorf("associating %s with device %s: %w", ext, newID, assocErr)
		}
	}

	if writeErr := r.forward.Write(ctx, "ext:"+ext.String(), newID); writeErr != nil {
		r.logger.Warn().Err(writeErr).Str("external_id", ext.String()).Msg("Failed to cache identity association.")
	}
	r.logger.Info().Str("external_id", ext.String()).Str("platform_id", newID).Msg("Device created implicitly.")
	return newID, nil
}

// Invalidate drops the cached association for an external identifier, e.g.
// after a device is deleted on the platform.
func (r *Resolver) Invalidate(ctx context.Context, ext ExternalID) error {
	return r.forward.Invalidate(ctx, "ext:"+ext.String())
}

// Close releases the underlying caches.
func (r *Resolver) Close() error {
	ferr := r.forward.Close()
	rerr := r.reverse.Close()
	if ferr != nil {
		return ferr
	}
	return rerr
}

// devicePayload builds the inventory payload for implicit creation/update
// from the processing context's overrides.
func devicePayload(_ ExternalID, pc *mapping.ProcessingContext) map[string]any {
	payload := make(map[string]any)
	if pc != nil && pc.DeviceName != "" {
		payload["name"] = pc.DeviceName
	}
	if pc != nil && pc.DeviceType != "" {
		payload["type"] = pc.DeviceType
	}
	return payload
}
