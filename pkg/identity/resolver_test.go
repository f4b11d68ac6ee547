package identity_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/identity"
	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// fakePlatform is an in-memory PlatformClient tracking call counts.
type fakePlatform struct {
	mu           sync.Mutex
	associations map[string]string
	devices      map[string]map[string]any
	lookupCalls  int
	createCalls  int
	// failAssociation simulates losing the implicit-creation race: the
	// association call fails and the external id already points elsewhere.
	failAssociation bool
	raceWinnerID    string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		associations: make(map[string]string),
		devices:      make(map[string]map[string]any),
	}
}

func (f *fakePlatform) CreateOrUpdate(_ context.Context, _ mapping.TargetAPI, platformID string, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if platformID == "" {
		f.createCalls++
		platformID = uuid.NewString()
	}
	f.devices[platformID] = payload
	return platformID, nil
}

func (f *fakePlatform) LookupPlatformID(_ context.Context, ext identity.ExternalID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if id, ok := f.associations[ext.String()]; ok {
		return id, nil
	}
	if f.failAssociation && f.raceWinnerID != "" {
		return f.raceWinnerID, nil
	}
	return "", identity.ErrNotFound
}

func (f *fakePlatform) LookupExternalID(_ context.Context, platformID, idType string) (identity.ExternalID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, id := range f.associations {
		if id == platformID {
			return identity.ExternalID{Type: idType, Value: key[len(idType)+1:]}, nil
		}
	}
	return identity.ExternalID{}, identity.ErrNotFound
}

func (f *fakePlatform) CreateExternalIDAssociation(_ context.Context, platformID string, ext identity.ExternalID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAssociation {
		f.raceWinnerID = "race-winner"
		return fmt.Errorf("association already exists")
	}
	f.associations[ext.String()] = platformID
	return nil
}

func TestResolveSourceID(t *testing.T) {
	ctx := context.Background()

	t.Run("LookupIsCached", func(t *testing.T) {
		platform := newFakePlatform()
		platform.associations["c8y_Serial/sensor-1"] = "dev-42"
		resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
		require.NoError(t, err)

		ext := identity.ExternalID{Type: "c8y_Serial", Value: "sensor-1"}
		id, err := resolver.ResolveSourceID(ctx, ext)
		require.NoError(t, err)
		assert.Equal(t, "dev-42", id)

		// Second resolution is served from the cache.
		id, err = resolver.ResolveSourceID(ctx, ext)
		require.NoError(t, err)
		assert.Equal(t, "dev-42", id)
		assert.Equal(t, 1, platform.lookupCalls)
	})

	t.Run("MissingAssociationIsNotFound", func(t *testing.T) {
		resolver, err := identity.NewResolver(newFakePlatform(), nil, nil, zerolog.Nop())
		require.NoError(t, err)

		_, err = resolver.ResolveSourceID(ctx, identity.ExternalID{Type: "c8y_Serial", Value: "ghost"})
		assert.ErrorIs(t, err, identity.ErrNotFound)
	})

	t.Run("InvalidateForcesRelookup", func(t *testing.T) {
		platform := newFakePlatform()
		platform.associations["c8y_Serial/sensor-1"] = "dev-42"
		resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
		require.NoError(t, err)

		ext := identity.ExternalID{Type: "c8y_Serial", Value: "sensor-1"}
		_, err = resolver.ResolveSourceID(ctx, ext)
		require.NoError(t, err)
		require.NoError(t, resolver.Invalidate(ctx, ext))

		_, err = resolver.ResolveSourceID(ctx, ext)
		require.NoError(t, err)
		assert.Equal(t, 2, platform.lookupCalls)
	})
}

func TestUpsertDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesMissingDeviceWithSynthesizedName", func(t *testing.T) {
		platform := newFakePlatform()
		resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
		require.NoError(t, err)

		ext := identity.ExternalID{Type: "c8y_Serial", Value: "sensor-9"}
		m := mapping.NewMapping("temp", mapping.DirectionInbound)
		pc := mapping.NewProcessingContext("acme", "t", m, nil)

		id, err := resolver.UpsertDevice(ctx, ext, pc)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		assert.Equal(t, 1, platform.createCalls)
		assert.Equal(t, "device_c8y_Serial_sensor-9", platform.devices[id]["name"])
	})

	t.Run("ContextOverridesNameAndType", func(t *testing.T) {
		platform := newFakePlatform()
		resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
		require.NoError(t, err)

		m := mapping.NewMapping("temp", mapping.DirectionInbound)
		pc := mapping.NewProcessingContext("acme", "t", m, nil)
		pc.DeviceName = "Boiler 3"
		pc.DeviceType = "boiler"

		id, err := resolver.UpsertDevice(ctx, identity.ExternalID{Type: "c8y_Serial", Value: "b3"}, pc)
		require.NoError(t, err)
		assert.Equal(t, "Boiler 3", platform.devices[id]["name"])
		assert.Equal(t, "boiler", platform.devices[id]["type"])
	})

	t.Run("ExistingDeviceIsNotRecreated", func(t *testing.T) {
		platform := newFakePlatform()
		platform.associations["c8y_Serial/sensor-1"] = "dev-42"
		resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
		require.NoError(t, err)

		id, err := resolver.UpsertDevice(ctx, identity.ExternalID{Type: "c8y_Serial", Value: "sensor-1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "dev-42", id)
		assert.Equal(t, 0, platform.createCalls)
	})

	t.Run("ConcurrentCreationConvergesOnWinner", func(t *testing.T) {
		platform := newFakePlatform()
		platform.failAssociation = true
		resolver, err := identity.NewResolver(platform, nil, nil, zerolog.Nop())
		require.NoError(t, err)

		id, err := resolver.UpsertDevice(ctx, identity.ExternalID{Type: "c8y_Serial", Value: "contested"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "race-winner", id)
	})
}
