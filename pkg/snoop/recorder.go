// Package snoop captures sample payloads for mappings in snoop mode.
// Snooping short-circuits normal processing: messages matching a snooping
// mapping are recorded for inspection instead of being transformed. The
// recorder keeps a bounded in-memory ring per mapping; an optional archiver
// persists flushed samples to object storage.
package snoop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCapacity bounds how many samples are kept per mapping before the
// oldest are dropped.
const DefaultCapacity = 50

// Template is one captured payload sample.
type Template struct {
	Tenant    string          `json:"tenant"`
	MappingID string          `json:"mappingId"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	SnoopedAt time.Time       `json:"snoopedAt"`
}

// Recorder collects payload samples per mapping.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]Template
	archiver *Archiver
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRecorder creates a Recorder. The archiver may be nil for in-memory
// only operation; a non-positive capacity falls back to DefaultCapacity.
func NewRecorder(capacity int, archiver *Archiver, logger zerolog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		capacity: capacity,
		entries:  make(map[string][]Template),
		archiver: archiver,
		now:      time.Now,
		logger:   logger.With().Str("component", "SnoopRecorder").Logger(),
	}
}

// Record captures one sample for a mapping and returns the number of
// samples held. Non-JSON payloads are stored as JSON strings so the
// captured set stays renderable.
func (r *Recorder) Record(tenant, mappingID, topic string, payload []byte) int {
	sample := Template{
		Tenant:    tenant,
		MappingID: mappingID,
		Topic:     topic,
		SnoopedAt: r.now().UTC(),
	}
	if json.Valid(payload) {
		sample.Payload = json.RawMessage(payload)
	} else {
		encoded, _ := json.Marshal(string(payload))
		sample.Payload = encoded
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ring := append(r.entries[mappingID], sample)
	if len(ring) > r.capacity {
		ring = ring[len(ring)-r.capacity:]
	}
	r.entries[mappingID] = ring
	return len(ring)
}

// Templates returns the captured samples for a mapping, oldest first.
func (r *Recorder) Templates(mappingID string) []Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.entries[mappingID]
	out := make([]Template, len(ring))
	copy(out, ring)
	return out
}

// Clear drops the captured samples for a mapping, e.g. when snooping stops.
func (r *Recorder) Clear(mappingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, mappingID)
}

// Flush persists a mapping's captured samples through the archiver and
// clears the ring. Without an archiver it only clears.
func (r *Recorder) Flush(ctx context.Context, mappingID string) error {
	r.mu.Lock()
	ring := r.entries[mappingID]
	delete(r.entries, mappingID)
	r.mu.Unlock()

	if r.archiver == nil || len(ring) == 0 {
		return nil
	}
	if err := r.archiver.Archive(ctx, mappingID, ring); err != nil {
		r.logger.Error().Err(err).Str("mapping_id", mappingID).Msg("Failed to archive snooped samples.")
		return err
	}
	return nil
}
