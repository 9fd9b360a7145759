// Package correlate groups enriched events into incidents by correlation key.
package correlate

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"lookout/core"
)

// ErrLockTimeout is returned when a key lock cannot be acquired in time.
var ErrLockTimeout = errors.New("correlation key lock not acquired")

// Entry is the cached state of one open incident.
type Entry struct {
	IncidentID    string         `msgpack:"incident_id" json:"incident_id"`
	ShipID        string         `msgpack:"ship_id" json:"ship_id"`
	DeviceID      string         `msgpack:"device_id" json:"device_id"`
	Service       string         `msgpack:"service" json:"service"`
	IncidentType  string         `msgpack:"incident_type" json:"incident_type"`
	Severity      string         `msgpack:"severity" json:"severity"`
	Priority      int            `msgpack:"priority" json:"priority"`
	PriorityKnown bool           `msgpack:"priority_known" json:"priority_known"`
	FirstSeen     time.Time      `msgpack:"first_seen" json:"first_seen"`
	LastSeen      time.Time      `msgpack:"last_seen" json:"last_seen"`
	Count         int            `msgpack:"count" json:"correlated_event_count"`
	TrackingIDs   []string       `msgpack:"tracking_ids" json:"tracking_ids"`
	SourceTag     core.SourceTag `msgpack:"source_tag" json:"source_tag"`
	// Emitted is set once the creation record has been published.
	Emitted bool `msgpack:"emitted" json:"emitted"`
	// Suppressed is set when the creation record was withheld as a duplicate.
	Suppressed bool `msgpack:"suppressed" json:"suppressed"`
	Degraded   bool `msgpack:"degraded" json:"degraded"`
}

// Incident converts the entry into the published record.
func (e Entry) Incident(key core.CorrelationKey) *core.Incident {
	ids := make([]string, len(e.TrackingIDs))
	copy(ids, e.TrackingIDs)
	return &core.Incident{
		IncidentID:           e.IncidentID,
		ShipID:               e.ShipID,
		DeviceID:             e.DeviceID,
		Service:              e.Service,
		IncidentType:         e.IncidentType,
		Severity:             e.Severity,
		SeverityPriority:     e.Priority,
		FirstSeen:            e.FirstSeen.UTC(),
		LastSeen:             e.LastSeen.UTC(),
		CorrelatedEventCount: e.Count,
		TrackingIDs:          ids,
		Status:               core.IncidentStatusOpen,
		SourceTag:            e.SourceTag,
		Degraded:             e.Degraded,
		CorrelationKey:       key.String(),
	}
}

// Store holds correlation entries with a time-to-live.
type Store interface {
	// Lookup returns the live entry for key. A missing or expired key is
	// reported as false with a nil error.
	Lookup(ctx context.Context, key core.CorrelationKey) (Entry, bool, error)
	// Upsert writes entry and resets its time-to-live.
	Upsert(ctx context.Context, key core.CorrelationKey, entry Entry, ttl time.Duration) error
	// Lock serialises writers of key. The returned function releases it.
	Lock(ctx context.Context, key core.CorrelationKey) (func(), error)
	Close() error
}

func stripe(key core.CorrelationKey, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
