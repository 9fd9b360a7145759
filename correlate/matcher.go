package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lookout/core"
	"lookout/metrics"
	"lookout/severity"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// incidentNamespace seeds deterministic incident ids.
var incidentNamespace = uuid.MustParse("6f0c4c1e-3b7a-4c55-9d62-1f0a8e2b7d41")

// Decision describes what applying one event to the cache would do.
type Decision struct {
	Key core.CorrelationKey
	// Entry is the state that is stored if the callback succeeds. The
	// callback may set Emitted and Suppressed on it.
	Entry Entry
	// Created is true when the event opens a new incident.
	Created bool
	// Expired is true when a stale entry existed for the key and was replaced.
	Expired bool
	// Redelivered is true when the event's tracking id was already folded into
	// the live entry. No callback runs and nothing is stored.
	Redelivered bool
}

// ApplyFunc acts on a decision before it is persisted. Returning an error
// leaves the cache unchanged.
type ApplyFunc func(ctx context.Context, d *Decision) error

// Matcher applies enriched events to a Store under a per-key lock.
type Matcher struct {
	store       Store
	ttl         time.Duration
	lockTimeout time.Duration
	scale       *severity.Scale
	logger      *zap.SugaredLogger
}

// NewMatcher creates a matcher. ttl is both the store expiry and the maximum
// event-time gap between an event and the incident it joins.
func NewMatcher(store Store, ttl, lockTimeout time.Duration, scale *severity.Scale, logger *zap.SugaredLogger) *Matcher {
	return &Matcher{
		store:       store,
		ttl:         ttl,
		lockTimeout: lockTimeout,
		scale:       scale,
		logger:      logger,
	}
}

// TTL returns the correlation window.
func (m *Matcher) TTL() time.Duration { return m.ttl }

// Apply folds ev into the incident for its key. incidentType is used when a
// new incident is opened. fn runs with the key lock held; the resulting
// entry is stored only if fn returns nil.
func (m *Matcher) Apply(ctx context.Context, ev *core.EnrichedEvent, incidentType string, fn ApplyFunc) (*Decision, error) {
	key := ev.Key()

	lockCtx := ctx
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	unlock, err := m.store.Lock(lockCtx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, found, err := m.store.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("correlation lookup failed for %s: %w", key, err)
	}

	d := &Decision{Key: key}
	switch {
	case found && m.stale(current, ev.Event.Timestamp):
		metrics.CorrelationLookups.WithLabelValues("expired").Inc()
		d.Expired = true
		d.Created = true
		d.Entry = m.open(key, ev, incidentType)
	case found && core.ContainsTrackingID(current.TrackingIDs, ev.Event.TrackingID):
		metrics.CorrelationLookups.WithLabelValues("redelivered").Inc()
		d.Redelivered = true
		d.Entry = current
		return d, nil
	case found:
		metrics.CorrelationLookups.WithLabelValues("hit").Inc()
		d.Entry = m.update(current, ev)
	default:
		metrics.CorrelationLookups.WithLabelValues("miss").Inc()
		d.Created = true
		d.Entry = m.open(key, ev, incidentType)
	}

	if fn != nil {
		if err := fn(ctx, d); err != nil {
			return d, err
		}
	}

	if err := m.store.Upsert(ctx, key, d.Entry, m.ttl); err != nil {
		return d, fmt.Errorf("correlation upsert failed for %s: %w", key, err)
	}
	return d, nil
}

// stale reports whether ts is too far past the entry's last event to join it.
func (m *Matcher) stale(e Entry, ts time.Time) bool {
	return ts.Sub(e.LastSeen) > m.ttl
}

func (m *Matcher) open(key core.CorrelationKey, ev *core.EnrichedEvent, incidentType string) Entry {
	p := m.scale.CombinedPriority(severity.Undefined(), eventLevel(ev))
	ts := ev.Event.Timestamp
	return Entry{
		IncidentID:    IncidentID(key, ev.Event.TrackingID),
		ShipID:        ev.Resolution.ShipID,
		DeviceID:      ev.Resolution.DeviceID,
		Service:       ev.Resolution.Service,
		IncidentType:  incidentType,
		Severity:      m.scale.Label(p),
		Priority:      p,
		PriorityKnown: ev.PriorityKnown,
		FirstSeen:     ts,
		LastSeen:      ts,
		Count:         1,
		TrackingIDs:   []string{ev.Event.TrackingID},
		SourceTag:     ev.Resolution.SourceTag,
		Degraded:      ev.Resolution.Degraded,
	}
}

func (m *Matcher) update(e Entry, ev *core.EnrichedEvent) Entry {
	current := severity.Undefined()
	if e.PriorityKnown {
		current = severity.Defined(e.Priority)
	}
	p := m.scale.CombinedPriority(current, eventLevel(ev))

	next := e
	next.TrackingIDs = core.AppendTrackingID(append([]string(nil), e.TrackingIDs...), ev.Event.TrackingID)
	next.Count = e.Count + 1
	next.Priority = p
	next.PriorityKnown = e.PriorityKnown || ev.PriorityKnown
	next.Severity = m.scale.Label(p)
	next.Degraded = e.Degraded || ev.Resolution.Degraded

	ts := ev.Event.Timestamp
	if ts.After(e.LastSeen) {
		next.LastSeen = ts
	}
	if ts.Before(e.FirstSeen) {
		next.FirstSeen = ts
	}
	return next
}

func eventLevel(ev *core.EnrichedEvent) severity.Level {
	if ev.PriorityKnown {
		return severity.Defined(ev.Priority)
	}
	return severity.Undefined()
}

// IncidentID derives a stable incident id from the key and the tracking id
// of the event that opened the incident, so a retried creation reuses it.
func IncidentID(key core.CorrelationKey, trackingID string) string {
	return uuid.NewSHA1(incidentNamespace, []byte(string(key)+"\x00"+trackingID)).String()
}

// IsLockTimeout reports whether err came from a key lock that was not acquired.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
