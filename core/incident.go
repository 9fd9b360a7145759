package core

import "time"

// IncidentStatus is the lifecycle state of an incident as seen by consumers.
type IncidentStatus string

const (
	IncidentStatusOpen IncidentStatus = "open"
)

// DefaultIncidentType is substituted whenever no incident type can be derived.
const DefaultIncidentType = "unclassified_anomaly"

// MaxTrackingIDs bounds the tracking ids kept per incident; older ids are dropped first.
const MaxTrackingIDs = 1000

// Incident is the canonical record published for a group of correlated events.
// IncidentID is the idempotency key for downstream consumers.
type Incident struct {
	IncidentID           string         `json:"incident_id" validate:"required"`
	ShipID               string         `json:"ship_id" validate:"required"`
	DeviceID             string         `json:"device_id" validate:"required"`
	Service              string         `json:"service" validate:"required"`
	IncidentType         string         `json:"incident_type" validate:"required"`
	Severity             string         `json:"severity" validate:"required"`
	SeverityPriority     int            `json:"severity_priority"`
	FirstSeen            time.Time      `json:"first_seen" validate:"required"`
	LastSeen             time.Time      `json:"last_seen" validate:"required,gtefield=FirstSeen"`
	CorrelatedEventCount int            `json:"correlated_event_count" validate:"gte=1"`
	TrackingIDs          []string       `json:"tracking_ids" validate:"required,min=1"`
	Status               IncidentStatus `json:"status"`
	SourceTag            SourceTag      `json:"source_tag"`
	Degraded             bool           `json:"degraded"`
	CorrelationKey       string         `json:"correlation_key"`
}

// AppendTrackingID appends id to ids keeping at most MaxTrackingIDs entries.
func AppendTrackingID(ids []string, id string) []string {
	ids = append(ids, id)
	if len(ids) > MaxTrackingIDs {
		ids = ids[len(ids)-MaxTrackingIDs:]
	}
	return ids
}

// ContainsTrackingID reports whether id has already been folded into ids.
func ContainsTrackingID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
