package core

// SourceTag records which fallback level resolved an identity field.
type SourceTag string

const (
	SourceTopLevel    SourceTag = "top_level"
	SourceMetadata    SourceTag = "metadata"
	SourceRegistry    SourceTag = "registry"
	SourcePlaceholder SourceTag = "placeholder"
)

// Identity is the resolved ship/device/service triple. After resolution every
// field is non-empty; unresolved fields carry a placeholder.
type Identity struct {
	ShipID   string `json:"ship_id" msgpack:"ship_id"`
	DeviceID string `json:"device_id" msgpack:"device_id"`
	Service  string `json:"service" msgpack:"service"`
}

// Resolution is the outcome of metadata enrichment for one event.
type Resolution struct {
	Identity
	// SourceTag is the level that resolved ship_id, the primary identity.
	SourceTag SourceTag `json:"source_tag"`
	// FieldSources holds the level per identity field.
	FieldSources map[string]SourceTag `json:"field_sources"`
	// Degraded is set when any field fell back to a placeholder or the
	// registry could not be consulted.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// EnrichedEvent is an AnomalyEvent with resolved identity and priority.
type EnrichedEvent struct {
	Event      *AnomalyEvent `json:"event"`
	Resolution Resolution    `json:"resolution"`

	Priority      int  `json:"priority"`
	PriorityKnown bool `json:"priority_known"`
}

// Key returns the correlation key for the resolved identity. A service that
// only resolved to a placeholder counts as missing, so such events key on
// device_id instead.
func (e *EnrichedEvent) Key() CorrelationKey {
	id := e.Resolution.Identity
	if e.Resolution.FieldSources[FieldService] == SourcePlaceholder {
		id.Service = ""
	}
	return NewCorrelationKey(id)
}
