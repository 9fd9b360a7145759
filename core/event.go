package core

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies which producer shape an inbound event was decoded from.
type EventKind string

const (
	// EventKindMetric is a metric anomaly (metric_name/metric_value).
	EventKindMetric EventKind = "metric_anomaly"
	// EventKindLog is a log pattern anomaly.
	EventKindLog EventKind = "log_anomaly"
	// EventKindNetwork is a network/SNMP anomaly.
	EventKindNetwork EventKind = "network_anomaly"
	// EventKindGeneric carries only the base event contract.
	EventKindGeneric EventKind = "generic_anomaly"
	// EventKindUnrecognized never leaves the ingestion adapter; such events are dead-lettered.
	EventKindUnrecognized EventKind = "unrecognized"
)

// Identity field names, shared by the top level and the metadata map of an event.
const (
	FieldShipID   = "ship_id"
	FieldDeviceID = "device_id"
	FieldService  = "service"
	FieldHostname = "hostname"
)

// AnomalyEvent is a single normalized anomaly occurrence.
//
// Optional string fields use the empty string for "absent". Unknown fields
// supplied by the producer are kept in Extra.
type AnomalyEvent struct {
	TrackingID  string         `json:"tracking_id"`
	Timestamp   time.Time      `json:"timestamp"`
	ReceivedAt  time.Time      `json:"received_at"`
	Kind        EventKind      `json:"kind"`
	Severity    string         `json:"severity,omitempty"`
	Category    string         `json:"category,omitempty"`
	ShipID      string         `json:"ship_id,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`
	Service     string         `json:"service,omitempty"`
	Hostname    string         `json:"hostname,omitempty"`
	MetricName  string         `json:"metric_name,omitempty"`
	MetricValue *float64       `json:"metric_value,omitempty"`
	Message     string         `json:"message,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// TopLevel returns the top-level value of an identity field.
func (e *AnomalyEvent) TopLevel(field string) string {
	switch field {
	case FieldShipID:
		return e.ShipID
	case FieldDeviceID:
		return e.DeviceID
	case FieldService:
		return e.Service
	case FieldHostname:
		return e.Hostname
	default:
		return ""
	}
}

// MetadataValue returns the metadata value of field as a string.
// Non-scalar values are treated as absent.
func (e *AnomalyEvent) MetadataValue(field string) string {
	if e.Metadata == nil {
		return ""
	}
	v, ok := e.Metadata[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(val)
	default:
		return ""
	}
}

// Labels returns a compact description of the event for logging.
func (e *AnomalyEvent) Labels() []any {
	return []any{
		"tracking_id", e.TrackingID,
		"kind", string(e.Kind),
		"severity", strings.ToLower(e.Severity),
		"hostname", e.Hostname,
	}
}
