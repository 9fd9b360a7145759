package ingest

import (
	"strings"

	"lookout/core"
)

// ProducerEvent is the tagged union of inbound producer shapes. The concrete
// types are MetricAnomaly, LogAnomaly, NetworkAnomaly, GenericAnomaly and
// Unrecognized.
type ProducerEvent interface {
	Kind() core.EventKind
}

// Base holds the fields shared by every recognised producer shape.
type Base struct {
	Timestamp  any
	Severity   string
	Category   string
	ShipID     string
	DeviceID   string
	Service    string
	Hostname   string
	TrackingID string
	Metadata   map[string]any
	// Extra holds fields no shape claims.
	Extra map[string]any
}

// MetricAnomaly is emitted by the metric anomaly detector.
type MetricAnomaly struct {
	Base
	MetricName  string
	MetricValue *float64
}

// LogAnomaly is emitted by the log pattern detector.
type LogAnomaly struct {
	Base
	Pattern string
	Message string
	Logger  string
}

// NetworkAnomaly is emitted by the network/SNMP detector.
type NetworkAnomaly struct {
	Base
	OID          string
	Interface    string
	AgentAddress string
}

// GenericAnomaly carries only the base event contract.
type GenericAnomaly struct {
	Base
}

// Unrecognized is a payload that decoded but matches no known producer.
// It is dead-lettered.
type Unrecognized struct {
	Declared string
	Reason   string
	Document map[string]any
}

func (MetricAnomaly) Kind() core.EventKind  { return core.EventKindMetric }
func (LogAnomaly) Kind() core.EventKind     { return core.EventKindLog }
func (NetworkAnomaly) Kind() core.EventKind { return core.EventKindNetwork }
func (GenericAnomaly) Kind() core.EventKind { return core.EventKindGeneric }
func (Unrecognized) Kind() core.EventKind   { return core.EventKindUnrecognized }

// declaredKinds maps values of the "kind"/"source_type" discriminator.
var declaredKinds = map[string]core.EventKind{
	"metric":          core.EventKindMetric,
	"metrics":         core.EventKindMetric,
	"metric_anomaly":  core.EventKindMetric,
	"log":             core.EventKindLog,
	"logs":            core.EventKindLog,
	"log_anomaly":     core.EventKindLog,
	"network":         core.EventKindNetwork,
	"snmp":            core.EventKindNetwork,
	"network_anomaly": core.EventKindNetwork,
	"generic":         core.EventKindGeneric,
	"anomaly":         core.EventKindGeneric,
	"generic_anomaly": core.EventKindGeneric,
}

var (
	baseKeys    = []string{"timestamp", "severity", "category", "ship_id", "device_id", "service", "hostname", "tracking_id", "metadata", "kind", "source_type"}
	metricKeys  = []string{"metric_name", "metric_value"}
	logKeys     = []string{"log_pattern", "log_message", "logger"}
	networkKeys = []string{"oid", "interface", "agent_address"}
)

// Classify decides which producer shape doc belongs to. An explicit
// discriminator wins; otherwise shape-specific fields decide, and a document
// with none of them is a GenericAnomaly.
func Classify(doc map[string]any) ProducerEvent {
	declared := strings.ToLower(strings.TrimSpace(firstString(doc, "kind", "source_type")))

	kind := core.EventKindGeneric
	if declared != "" {
		k, ok := declaredKinds[declared]
		if !ok {
			return Unrecognized{Declared: declared, Reason: "unknown producer kind", Document: doc}
		}
		kind = k
	} else {
		var matched []core.EventKind
		if hasAny(doc, metricKeys) {
			matched = append(matched, core.EventKindMetric)
		}
		if hasAny(doc, logKeys) {
			matched = append(matched, core.EventKindLog)
		}
		if hasAny(doc, networkKeys) {
			matched = append(matched, core.EventKindNetwork)
		}
		switch len(matched) {
		case 0:
		case 1:
			kind = matched[0]
		default:
			return Unrecognized{Reason: "conflicting producer markers", Document: doc}
		}
	}

	base := Base{
		Timestamp:  doc["timestamp"],
		Severity:   str(doc["severity"]),
		Category:   str(doc["category"]),
		ShipID:     str(doc["ship_id"]),
		DeviceID:   str(doc["device_id"]),
		Service:    str(doc["service"]),
		Hostname:   str(doc["hostname"]),
		TrackingID: str(doc["tracking_id"]),
	}
	if md, ok := doc["metadata"].(map[string]any); ok {
		base.Metadata = md
	}

	switch kind {
	case core.EventKindMetric:
		base.Extra = extra(doc, baseKeys, metricKeys)
		ev := MetricAnomaly{Base: base, MetricName: str(doc["metric_name"])}
		if v, ok := doc["metric_value"].(float64); ok {
			ev.MetricValue = &v
		}
		return ev
	case core.EventKindLog:
		base.Extra = extra(doc, baseKeys, logKeys)
		return LogAnomaly{
			Base:    base,
			Pattern: str(doc["log_pattern"]),
			Message: str(doc["log_message"]),
			Logger:  str(doc["logger"]),
		}
	case core.EventKindNetwork:
		base.Extra = extra(doc, baseKeys, networkKeys)
		return NetworkAnomaly{
			Base:         base,
			OID:          str(doc["oid"]),
			Interface:    str(doc["interface"]),
			AgentAddress: str(doc["agent_address"]),
		}
	default:
		base.Extra = extra(doc, baseKeys)
		return GenericAnomaly{Base: base}
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(doc[k]); s != "" {
			return s
		}
	}
	return ""
}

func hasAny(doc map[string]any, keys []string) bool {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return true
		}
	}
	return false
}

func extra(doc map[string]any, known ...[]string) map[string]any {
	claimed := make(map[string]struct{})
	for _, set := range known {
		for _, k := range set {
			claimed[k] = struct{}{}
		}
	}
	var out map[string]any
	for k, v := range doc {
		if _, ok := claimed[k]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}
