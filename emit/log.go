package emit

import (
	"context"

	"lookout/core"

	"go.uber.org/zap"
)

// LogPublisher writes incidents to the log. It is used when no bus is
// configured.
type LogPublisher struct {
	logger *zap.SugaredLogger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, kind Kind, incident *core.Incident) error {
	p.logger.Infow("Incident",
		"kind", kind,
		"incident_id", incident.IncidentID,
		"incident_type", incident.IncidentType,
		"ship_id", incident.ShipID,
		"device_id", incident.DeviceID,
		"service", incident.Service,
		"severity", incident.Severity,
		"first_seen", incident.FirstSeen,
		"last_seen", incident.LastSeen,
		"count", incident.CorrelatedEventCount,
		"degraded", incident.Degraded)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }
