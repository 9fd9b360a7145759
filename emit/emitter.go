// Package emit validates incident records and publishes them.
package emit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lookout/core"
	"lookout/metrics"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Kind distinguishes the first publication of an incident from later updates.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

// ErrInvalidIncident marks a record that failed validation.
var ErrInvalidIncident = errors.New("invalid incident record")

// Publisher delivers incident records downstream.
type Publisher interface {
	Publish(ctx context.Context, kind Kind, incident *core.Incident) error
	Close() error
}

// Emitter validates incidents and publishes them with a bounded timeout.
type Emitter struct {
	publisher   Publisher
	validate    *validator.Validate
	timeout     time.Duration
	defaultType string
	logger      *zap.SugaredLogger
}

// NewEmitter creates an emitter.
func NewEmitter(publisher Publisher, timeout time.Duration, defaultType string, logger *zap.SugaredLogger) *Emitter {
	if strings.TrimSpace(defaultType) == "" {
		defaultType = core.DefaultIncidentType
	}
	return &Emitter{
		publisher:   publisher,
		validate:    validator.New(),
		timeout:     timeout,
		defaultType: defaultType,
		logger:      logger,
	}
}

// Emit publishes incident. A blank incident type is replaced with the
// default before validation.
func (e *Emitter) Emit(ctx context.Context, incident *core.Incident, kind Kind) error {
	if strings.TrimSpace(incident.IncidentType) == "" {
		e.logger.Warnw("Incident without type, using default",
			"incident_id", incident.IncidentID,
			"default", e.defaultType)
		incident.IncidentType = e.defaultType
	}
	if incident.Status == "" {
		incident.Status = core.IncidentStatusOpen
	}

	if err := e.validate.Struct(incident); err != nil {
		metrics.EmitFailures.WithLabelValues(string(kind)).Inc()
		return fmt.Errorf("%w %s: %v", ErrInvalidIncident, incident.IncidentID, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to publish %s incident %s: %w", kind, incident.IncidentID, err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.publisher.Publish(ctx, kind, incident); err != nil {
		metrics.EmitFailures.WithLabelValues(string(kind)).Inc()
		e.logger.Errorw("Failed to publish incident",
			"incident_id", incident.IncidentID,
			"kind", kind,
			"error", err)
		return fmt.Errorf("failed to publish %s incident %s: %w", kind, incident.IncidentID, err)
	}

	metrics.IncidentsEmitted.WithLabelValues(string(kind)).Inc()
	e.logger.Infow("Incident published",
		"incident_id", incident.IncidentID,
		"kind", kind,
		"incident_type", incident.IncidentType,
		"severity", incident.Severity,
		"count", incident.CorrelatedEventCount,
		"ship_id", incident.ShipID,
		"service", incident.Service)
	return nil
}

// Close closes the publisher.
func (e *Emitter) Close() error {
	return e.publisher.Close()
}
