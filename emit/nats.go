package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"lookout/bus"
	"lookout/core"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Incident message headers.
const (
	HeaderIncidentID = "Incident-ID"
	HeaderKind       = "Incident-Kind"
)

// NATSPublisher publishes incidents as JSON to JetStream subjects.
type NATSPublisher struct {
	js             nats.JetStreamContext
	createdSubject string
	updatedSubject string
	logger         *zap.SugaredLogger
}

// NewNATSPublisher ensures stream captures both incident subjects.
func NewNATSPublisher(js nats.JetStreamContext, stream, createdSubject, updatedSubject string, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	err := bus.EnsureStream(js, bus.StreamSpec{
		Name:       stream,
		Subjects:   []string{createdSubject, updatedSubject},
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{
		js:             js,
		createdSubject: createdSubject,
		updatedSubject: updatedSubject,
		logger:         logger,
	}, nil
}

// Publish sends incident. Nats-Msg-Id is incident id plus event count, so
// a retried publication of the same state is dropped by the broker.
func (p *NATSPublisher) Publish(ctx context.Context, kind Kind, incident *core.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	subject := p.createdSubject
	if kind == KindUpdated {
		subject = p.updatedSubject
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(HeaderIncidentID, incident.IncidentID)
	msg.Header.Set(HeaderKind, string(kind))
	msg.Header.Set(nats.MsgIdHdr, incident.IncidentID+":"+strconv.Itoa(incident.CorrelatedEventCount))

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrBusUnavailable, err)
	}
	return nil
}

// Close is a no-op; the connection is owned by the caller.
func (p *NATSPublisher) Close() error { return nil }
