package ingest

import (
	"context"
	"fmt"
	"time"

	"lookout/bus"
	"lookout/metrics"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DeadLetterStream captures the bus dead-letter subject.
const DeadLetterStream = "DEADLETTER"

// Dead-letter message headers.
const (
	HeaderErrorReason  = "Lookout-Error-Reason"
	HeaderErrorDetails = "Lookout-Error-Details"
	HeaderSource       = "Lookout-Source"
	HeaderSubject      = "Lookout-Subject"
	HeaderContentType  = "Content-Type"
)

// BusDLQ publishes dead letters to a JetStream subject, leaving the raw
// payload untouched and carrying the failure in headers.
type BusDLQ struct {
	js      nats.JetStreamContext
	subject string
	logger  *zap.SugaredLogger
}

// NewBusDLQ ensures the dead-letter stream exists.
func NewBusDLQ(js nats.JetStreamContext, subject string, logger *zap.SugaredLogger) (*BusDLQ, error) {
	err := bus.EnsureStream(js, bus.StreamSpec{
		Name:     DeadLetterStream,
		Subjects: []string{subject},
		MaxAge:   7 * 24 * time.Hour,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &BusDLQ{js: js, subject: subject, logger: logger}, nil
}

// Add publishes event to the dead-letter subject.
func (d *BusDLQ) Add(ctx context.Context, event *FailedEvent) error {
	msg := nats.NewMsg(d.subject)
	msg.Data = event.RawEvent
	msg.Header.Set(HeaderErrorReason, event.ErrorReason)
	msg.Header.Set(HeaderErrorDetails, event.ErrorDetails)
	msg.Header.Set(HeaderSource, event.Source)
	if event.Subject != "" {
		msg.Header.Set(HeaderSubject, event.Subject)
	}
	if event.ContentType != "" {
		msg.Header.Set(HeaderContentType, event.ContentType)
	}

	if _, err := d.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		metrics.DLQWriteFailures.Inc()
		d.logger.Errorw("Failed to publish event to DLQ subject",
			"error", err,
			"subject", d.subject,
			"reason", event.ErrorReason)
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	metrics.DLQEventsTotal.WithLabelValues(event.ErrorReason).Inc()
	return nil
}
