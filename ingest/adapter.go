// Package ingest turns raw producer payloads into normalized anomaly events
// and routes the ones it cannot understand to a dead-letter sink.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
	"time"

	"lookout/core"
	"lookout/metrics"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Supported payload encodings.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeMsgpack  = "application/msgpack"
	contentTypeXMsgpack = "application/x-msgpack"
)

// Intake sources recorded on dead letters.
const (
	SourceBus    = "bus"
	SourceHTTP   = "http"
	SourceReplay = "replay"
)

// Message is one raw payload as received from a transport.
type Message struct {
	Data        []byte
	ContentType string
	Source      string
	Subject     string
	ReceivedAt  time.Time
}

// Adapter decodes, validates and normalizes raw payloads.
type Adapter struct {
	schema *Schema
	dlq    DeadLetterSink
	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

// NewAdapter creates an adapter. dlq may be nil, in which case malformed
// events are only logged.
func NewAdapter(dlq DeadLetterSink, logger *zap.SugaredLogger) (*Adapter, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		schema: schema,
		dlq:    dlq,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Ingest normalizes msg. Malformed payloads are written to the dead-letter
// sink and reported with an error matching core.ErrMalformedEvent; the caller
// should treat them as handled. Any other error means the dead-letter write
// failed and the message should be redelivered.
func (a *Adapter) Ingest(ctx context.Context, msg Message) (*core.AnomalyEvent, error) {
	event, err := a.Normalize(msg)
	if err == nil {
		metrics.EventsIngested.WithLabelValues(string(event.Kind)).Inc()
		return event, nil
	}

	reason := core.MalformedReason(err)
	a.logger.Warnw("Rejected malformed event",
		"source", msg.Source,
		"subject", msg.Subject,
		"reason", reason,
		"error", err)

	if a.dlq == nil {
		return nil, err
	}
	failed := &FailedEvent{
		Source:       msg.Source,
		Subject:      msg.Subject,
		ContentType:  msg.ContentType,
		RawEvent:     msg.Data,
		ErrorReason:  reason,
		ErrorDetails: err.Error(),
	}
	if dlqErr := a.dlq.Add(ctx, failed); dlqErr != nil {
		return nil, fmt.Errorf("failed to dead-letter %s event: %w", reason, dlqErr)
	}
	return nil, err
}

// Normalize decodes msg into an AnomalyEvent without side effects.
func (a *Adapter) Normalize(msg Message) (*core.AnomalyEvent, error) {
	pe, err := a.Decode(msg)
	if err != nil {
		return nil, err
	}
	if u, ok := pe.(Unrecognized); ok {
		detail := u.Reason
		if u.Declared != "" {
			detail = fmt.Sprintf("%s %q", u.Reason, u.Declared)
		}
		return nil, core.NewMalformedEvent(core.ReasonUnrecognizedShape, errors.New(detail))
	}

	received := msg.ReceivedAt
	if received.IsZero() {
		received = a.now()
	}
	return a.toEvent(pe, received.UTC())
}

// Decode parses msg into a producer shape.
func (a *Adapter) Decode(msg Message) (ProducerEvent, error) {
	doc, err := decodeDocument(msg.Data, msg.ContentType)
	if err != nil {
		return nil, err
	}
	if err := a.schema.Validate(doc); err != nil {
		return nil, core.NewMalformedEvent(core.ReasonSchemaViolation, err)
	}
	return Classify(doc), nil
}

func (a *Adapter) toEvent(pe ProducerEvent, received time.Time) (*core.AnomalyEvent, error) {
	var base Base
	extra := map[string]any{}
	event := &core.AnomalyEvent{Kind: pe.Kind(), ReceivedAt: received}

	switch v := pe.(type) {
	case MetricAnomaly:
		base = v.Base
		event.MetricName = v.MetricName
		event.MetricValue = v.MetricValue
	case LogAnomaly:
		base = v.Base
		event.Message = v.Message
		putNonEmpty(extra, "log_pattern", v.Pattern)
		putNonEmpty(extra, "logger", v.Logger)
	case NetworkAnomaly:
		base = v.Base
		putNonEmpty(extra, "oid", v.OID)
		putNonEmpty(extra, "interface", v.Interface)
		putNonEmpty(extra, "agent_address", v.AgentAddress)
		if base.Hostname == "" {
			base.Hostname = v.AgentAddress
		}
	case GenericAnomaly:
		base = v.Base
	default:
		return nil, core.NewMalformedEvent(core.ReasonUnrecognizedShape, fmt.Errorf("unexpected shape %T", pe))
	}

	ts, err := parseTimestamp(base.Timestamp, received)
	if err != nil {
		return nil, core.NewMalformedEvent(core.ReasonInvalidTimestamp, err)
	}

	event.Timestamp = ts
	event.TrackingID = strings.TrimSpace(base.TrackingID)
	if event.TrackingID == "" {
		event.TrackingID = a.newID()
	}
	event.Severity = strings.TrimSpace(base.Severity)
	event.Category = strings.TrimSpace(base.Category)
	event.ShipID = strings.TrimSpace(base.ShipID)
	event.DeviceID = strings.TrimSpace(base.DeviceID)
	event.Service = strings.TrimSpace(base.Service)
	event.Hostname = strings.TrimSpace(base.Hostname)
	event.Metadata = base.Metadata

	for k, v := range base.Extra {
		extra[k] = v
	}
	if len(extra) > 0 {
		event.Extra = extra
	}
	return event, nil
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// decodeDocument parses data as a JSON or msgpack object.
func decodeDocument(data []byte, contentType string) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, core.NewMalformedEvent(core.ReasonDecodeFailure, errors.New("empty payload"))
	}

	var raw any
	switch mediaType(contentType) {
	case "", ContentTypeJSON, "text/plain":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, core.NewMalformedEvent(core.ReasonDecodeFailure, err)
		}
	case ContentTypeMsgpack, contentTypeXMsgpack:
		var decoded any
		if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&decoded); err != nil {
			return nil, core.NewMalformedEvent(core.ReasonDecodeFailure, err)
		}
		// Re-encode through JSON so both encodings yield the same value types.
		encoded, err := json.Marshal(decoded)
		if err != nil {
			return nil, core.NewMalformedEvent(core.ReasonDecodeFailure, err)
		}
		if err := json.Unmarshal(encoded, &raw); err != nil {
			return nil, core.NewMalformedEvent(core.ReasonDecodeFailure, err)
		}
	default:
		return nil, core.NewMalformedEvent(core.ReasonUnsupportedContent, fmt.Errorf("content type %q", contentType))
	}

	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, core.NewMalformedEvent(core.ReasonNotObject, fmt.Errorf("payload is %T, want object", raw))
	}
	return doc, nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e11

// parseTimestamp accepts RFC 3339 strings and epoch seconds or milliseconds.
// A missing value yields fallback.
func parseTimestamp(v any, fallback time.Time) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return fallback, nil
	case string:
		s := strings.TrimSpace(ts)
		if s == "" {
			return fallback, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", ts)
	case float64:
		return fromEpoch(ts)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %v", f)
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
