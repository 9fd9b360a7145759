package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lookout/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"
)

type memorySink struct {
	mu     sync.Mutex
	events []*FailedEvent
	err    error
}

func (s *memorySink) Add(_ context.Context, event *FailedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestAdapter(t *testing.T, sink DeadLetterSink) *Adapter {
	t.Helper()
	a, err := NewAdapter(sink, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	a.newID = func() string { return "generated-id" }
	return a
}

func TestNormalize_MetricEvent(t *testing.T) {
	a := newTestAdapter(t, nil)
	raw := `{"tracking_id":"t-1","timestamp":"2024-05-01T10:00:00Z","severity":"Critical",
		"metric_name":"cpu","metric_value":97.2,"hostname":" web-01 ","ship_id":"SHIP-1","region":"north"}`

	ev, err := a.Normalize(Message{Data: []byte(raw), ContentType: "application/json; charset=utf-8"})
	require.NoError(t, err)

	assert.Equal(t, "t-1", ev.TrackingID)
	assert.Equal(t, core.EventKindMetric, ev.Kind)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "Critical", ev.Severity)
	assert.Equal(t, "web-01", ev.Hostname)
	assert.Equal(t, "SHIP-1", ev.ShipID)
	assert.Equal(t, "cpu", ev.MetricName)
	require.NotNil(t, ev.MetricValue)
	assert.Equal(t, map[string]any{"region": "north"}, ev.Extra)
}

func TestNormalize_MissingTimestampAndTrackingID(t *testing.T) {
	a := newTestAdapter(t, nil)
	received := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ev, err := a.Normalize(Message{Data: []byte(`{"severity":"info"}`), ReceivedAt: received})
	require.NoError(t, err)
	assert.Equal(t, received, ev.Timestamp)
	assert.Equal(t, received, ev.ReceivedAt)
	assert.Equal(t, "generated-id", ev.TrackingID)
	assert.Equal(t, core.EventKindGeneric, ev.Kind)
}

func TestNormalize_Msgpack(t *testing.T) {
	a := newTestAdapter(t, nil)
	data, err := msgpack.Marshal(map[string]any{
		"tracking_id": "mp-1",
		"timestamp":   int64(1714557600),
		"log_pattern": "segfault",
		"log_message": "worker crashed",
		"service":     "billing",
	})
	require.NoError(t, err)

	ev, err := a.Normalize(Message{Data: data, ContentType: ContentTypeMsgpack})
	require.NoError(t, err)
	assert.Equal(t, core.EventKindLog, ev.Kind)
	assert.Equal(t, "worker crashed", ev.Message)
	assert.Equal(t, "segfault", ev.Extra["log_pattern"])
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), ev.Timestamp)
}

func TestNormalize_NetworkHostnameFallsBackToAgent(t *testing.T) {
	a := newTestAdapter(t, nil)
	ev, err := a.Normalize(Message{Data: []byte(`{"oid":"1.3.6.1","agent_address":"10.0.0.5"}`)})
	require.NoError(t, err)
	assert.Equal(t, core.EventKindNetwork, ev.Kind)
	assert.Equal(t, "10.0.0.5", ev.Hostname)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		contentType string
		reason      string
	}{
		{"empty", "", "", core.ReasonDecodeFailure},
		{"bad json", `{"severity":`, "", core.ReasonDecodeFailure},
		{"array", `[1,2]`, "", core.ReasonNotObject},
		{"scalar", `"hello"`, "", core.ReasonNotObject},
		{"wrong type", `{"hostname": 42}`, "", core.ReasonSchemaViolation},
		{"metadata not object", `{"metadata": "x"}`, "", core.ReasonSchemaViolation},
		{"bad timestamp", `{"timestamp":"yesterday"}`, "", core.ReasonInvalidTimestamp},
		{"unknown kind", `{"kind":"weather"}`, "", core.ReasonUnrecognizedShape},
		{"unsupported type", `{}`, "application/xml", core.ReasonUnsupportedContent},
	}

	a := newTestAdapter(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Normalize(Message{Data: []byte(tt.data), ContentType: tt.contentType})
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrMalformedEvent)
			assert.Equal(t, tt.reason, core.MalformedReason(err))
		})
	}
}

func TestIngest_DeadLettersMalformed(t *testing.T) {
	sink := &memorySink{}
	a := newTestAdapter(t, sink)

	_, err := a.Ingest(context.Background(), Message{Data: []byte(`not json`), Source: SourceBus, Subject: "events.anomaly.x"})
	require.ErrorIs(t, err, core.ErrMalformedEvent)

	require.Equal(t, 1, sink.len())
	failed := sink.events[0]
	assert.Equal(t, SourceBus, failed.Source)
	assert.Equal(t, "events.anomaly.x", failed.Subject)
	assert.Equal(t, []byte(`not json`), failed.RawEvent)
	assert.Equal(t, core.ReasonDecodeFailure, failed.ErrorReason)
}

func TestIngest_DeadLetterFailureIsNotMalformed(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	a := newTestAdapter(t, sink)

	_, err := a.Ingest(context.Background(), Message{Data: []byte(`[]`)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrMalformedEvent)
}

func TestIngest_ValidEventSkipsSink(t *testing.T) {
	sink := &memorySink{}
	a := newTestAdapter(t, sink)

	ev, err := a.Ingest(context.Background(), Message{Data: []byte(`{"severity":"warning"}`)})
	require.NoError(t, err)
	assert.NotNil(t, ev)
	assert.Zero(t, sink.len())
}

func TestParseTimestamp(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      any
		want    time.Time
		wantErr bool
	}{
		{"nil", nil, fallback, false},
		{"blank", "  ", fallback, false},
		{"rfc3339 offset", "2024-05-01T12:00:00+02:00", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), false},
		{"naive", "2024-05-01 10:00:00", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), false},
		{"epoch seconds", float64(1714557600), time.Unix(1714557600, 0).UTC(), false},
		{"epoch millis", float64(1714557600123), time.UnixMilli(1714557600123).UTC(), false},
		{"numeric string", "1714557600", time.Unix(1714557600, 0).UTC(), false},
		{"negative", float64(-1), time.Time{}, true},
		{"garbage", "soon", time.Time{}, true},
		{"bool", true, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(tt.in, fallback)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}
