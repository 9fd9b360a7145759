package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lookout/bus/bustest"
	"lookout/config"
	"lookout/core"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedSink completes each message with the error returned by outcome.
type scriptedSink struct {
	mu      sync.Mutex
	seen    map[string]int
	outcome func(data string, attempt int) error
}

func (s *scriptedSink) Submit(_ context.Context, msg Message, done func(error)) error {
	s.mu.Lock()
	s.seen[string(msg.Data)]++
	attempt := s.seen[string(msg.Data)]
	s.mu.Unlock()
	go done(s.outcome(string(msg.Data), attempt))
	return nil
}

func (s *scriptedSink) count(data string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[data]
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		EventsStream:  "ANOMALIES",
		EventsSubject: "events.anomaly.>",
		Durable:       "lookout-test",
		BatchSize:     10,
		FetchTimeout:  200 * time.Millisecond,
		AckWait:       5 * time.Second,
		MaxDeliver:    5,
	}
}

func TestSubscriber_AckAndRedelivery(t *testing.T) {
	_, js := bustest.Connect(t)
	logger := zaptest.NewLogger(t).Sugar()

	sub, err := NewSubscriber(js, testBusConfig(), logger)
	require.NoError(t, err)
	defer sub.Close()

	sink := &scriptedSink{
		seen: map[string]int{},
		outcome: func(data string, attempt int) error {
			switch data {
			case "bad":
				return core.NewMalformedEvent(core.ReasonDecodeFailure, errors.New("boom"))
			case "flaky":
				if attempt == 1 {
					return core.ErrBusUnavailable
				}
			}
			return nil
		},
	}

	for _, payload := range []string{"ok", "bad", "flaky"} {
		_, err := js.Publish("events.anomaly.test", []byte(payload))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sub.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.count("flaky") >= 2 }, 5*time.Second, 20*time.Millisecond)

	// Give acks a moment to land before inspecting the consumer.
	require.Eventually(t, func() bool {
		info, err := js.ConsumerInfo("ANOMALIES", "lookout-test")
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	assert.Equal(t, 1, sink.count("ok"))
	assert.Equal(t, 1, sink.count("bad"), "malformed messages are acked, not redelivered")
	assert.Equal(t, 2, sink.count("flaky"))
}

func TestSubscriber_ContentTypeHeader(t *testing.T) {
	_, js := bustest.Connect(t)
	sub, err := NewSubscriber(js, testBusConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan Message, 1)
	sink := sinkFunc(func(_ context.Context, msg Message, done func(error)) error {
		got <- msg
		done(nil)
		return nil
	})

	msg := nats.NewMsg("events.anomaly.metric")
	msg.Data = []byte{0x80}
	msg.Header.Set(HeaderContentType, ContentTypeMsgpack)
	_, err = js.PublishMsg(msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx, sink) }()

	select {
	case m := <-got:
		assert.Equal(t, ContentTypeMsgpack, m.ContentType)
		assert.Equal(t, SourceBus, m.Source)
		assert.Equal(t, "events.anomaly.metric", m.Subject)
		assert.False(t, m.ReceivedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBusDLQ_Add(t *testing.T) {
	_, js := bustest.Connect(t)
	logger := zaptest.NewLogger(t).Sugar()

	dlq, err := NewBusDLQ(js, "events.deadletter", logger)
	require.NoError(t, err)

	sub, err := js.SubscribeSync("events.deadletter", nats.DeliverAll())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, dlq.Add(context.Background(), &FailedEvent{
		Source:       SourceHTTP,
		ContentType:  ContentTypeJSON,
		RawEvent:     []byte(`{"broken"`),
		ErrorReason:  core.ReasonDecodeFailure,
		ErrorDetails: "unexpected end of JSON input",
	}))

	m, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"broken"`), m.Data)
	assert.Equal(t, core.ReasonDecodeFailure, m.Header.Get(HeaderErrorReason))
	assert.Equal(t, SourceHTTP, m.Header.Get(HeaderSource))
	assert.Equal(t, ContentTypeJSON, m.Header.Get(HeaderContentType))
}

type sinkFunc func(ctx context.Context, msg Message, done func(error)) error

func (f sinkFunc) Submit(ctx context.Context, msg Message, done func(error)) error {
	return f(ctx, msg, done)
}
