package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lookout/bus"
	"lookout/config"
	"lookout/core"
	"lookout/metrics"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MessageSink accepts raw messages for asynchronous processing. done is
// called exactly once with the processing outcome.
type MessageSink interface {
	Submit(ctx context.Context, msg Message, done func(err error)) error
}

// Subscriber pulls anomaly events from a JetStream durable consumer and
// acknowledges each message once its processing outcome is known.
type Subscriber struct {
	js     nats.JetStreamContext
	sub    *nats.Subscription
	cfg    config.BusConfig
	logger *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewSubscriber ensures the events stream and durable consumer exist and
// binds a pull subscription to them.
func NewSubscriber(js nats.JetStreamContext, cfg config.BusConfig, logger *zap.SugaredLogger) (*Subscriber, error) {
	err := bus.EnsureStream(js, bus.StreamSpec{
		Name:       cfg.EventsStream,
		Subjects:   []string{cfg.EventsSubject},
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	}, logger)
	if err != nil {
		return nil, err
	}

	err = bus.EnsureConsumer(js, cfg.EventsStream, &nats.ConsumerConfig{
		Durable:       cfg.Durable,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: cfg.EventsSubject,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}, logger)
	if err != nil {
		return nil, err
	}

	sub, err := js.PullSubscribe(cfg.EventsSubject, cfg.Durable, nats.Bind(cfg.EventsStream, cfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription: %w", err)
	}

	logger.Infow("Subscribed to anomaly events",
		"stream", cfg.EventsStream,
		"subject", cfg.EventsSubject,
		"consumer", cfg.Durable)
	return &Subscriber{js: js, sub: sub, cfg: cfg, logger: logger}, nil
}

// Run fetches batches until ctx is cancelled. It returns after every
// message it handed to sink has been acknowledged or negatively acknowledged.
func (s *Subscriber) Run(ctx context.Context, sink MessageSink) error {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Subscriber stopping")
			return nil
		default:
		}

		msgs, err := s.sub.Fetch(s.cfg.BatchSize, nats.MaxWait(s.cfg.FetchTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) || !s.sub.IsValid() {
				return fmt.Errorf("%w: %v", core.ErrBusUnavailable, err)
			}
			s.logger.Warnw("Failed to fetch messages", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			s.dispatch(ctx, sink, m)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, sink MessageSink, m *nats.Msg) {
	received := time.Now().UTC()
	if meta, err := m.Metadata(); err == nil {
		received = meta.Timestamp.UTC()
	}
	msg := Message{
		Data:        m.Data,
		ContentType: m.Header.Get(HeaderContentType),
		Source:      SourceBus,
		Subject:     m.Subject,
		ReceivedAt:  received,
	}

	s.wg.Add(1)
	done := func(err error) {
		defer s.wg.Done()
		s.settle(m, err)
	}
	if err := sink.Submit(ctx, msg, done); err != nil {
		done(err)
	}
}

// settle acks handled messages, including malformed ones that were
// dead-lettered, and naks everything else for redelivery.
func (s *Subscriber) settle(m *nats.Msg, err error) {
	if err == nil || errors.Is(err, core.ErrMalformedEvent) {
		if ackErr := m.Ack(); ackErr != nil {
			s.logger.Warnw("Failed to ack message", "subject", m.Subject, "error", ackErr)
		}
		metrics.BusMessages.WithLabelValues("ack").Inc()
		return
	}

	if !errors.Is(err, core.ErrShuttingDown) && !errors.Is(err, context.Canceled) {
		s.logger.Warnw("Message processing failed, requesting redelivery",
			"subject", m.Subject,
			"error", err)
	}
	if nakErr := m.Nak(); nakErr != nil {
		s.logger.Warnw("Failed to nak message", "subject", m.Subject, "error", nakErr)
	}
	metrics.BusMessages.WithLabelValues("nak").Inc()
}

// Close drains the pull subscription.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
