// Package bus manages the NATS JetStream connection shared by event intake,
// incident publication and the bus dead-letter sink.
package bus

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"lookout/config"
	"lookout/util"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect dials NATS with reconnect handling and returns the connection.
func Connect(cfg config.BusConfig, logger *zap.SugaredLogger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Errorw("NATS error", "error", err)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", util.Redact(cfg.URL), err)
	}
	logger.Infow("Connected to NATS", "url", util.Redact(cfg.URL))
	return nc, nil
}

// StreamSpec describes a stream lookout depends on.
type StreamSpec struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	// Duplicates is the Nats-Msg-Id deduplication window.
	Duplicates time.Duration
}

// EnsureStream creates the stream if missing and widens its subjects if they
// differ.
func EnsureStream(js nats.JetStreamContext, spec StreamSpec, logger *zap.SugaredLogger) error {
	cfg := &nats.StreamConfig{
		Name:       spec.Name,
		Subjects:   spec.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     spec.MaxAge,
		Duplicates: spec.Duplicates,
		Replicas:   1,
	}

	info, err := js.StreamInfo(spec.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", spec.Name, err)
		}
		logger.Infow("Created JetStream stream", "stream", spec.Name, "subjects", spec.Subjects)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info for %s: %w", spec.Name, err)
	}

	if !sameSubjects(info.Config.Subjects, spec.Subjects) {
		updated := info.Config
		updated.Subjects = spec.Subjects
		if _, err := js.UpdateStream(&updated); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", spec.Name, err)
		}
		logger.Infow("Updated JetStream stream subjects", "stream", spec.Name, "subjects", spec.Subjects)
	}
	return nil
}

// EnsureConsumer creates the durable pull consumer if missing.
func EnsureConsumer(js nats.JetStreamContext, stream string, cc *nats.ConsumerConfig, logger *zap.SugaredLogger) error {
	_, err := js.ConsumerInfo(stream, cc.Durable)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		if _, err := js.AddConsumer(stream, cc); err != nil {
			return fmt.Errorf("failed to create consumer %s: %w", cc.Durable, err)
		}
		logger.Infow("Created JetStream consumer", "stream", stream, "consumer", cc.Durable)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get consumer info for %s: %w", cc.Durable, err)
	}
	return nil
}

func sameSubjects(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
