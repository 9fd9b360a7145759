package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"lookout/config"
	"lookout/core"
	"lookout/correlate"
	"lookout/emit"
	"lookout/enrich"
	"lookout/ingest"
	"lookout/pipeline"
	"lookout/severity"
	"lookout/storage"
	"lookout/suppress"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// App is the running lookout service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Backends
	Redis      *core.RedisCache
	NATS       *nats.Conn
	JetStream  nats.JetStreamContext
	DeadLetter *DeadLetter
	Store      correlate.Store
	Retention  *storage.RetentionManager

	// Processing
	Emitter    *emit.Emitter
	Pipeline   *pipeline.Pipeline
	Subscriber *ingest.Subscriber
	Server     *Server

	// Lifecycle
	serviceWg sync.WaitGroup
	cancelRun context.CancelFunc
	fatal     chan error
}

// NewApp loads configuration from configPath and initializes every component.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	secrets, err := config.NewSecretManager(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret manager: %w", err)
	}
	if err := config.ResolveSecrets(cfg, secrets); err != nil {
		return nil, err
	}

	return NewAppWithConfig(ctx, cfg, logger, sugar)
}

// NewAppWithConfig initializes every component from an already loaded config.
// On error, anything opened so far is closed.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, sugar *zap.SugaredLogger) (app *App, err error) {
	app = &App{Config: cfg, Logger: logger, Sugar: sugar}
	defer func() {
		if err != nil {
			app.closeBackends()
		}
	}()

	sugar.Infow("Lookout starting",
		"bus_enabled", cfg.Bus.Enabled,
		"http_enabled", cfg.HTTP.Enabled,
		"correlation_backend", cfg.Correlation.Backend,
		"suppression_backend", cfg.Suppression.Backend,
		"dlq_backend", cfg.DLQ.Backend)

	if NeedsRedis(cfg) {
		if app.Redis, err = InitRedis(ctx, cfg, sugar); err != nil {
			return app, err
		}
	}

	if cfg.Bus.Enabled {
		if app.NATS, app.JetStream, err = InitBus(cfg, sugar); err != nil {
			return app, err
		}
	}

	if app.DeadLetter, err = InitDeadLetter(cfg, app.JetStream, sugar); err != nil {
		return app, err
	}

	registry, err := InitRegistry(cfg, sugar)
	if err != nil {
		return app, err
	}
	if app.Store, err = InitCorrelationStore(cfg, app.Redis, sugar); err != nil {
		return app, err
	}
	suppressor, err := InitSuppression(cfg, app.Redis, sugar)
	if err != nil {
		return app, err
	}
	publisher, err := InitPublisher(cfg, app.JetStream, sugar)
	if err != nil {
		return app, err
	}
	app.Emitter = emit.NewEmitter(publisher, cfg.Emit.PublishTimeout, cfg.Emit.DefaultIncidentType, sugar)

	stages, err := BuildStages(cfg, app.DeadLetter.Sink, registry, app.Store, suppressor, app.Emitter, sugar)
	if err != nil {
		return app, err
	}
	app.Pipeline = pipeline.New(stages, PipelineOptions(cfg), nil, sugar)

	app.Server = NewServer(cfg.HTTP, sugar)
	if app.Redis != nil {
		app.Server.AddCheckFunc("redis", app.Redis.Ping)
	}
	if app.NATS != nil {
		nc := app.NATS
		app.Server.AddCheckFunc("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("%w: %s", core.ErrBusUnavailable, nc.Status())
			}
			return nil
		})
	}
	if app.DeadLetter.SQLite != nil {
		app.Server.AddCheckFunc("sqlite", app.DeadLetter.SQLite.DB.PingContext)
		app.Server.RegisterDLQ(app.DeadLetter.Store, app.Pipeline)
		if cfg.DLQ.Retention > 0 {
			app.Retention = storage.NewRetentionManager(cfg.DLQ.RetentionInterval, sugar, storage.RetentionPolicy{
				Name:   "dead_letters",
				Purger: app.DeadLetter.Store,
				MaxAge: cfg.DLQ.Retention,
			})
		}
	}
	if cfg.HTTP.Enabled {
		intake := ingest.NewHTTPIntake(app.Pipeline, cfg.HTTP.MaxBodyBytes, cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, cfg.Pipeline.ProcessTimeout, sugar)
		app.Server.RegisterIntake(intake)
	}

	return app, nil
}

// BuildStages constructs the processing stages shared by the service and
// the replay command.
func BuildStages(cfg *config.Config, dlq ingest.DeadLetterSink, registry enrich.Registry, store correlate.Store,
	suppressor *suppress.Engine, emitter *emit.Emitter, sugar *zap.SugaredLogger) (pipeline.Stages, error) {
	adapter, err := ingest.NewAdapter(dlq, sugar)
	if err != nil {
		return pipeline.Stages{}, err
	}
	resolver, err := enrich.NewResolver(registry, cfg.Enrichment.SentinelPattern, cfg.Enrichment.RegexTimeout, cfg.Registry.Timeout, sugar)
	if err != nil {
		return pipeline.Stages{}, err
	}
	scale, err := severity.NewScale(cfg.Severity.Levels, cfg.Severity.Aliases, cfg.Severity.Baseline)
	if err != nil {
		return pipeline.Stages{}, fmt.Errorf("invalid severity scale: %w", err)
	}

	return pipeline.Stages{
		Adapter:    adapter,
		Resolver:   resolver,
		Scale:      scale,
		Matcher:    correlate.NewMatcher(store, cfg.Correlation.TTL, cfg.Correlation.LockWait, scale, sugar),
		Suppressor: suppressor,
		Emitter:    emitter,
		Builder:    emit.NewBuilder(cfg.Emit.IncidentTypes, cfg.Emit.DefaultIncidentType),
	}, nil
}

// PipelineOptions maps configuration onto pipeline options.
func PipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		Partitions:     cfg.Pipeline.Partitions,
		QueueSize:      cfg.Pipeline.QueueSize,
		InFlight:       cfg.Pipeline.InFlight,
		EnrichWorkers:  cfg.Enrichment.EnrichWorkers,
		ProcessTimeout: cfg.Pipeline.ProcessTimeout,
		PublishUpdates: cfg.Emit.PublishUpdates,
	}
}

// Start starts the pipeline, the bus subscriber and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pipeline.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel
	a.fatal = make(chan error, 1)

	if a.Retention != nil {
		a.Retention.Start()
	}

	if a.JetStream != nil {
		sub, err := ingest.NewSubscriber(a.JetStream, a.Config.Bus, a.Sugar)
		if err != nil {
			return fmt.Errorf("failed to subscribe to anomaly events: %w", err)
		}
		a.Subscriber = sub

		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.Sugar.Errorw("Subscriber panicked", "panic", r)
				}
			}()
			if err := sub.Run(runCtx, a.Pipeline); err != nil {
				a.Sugar.Errorw("Subscriber stopped", "error", err)
				select {
				case a.fatal <- err:
				default:
				}
			}
		}()
	}

	ln, err := a.Server.Listen()
	if err != nil {
		return err
	}
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Sugar.Infow("HTTP server started", "addr", ln.Addr().String())
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("HTTP server error", "error", err)
		}
	}()

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or the bus
// subscriber fails. The subscriber error is returned; a signal returns nil.
func (a *App) WaitForShutdown() error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Received shutdown signal", "signal", sig.String())
		return nil
	case err := <-a.fatal:
		return err
	}
}

// Shutdown stops intake, drains in-flight events and closes backends.
// Events not finished within the grace period are handed back to the bus.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")
	grace := a.Config.HTTP.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	// Phase 1 - Stop intake
	a.Sugar.Info("Phase 1: Stopping intake...")
	if a.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop HTTP server", "error", err)
		}
		cancel()
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}

	// Phase 2 - Drain the pipeline
	a.Sugar.Info("Phase 2: Draining pipeline...")
	if a.Pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		a.Pipeline.Stop(ctx)
		cancel()
	}

	// Phase 3 - Wait for service goroutines
	a.Sugar.Info("Phase 3: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped")
	case <-time.After(grace + 5*time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}
	if a.Retention != nil {
		a.Retention.Stop()
	}

	// Phase 4 - Close backends
	a.Sugar.Info("Phase 4: Closing backends...")
	a.closeBackends()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) closeBackends() {
	if a.Subscriber != nil {
		if err := a.Subscriber.Close(); err != nil {
			a.Sugar.Warnw("Failed to close subscriber", "error", err)
		}
	}
	if a.Emitter != nil {
		_ = a.Emitter.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			a.NATS.Close()
		}
	}
	if err := a.DeadLetter.Close(); err != nil {
		a.Sugar.Errorw("Failed to close SQLite database", "error", err)
	}
}
