package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"lookout/bus"
	"lookout/config"
	"lookout/core"
	"lookout/correlate"
	"lookout/emit"
	"lookout/enrich"
	"lookout/ingest"
	"lookout/storage"
	"lookout/suppress"
	"lookout/util"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func fatalBanner(title, msg string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", util.Redact(msg))
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}

// NeedsRedis reports whether any backend is configured to use Redis.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Correlation.Backend == config.BackendRedis || cfg.Suppression.Backend == config.BackendRedis
}

// InitRedis connects to Redis and verifies it answers.
func InitRedis(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.RedisCache, error) {
	cache := core.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		_ = cache.Close()
		fatalBanner("Redis Connection Failed", ClassifyConnectionError(err, "Redis", cfg.Redis.Addr))
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	sugar.Infow("Redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return cache, nil
}

// InitBus connects to NATS and returns a JetStream context.
func InitBus(cfg *config.Config, sugar *zap.SugaredLogger) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := bus.Connect(cfg.Bus, sugar)
	if err != nil {
		fatalBanner("NATS Connection Failed", ClassifyConnectionError(err, "NATS", cfg.Bus.URL))
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// DeadLetter holds the configured dead-letter sink and, for the SQLite
// backend, the queryable store behind it.
type DeadLetter struct {
	Sink   ingest.DeadLetterSink
	SQLite *storage.SQLite
	Store  *ingest.SQLiteDLQ
}

// InitSQLite opens the dead-letter database.
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		fatalBanner("SQLite Initialization Failed", ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	return sqlite, nil
}

// InitDeadLetter builds the dead-letter sink. The NATS backend requires js.
func InitDeadLetter(cfg *config.Config, js nats.JetStreamContext, sugar *zap.SugaredLogger) (*DeadLetter, error) {
	switch cfg.DLQ.Backend {
	case config.DLQBackendNATS:
		if js == nil {
			return nil, fmt.Errorf("dlq backend %q requires the bus to be enabled", cfg.DLQ.Backend)
		}
		sink, err := ingest.NewBusDLQ(js, cfg.DLQ.Subject, sugar)
		if err != nil {
			return nil, err
		}
		sugar.Infow("Dead letters published to bus", "subject", cfg.DLQ.Subject)
		return &DeadLetter{Sink: sink}, nil
	default:
		sqlite, err := InitSQLite(cfg.DLQ.SQLitePath, sugar)
		if err != nil {
			return nil, err
		}
		store := ingest.NewSQLiteDLQ(sqlite.DB, sugar)
		sugar.Infow("Dead letters stored in SQLite", "path", cfg.DLQ.SQLitePath)
		return &DeadLetter{Sink: store, SQLite: sqlite, Store: store}, nil
	}
}

// Close releases the dead-letter database, if any.
func (d *DeadLetter) Close() error {
	if d == nil || d.SQLite == nil {
		return nil
	}
	return d.SQLite.Close()
}

// InitRegistry builds the device registry client. The HTTP registry is
// preferred when a URL is configured; otherwise a static device file is
// used. With neither, nil is returned and unresolved identity goes straight
// to placeholders.
func InitRegistry(cfg *config.Config, sugar *zap.SugaredLogger) (enrich.Registry, error) {
	rc := cfg.Registry
	var inner enrich.Registry
	switch {
	case rc.URL != "":
		r, err := enrich.NewHTTPRegistry(rc, sugar)
		if err != nil {
			return nil, err
		}
		sugar.Infow("Device registry configured", "url", rc.URL, "timeout", rc.Timeout)
		inner = r
	case rc.StaticDevicesFile != "":
		r, err := enrich.LoadStaticRegistry(rc.StaticDevicesFile)
		if err != nil {
			return nil, err
		}
		sugar.Infow("Static device registry loaded", "file", rc.StaticDevicesFile, "devices", r.Len())
		inner = r
	default:
		sugar.Warn("No device registry configured; unresolved identity uses placeholders")
		return nil, nil
	}

	if rc.CacheSize > 0 {
		return enrich.NewCachedRegistry(inner, rc.CacheSize, rc.CacheTTL, rc.NegativeCacheTTL), nil
	}
	return inner, nil
}

// InitCorrelationStore builds the correlation cache backend.
func InitCorrelationStore(cfg *config.Config, redis *core.RedisCache, sugar *zap.SugaredLogger) (correlate.Store, error) {
	cc := cfg.Correlation
	if cc.Backend == config.BackendRedis {
		sugar.Infow("Correlation cache on Redis", "prefix", cc.KeyPrefix, "ttl", cc.TTL)
		return correlate.NewRedisStore(redis, cc.KeyPrefix, cc.LockTTL, sugar), nil
	}
	sugar.Infow("Correlation cache in memory", "max_entries", cc.MaxEntries, "ttl", cc.TTL)
	return correlate.NewMemoryStore(cc.MaxEntries, cc.TTL, sugar)
}

// InitSuppression builds the suppression engine.
func InitSuppression(cfg *config.Config, redis *core.RedisCache, sugar *zap.SugaredLogger) (*suppress.Engine, error) {
	sc := cfg.Suppression
	var store suppress.Store
	if sc.Backend == config.BackendRedis {
		store = suppress.NewRedisStore(redis, sc.KeyPrefix)
	} else {
		mem, err := suppress.NewMemoryStore(sc.Capacity)
		if err != nil {
			return nil, err
		}
		store = mem
	}
	sugar.Infow("Suppression configured", "backend", sc.Backend, "window", sc.Window)
	return suppress.NewEngine(store, sc.Window, sugar)
}

// InitPublisher builds the incident publisher. Without a bus incidents are
// only logged.
func InitPublisher(cfg *config.Config, js nats.JetStreamContext, sugar *zap.SugaredLogger) (emit.Publisher, error) {
	if js == nil {
		sugar.Warn("Bus disabled; incidents are written to the log only")
		return emit.NewLogPublisher(sugar), nil
	}
	return emit.NewNATSPublisher(js, cfg.Bus.IncidentsStream, cfg.Emit.CreatedSubject, cfg.Emit.UpdatedSubject, sugar)
}
