// Package config loads lookout configuration from file, environment and
// secret backends.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Backend names shared by the correlation and suppression stores.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DLQ backends
const (
	DLQBackendSQLite = "sqlite"
	DLQBackendNATS   = "nats"
)

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
}

// BusConfig configures the NATS JetStream connection used for intake,
// incident publication and the bus dead-letter sink.
type BusConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	URL             string        `mapstructure:"url" yaml:"url"`
	Name            string        `mapstructure:"name" yaml:"name"`
	Token           string        `mapstructure:"token" yaml:"-"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects   int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	EventsStream    string        `mapstructure:"events_stream" yaml:"events_stream" validate:"required"`
	EventsSubject   string        `mapstructure:"events_subject" yaml:"events_subject" validate:"required"`
	Durable         string        `mapstructure:"durable" yaml:"durable" validate:"required"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=1,lte=1000"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	AckWait         time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxDeliver      int           `mapstructure:"max_deliver" yaml:"max_deliver"`
	IncidentsStream string        `mapstructure:"incidents_stream" yaml:"incidents_stream" validate:"required"`
}

// HTTPConfig configures the ops server and HTTP event intake.
type HTTPConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr          string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=1024"`
	RateLimit     float64       `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst     int           `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// RegistryConfig configures the device registry client.
type RegistryConfig struct {
	// URL of the registry; empty disables registry lookups.
	URL               string        `mapstructure:"url" yaml:"url"`
	APIToken          string        `mapstructure:"api_token" yaml:"-"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit         float64       `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst         int           `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
	CacheSize         int           `mapstructure:"cache_size" yaml:"cache_size" validate:"gte=0"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	NegativeCacheTTL  time.Duration `mapstructure:"negative_cache_ttl" yaml:"negative_cache_ttl"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
	BreakerHalfOpen   uint32        `mapstructure:"breaker_half_open" yaml:"breaker_half_open"`
	StaticDevicesFile string        `mapstructure:"static_devices_file" yaml:"static_devices_file"`
}

// EnrichmentConfig configures identity resolution.
type EnrichmentConfig struct {
	SentinelPattern string        `mapstructure:"sentinel_pattern" yaml:"sentinel_pattern" validate:"required"`
	RegexTimeout    time.Duration `mapstructure:"regex_timeout" yaml:"regex_timeout"`
	EnrichWorkers   int           `mapstructure:"enrich_workers" yaml:"enrich_workers" validate:"gte=1"`
}

// SeverityConfig configures the priority scale.
type SeverityConfig struct {
	Levels   map[string]int    `mapstructure:"levels" yaml:"levels" validate:"required,min=1"`
	Aliases  map[string]string `mapstructure:"aliases" yaml:"aliases"`
	Baseline int               `mapstructure:"baseline" yaml:"baseline"`
}

// CorrelationConfig configures the correlation cache.
type CorrelationConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend" validate:"oneof=memory redis"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries" validate:"gte=1"`
	LockTTL    time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	LockWait   time.Duration `mapstructure:"lock_wait" yaml:"lock_wait"`
	KeyPrefix  string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// SuppressionConfig configures duplicate suppression.
type SuppressionConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend" validate:"oneof=memory redis"`
	Window    time.Duration `mapstructure:"window" yaml:"window"`
	Capacity  int           `mapstructure:"capacity" yaml:"capacity" validate:"gte=1"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=1"`
}

// EmitConfig configures incident publication.
type EmitConfig struct {
	CreatedSubject      string            `mapstructure:"created_subject" yaml:"created_subject" validate:"required"`
	UpdatedSubject      string            `mapstructure:"updated_subject" yaml:"updated_subject" validate:"required"`
	PublishUpdates      bool              `mapstructure:"publish_updates" yaml:"publish_updates"`
	PublishTimeout      time.Duration     `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	DefaultIncidentType string            `mapstructure:"default_incident_type" yaml:"default_incident_type" validate:"required"`
	IncidentTypes       map[string]string `mapstructure:"incident_types" yaml:"incident_types"`
}

// DLQConfig configures the dead-letter sink.
type DLQConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend" validate:"oneof=sqlite nats"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Subject    string `mapstructure:"subject" yaml:"subject"`
	// Retention is how long replayed and discarded sqlite dead letters are
	// kept. Zero keeps them forever.
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval" yaml:"retention_interval"`
}

// PipelineConfig sizes the processing stages.
type PipelineConfig struct {
	Partitions     int           `mapstructure:"partitions" yaml:"partitions" validate:"gte=1,lte=1024"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=1"`
	InFlight       int           `mapstructure:"in_flight" yaml:"in_flight" validate:"gte=1"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout" yaml:"process_timeout"`
}

// Config holds all configuration for lookout.
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Bus         BusConfig         `mapstructure:"bus" yaml:"bus"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment" yaml:"enrichment"`
	Severity    SeverityConfig    `mapstructure:"severity" yaml:"severity"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation"`
	Suppression SuppressionConfig `mapstructure:"suppression" yaml:"suppression"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Emit        EmitConfig        `mapstructure:"emit" yaml:"emit"`
	DLQ         DLQConfig         `mapstructure:"dlq" yaml:"dlq"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Secrets     SecretsConfig     `mapstructure:"secrets" yaml:"secrets"`
}

// DefaultSentinelPattern matches identity values producers use for "unknown".
// LockTTLMargin is the slack correlation.lock_ttl must keep over the longest
// step run under a key lock.
const LockTTLMargin = 5 * time.Second

const DefaultSentinelPattern = `(?i)^\s*(unknown.*|n/?a|none|null|nil|undefined|-+|\?+)\s*$`

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("bus.enabled", true)
	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.name", "lookout")
	v.SetDefault("bus.token", "")
	v.SetDefault("bus.connect_timeout", 5*time.Second)
	v.SetDefault("bus.reconnect_wait", 2*time.Second)
	v.SetDefault("bus.max_reconnects", -1)
	v.SetDefault("bus.events_stream", "ANOMALIES")
	v.SetDefault("bus.events_subject", "events.anomaly.>")
	v.SetDefault("bus.durable", "lookout")
	v.SetDefault("bus.batch_size", 64)
	v.SetDefault("bus.fetch_timeout", 2*time.Second)
	v.SetDefault("bus.ack_wait", 30*time.Second)
	v.SetDefault("bus.max_deliver", 10)
	v.SetDefault("bus.incidents_stream", "INCIDENTS")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8088")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.rate_limit", 500.0)
	v.SetDefault("http.rate_burst", 1000)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_grace", 10*time.Second)

	v.SetDefault("registry.url", "")
	v.SetDefault("registry.api_token", "")
	v.SetDefault("registry.timeout", 500*time.Millisecond)
	v.SetDefault("registry.rate_limit", 200.0)
	v.SetDefault("registry.rate_burst", 50)
	v.SetDefault("registry.cache_size", 10000)
	v.SetDefault("registry.cache_ttl", 10*time.Minute)
	v.SetDefault("registry.negative_cache_ttl", time.Minute)
	v.SetDefault("registry.breaker_failures", 5)
	v.SetDefault("registry.breaker_cooldown", 30*time.Second)
	v.SetDefault("registry.breaker_half_open", 1)
	v.SetDefault("registry.static_devices_file", "")

	v.SetDefault("enrichment.sentinel_pattern", DefaultSentinelPattern)
	v.SetDefault("enrichment.regex_timeout", 50*time.Millisecond)
	v.SetDefault("enrichment.enrich_workers", 16)

	v.SetDefault("severity.levels", map[string]int{"critical": 4, "error": 3, "warning": 2, "info": 1})
	v.SetDefault("severity.aliases", map[string]string{
		"crit": "critical", "fatal": "critical", "err": "error",
		"warn": "warning", "information": "info", "notice": "info",
	})
	v.SetDefault("severity.baseline", 0)

	v.SetDefault("correlation.backend", BackendMemory)
	v.SetDefault("correlation.ttl", 5*time.Minute)
	v.SetDefault("correlation.max_entries", 100000)
	v.SetDefault("correlation.lock_ttl", 30*time.Second)
	v.SetDefault("correlation.lock_wait", 5*time.Second)
	v.SetDefault("correlation.key_prefix", "lookout:corr:")

	v.SetDefault("suppression.backend", BackendMemory)
	v.SetDefault("suppression.window", 5*time.Minute)
	v.SetDefault("suppression.capacity", 100000)
	v.SetDefault("suppression.key_prefix", "lookout:supp:")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("emit.created_subject", "incidents.created")
	v.SetDefault("emit.updated_subject", "incidents.updated")
	v.SetDefault("emit.publish_updates", true)
	v.SetDefault("emit.publish_timeout", 5*time.Second)
	v.SetDefault("emit.default_incident_type", "unclassified_anomaly")
	v.SetDefault("emit.incident_types", map[string]string{})

	v.SetDefault("dlq.backend", DLQBackendSQLite)
	v.SetDefault("dlq.sqlite_path", "./data/lookout.db")
	v.SetDefault("dlq.subject", "events.deadletter")
	v.SetDefault("dlq.retention", 30*24*time.Hour)
	v.SetDefault("dlq.retention_interval", time.Hour)

	v.SetDefault("pipeline.partitions", 32)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.in_flight", 512)
	v.SetDefault("pipeline.process_timeout", 10*time.Second)

	v.SetDefault("secrets.provider", SecretProviderEnv)
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.path", "secret/lookout")
	v.SetDefault("secrets.aws.region", "us-east-1")
	v.SetDefault("secrets.aws.secret_id", "lookout/secrets")
}

// loadFromEnv maps LOOKOUT_SECTION_KEY variables onto section.key.
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("LOOKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("redis.password", "LOOKOUT_REDIS_PASSWORD", "REDIS_PASSWORD")
	_ = v.BindEnv("bus.url", "LOOKOUT_BUS_URL", "NATS_URL")
}

// New returns a viper instance with lookout defaults and environment bindings.
// path may name a config file; empty searches ./lookout.yaml and ./config/lookout.yaml.
func New(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lookout")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	setDefaults(v)
	loadFromEnv(v)
	return v
}

// LoadConfig loads configuration from file and environment variables.
// A missing config file is not an error unless path names it explicitly.
func LoadConfig(path string) (*Config, error) {
	v := New(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Correlation.TTL <= 0 {
		return fmt.Errorf("correlation.ttl must be positive, got %s", cfg.Correlation.TTL)
	}
	if cfg.Suppression.Window <= 0 {
		return fmt.Errorf("suppression.window must be positive, got %s", cfg.Suppression.Window)
	}
	if cfg.Correlation.LockWait <= 0 {
		return fmt.Errorf("correlation.lock_wait must be positive")
	}
	if cfg.Emit.PublishTimeout <= 0 {
		return fmt.Errorf("emit.publish_timeout must be positive")
	}
	if cfg.Pipeline.ProcessTimeout <= 0 {
		return fmt.Errorf("pipeline.process_timeout must be positive")
	}
	// The key lock is held across the publish; it must not expire first.
	if hold := max(cfg.Emit.PublishTimeout, cfg.Pipeline.ProcessTimeout) + LockTTLMargin; cfg.Correlation.LockTTL < hold {
		return fmt.Errorf("correlation.lock_ttl must be at least %s (max of emit.publish_timeout and pipeline.process_timeout plus %s), got %s",
			hold, LockTTLMargin, cfg.Correlation.LockTTL)
	}

	if _, err := regexp.Compile(cfg.Enrichment.SentinelPattern); err != nil {
		return fmt.Errorf("invalid enrichment.sentinel_pattern: %w", err)
	}

	for label, p := range cfg.Severity.Levels {
		if p <= cfg.Severity.Baseline {
			return fmt.Errorf("severity level %q priority %d must be greater than baseline %d", label, p, cfg.Severity.Baseline)
		}
	}

	if cfg.Registry.URL != "" {
		u, err := url.Parse(cfg.Registry.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid registry.url %q: must be an http(s) URL", cfg.Registry.URL)
		}
		if cfg.Registry.Timeout <= 0 {
			return fmt.Errorf("registry.timeout must be positive")
		}
		if cfg.Registry.BreakerFailures == 0 || cfg.Registry.BreakerHalfOpen == 0 || cfg.Registry.BreakerCooldown <= 0 {
			return fmt.Errorf("registry circuit breaker settings must be positive")
		}
	}

	usesRedis := cfg.Correlation.Backend == BackendRedis || cfg.Suppression.Backend == BackendRedis
	if usesRedis && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}

	if cfg.Bus.Enabled && cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when the bus is enabled")
	}
	if cfg.DLQ.Backend == DLQBackendSQLite && cfg.DLQ.SQLitePath == "" {
		return fmt.Errorf("dlq.sqlite_path is required for the sqlite backend")
	}
	if cfg.DLQ.Retention < 0 {
		return fmt.Errorf("dlq.retention must not be negative")
	}
	if cfg.DLQ.Backend == DLQBackendNATS {
		if !cfg.Bus.Enabled {
			return fmt.Errorf("dlq backend nats requires bus.enabled")
		}
		if cfg.DLQ.Subject == "" {
			return fmt.Errorf("dlq.subject is required for the nats backend")
		}
	}

	switch cfg.Secrets.Provider {
	case SecretProviderEnv, SecretProviderVault, SecretProviderAWS:
	default:
		return fmt.Errorf("unsupported secrets.provider %q", cfg.Secrets.Provider)
	}
	return nil
}
