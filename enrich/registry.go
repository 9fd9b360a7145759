package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"lookout/config"
	"lookout/core"
	"lookout/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ErrRegistryMiss is returned when the registry has no record for a hostname.
var ErrRegistryMiss = errors.New("device not found in registry")

// maxRegistryResponse bounds the body read from the registry.
const maxRegistryResponse = 1 << 20

// DeviceRecord is the registry's view of one host.
type DeviceRecord struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	ShipID   string `json:"ship_id" yaml:"ship_id"`
	DeviceID string `json:"device_id" yaml:"device_id"`
	Service  string `json:"service" yaml:"service"`
}

// Field returns the record's value for an identity field name.
func (d DeviceRecord) Field(field string) string {
	switch field {
	case core.FieldShipID:
		return d.ShipID
	case core.FieldDeviceID:
		return d.DeviceID
	case core.FieldService:
		return d.Service
	default:
		return ""
	}
}

// Registry looks up device metadata by hostname.
type Registry interface {
	Lookup(ctx context.Context, hostname string) (DeviceRecord, error)
}

func normalizeHostname(hostname string) string {
	return strings.ToLower(strings.TrimSpace(hostname))
}

// HTTPRegistry queries a device registry over HTTP at GET {base}/devices/{hostname}.
type HTTPRegistry struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewHTTPRegistry creates a registry client from configuration.
func NewHTTPRegistry(cfg config.RegistryConfig, logger *zap.SugaredLogger) (*HTTPRegistry, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("registry url is required")
	}
	breaker, err := core.NewCircuitBreaker(core.CircuitBreakerConfig{
		Name:                "registry",
		MaxFailures:         cfg.BreakerFailures,
		Timeout:             cfg.BreakerCooldown,
		MaxHalfOpenRequests: cfg.BreakerHalfOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry circuit breaker: %w", err)
	}

	r := &HTTPRegistry{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.APIToken,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return r, nil
}

// Breaker exposes the circuit breaker guarding the registry.
func (r *HTTPRegistry) Breaker() *core.CircuitBreaker { return r.breaker }

// Lookup fetches the record for hostname. A 404 is ErrRegistryMiss; any
// other failure is returned as an error and counts against the breaker.
func (r *HTTPRegistry) Lookup(ctx context.Context, hostname string) (DeviceRecord, error) {
	start := time.Now()
	var record DeviceRecord

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			observeLookup(start, "rate_limited")
			return record, fmt.Errorf("registry rate limit: %w", err)
		}
	}

	err := r.breaker.Execute(func() error {
		var err error
		record, err = r.fetch(ctx, hostname)
		return err
	}, func(err error) bool {
		return !errors.Is(err, ErrRegistryMiss)
	})

	switch {
	case err == nil:
		observeLookup(start, "hit")
	case errors.Is(err, ErrRegistryMiss):
		observeLookup(start, "miss")
	case errors.Is(err, core.ErrCircuitBreakerOpen), errors.Is(err, core.ErrTooManyRequests):
		observeLookup(start, "circuit_open")
	case errors.Is(err, context.DeadlineExceeded):
		observeLookup(start, "timeout")
	default:
		observeLookup(start, "error")
	}
	return record, err
}

func (r *HTTPRegistry) fetch(ctx context.Context, hostname string) (DeviceRecord, error) {
	var record DeviceRecord
	endpoint := r.baseURL + "/devices/" + url.PathEscape(normalizeHostname(hostname))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return record, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return record, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRegistryResponse))
		return record, ErrRegistryMiss
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRegistryResponse))
		return record, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRegistryResponse)).Decode(&record); err != nil {
		return record, fmt.Errorf("failed to decode registry response: %w", err)
	}
	return record, nil
}

func observeLookup(start time.Time, result string) {
	metrics.RegistryLookupDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// StaticRegistry serves records from an in-memory table.
type StaticRegistry struct {
	records map[string]DeviceRecord
}

// NewStaticRegistry indexes records by hostname, case-insensitively.
func NewStaticRegistry(records []DeviceRecord) *StaticRegistry {
	m := make(map[string]DeviceRecord, len(records))
	for _, rec := range records {
		m[normalizeHostname(rec.Hostname)] = rec
	}
	return &StaticRegistry{records: m}
}

type staticRegistryFile struct {
	Devices []DeviceRecord `yaml:"devices"`
}

// LoadStaticRegistry reads a YAML (or JSON) file with a top-level devices list.
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read static devices file: %w", err)
	}
	var file staticRegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse static devices file %s: %w", path, err)
	}
	return NewStaticRegistry(file.Devices), nil
}

// Lookup returns the record for hostname or ErrRegistryMiss.
func (s *StaticRegistry) Lookup(_ context.Context, hostname string) (DeviceRecord, error) {
	rec, ok := s.records[normalizeHostname(hostname)]
	if !ok {
		return DeviceRecord{}, ErrRegistryMiss
	}
	return rec, nil
}

// Len returns the number of records.
func (s *StaticRegistry) Len() int { return len(s.records) }
