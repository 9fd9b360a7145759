// Package enrich resolves the ship/device/service identity of anomaly events.
//
// Each identity field is taken from the first level that yields a usable
// value: the event's top-level field, the same key in its metadata map, a
// device registry lookup by hostname, and finally a deterministic
// placeholder. A value is usable when it is non-blank and does not match the
// configured unknown-sentinel pattern.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lookout/core"
	"lookout/metrics"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// Degradation reasons.
const (
	ReasonNoHostname         = "no_hostname"
	ReasonNoRegistry         = "no_registry"
	ReasonRegistryMiss       = "registry_miss"
	ReasonRegistryTimeout    = "registry_timeout"
	ReasonRegistryError      = "registry_error"
	ReasonCircuitOpen        = "circuit_open"
	ReasonRegistryIncomplete = "registry_incomplete"
)

// PlaceholderPrefix starts every placeholder identity value.
const PlaceholderPrefix = "unknown-"

var identityFields = []string{core.FieldShipID, core.FieldDeviceID, core.FieldService}

// Resolver performs identity resolution. It is safe for concurrent use.
type Resolver struct {
	registry      Registry
	sentinel      *regexp2.Regexp
	lookupTimeout time.Duration
	logger        *zap.SugaredLogger
}

// NewResolver compiles the sentinel pattern. registry may be nil, in which
// case unresolved fields go straight to placeholders.
func NewResolver(registry Registry, sentinelPattern string, matchTimeout, lookupTimeout time.Duration, logger *zap.SugaredLogger) (*Resolver, error) {
	re, err := regexp2.Compile(sentinelPattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("invalid sentinel pattern: %w", err)
	}
	if matchTimeout > 0 {
		re.MatchTimeout = matchTimeout
	}
	return &Resolver{
		registry:      registry,
		sentinel:      re,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}, nil
}

// Usable reports whether v is a real identity value.
func (r *Resolver) Usable(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	matched, err := r.sentinel.MatchString(v)
	if err != nil {
		// Match timed out; keep the producer's value.
		r.logger.Debugw("Sentinel match failed", "value", v, "error", err)
		return true
	}
	return !matched
}

// Resolve fills every identity field of ev. Registry problems are reported
// through Degraded and DegradedReason. The only error is cancellation of ctx
// during the registry lookup; the event then has no trustworthy identity and
// must be retried rather than degraded.
func (r *Resolver) Resolve(ctx context.Context, ev *core.AnomalyEvent) (core.Resolution, error) {
	values := make(map[string]string, len(identityFields))
	sources := make(map[string]core.SourceTag, len(identityFields))

	var unresolved []string
	for _, field := range identityFields {
		switch {
		case r.Usable(ev.TopLevel(field)):
			values[field] = strings.TrimSpace(ev.TopLevel(field))
			sources[field] = core.SourceTopLevel
		case r.Usable(ev.MetadataValue(field)):
			values[field] = strings.TrimSpace(ev.MetadataValue(field))
			sources[field] = core.SourceMetadata
		default:
			unresolved = append(unresolved, field)
		}
	}

	hostname := r.hostname(ev)
	reason := ""
	if len(unresolved) > 0 {
		switch {
		case hostname == "":
			reason = ReasonNoHostname
		case r.registry == nil:
			reason = ReasonNoRegistry
		default:
			rec, err := r.lookup(ctx, hostname)
			if err != nil && errors.Is(ctx.Err(), context.Canceled) {
				return core.Resolution{}, fmt.Errorf("registry lookup for %s interrupted: %w", hostname, ctx.Err())
			}
			if err != nil {
				reason = registryFailureReason(err)
				if reason != ReasonRegistryMiss {
					r.logger.Warnw("Device registry lookup failed",
						"hostname", hostname,
						"tracking_id", ev.TrackingID,
						"error", err)
				}
				break
			}
			remaining := unresolved[:0]
			for _, field := range unresolved {
				if v := rec.Field(field); r.Usable(v) {
					values[field] = strings.TrimSpace(v)
					sources[field] = core.SourceRegistry
					continue
				}
				remaining = append(remaining, field)
			}
			unresolved = remaining
			if len(unresolved) > 0 {
				reason = ReasonRegistryIncomplete
			}
		}
	}

	for _, field := range unresolved {
		values[field] = placeholder(hostname, field)
		sources[field] = core.SourcePlaceholder
	}

	res := core.Resolution{
		Identity: core.Identity{
			ShipID:   values[core.FieldShipID],
			DeviceID: values[core.FieldDeviceID],
			Service:  values[core.FieldService],
		},
		SourceTag:    sources[core.FieldShipID],
		FieldSources: sources,
	}
	if reason != "" {
		res.Degraded = true
		res.DegradedReason = reason
		metrics.EnrichmentDegraded.WithLabelValues(reason).Inc()
	}
	for field, level := range sources {
		metrics.EnrichmentSource.WithLabelValues(field, string(level)).Inc()
	}
	return res, nil
}

func (r *Resolver) hostname(ev *core.AnomalyEvent) string {
	if r.Usable(ev.Hostname) {
		return strings.TrimSpace(ev.Hostname)
	}
	if h := ev.MetadataValue(core.FieldHostname); r.Usable(h) {
		return strings.TrimSpace(h)
	}
	return ""
}

func (r *Resolver) lookup(ctx context.Context, hostname string) (DeviceRecord, error) {
	if r.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lookupTimeout)
		defer cancel()
	}

	type result struct {
		rec DeviceRecord
		err error
	}
	// The registry may ignore ctx; the resolver still returns on time.
	done := make(chan result, 1)
	go func() {
		rec, err := r.registry.Lookup(ctx, hostname)
		done <- result{rec, err}
	}()

	select {
	case res := <-done:
		return res.rec, res.err
	case <-ctx.Done():
		return DeviceRecord{}, fmt.Errorf("%w: %w", core.ErrEnrichmentDegraded, ctx.Err())
	}
}

func registryFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrRegistryMiss):
		return ReasonRegistryMiss
	case errors.Is(err, core.ErrCircuitBreakerOpen), errors.Is(err, core.ErrTooManyRequests):
		return ReasonCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonRegistryTimeout
	default:
		return ReasonRegistryError
	}
}

func placeholder(hostname, field string) string {
	if hostname != "" {
		return PlaceholderPrefix + hostname
	}
	return PlaceholderPrefix + field
}
