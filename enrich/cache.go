package enrich

import (
	"context"
	"errors"
	"time"

	"lookout/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedRegistry caches hits and misses of another registry. Errors other
// than misses are not cached.
type CachedRegistry struct {
	inner    Registry
	hits     *expirable.LRU[string, DeviceRecord]
	negative *expirable.LRU[string, struct{}]
}

// NewCachedRegistry wraps inner. A zero negativeTTL disables miss caching.
func NewCachedRegistry(inner Registry, size int, ttl, negativeTTL time.Duration) *CachedRegistry {
	if size < 1 {
		size = 1
	}
	c := &CachedRegistry{
		inner: inner,
		hits:  expirable.NewLRU[string, DeviceRecord](size, nil, ttl),
	}
	if negativeTTL > 0 {
		c.negative = expirable.NewLRU[string, struct{}](size, nil, negativeTTL)
	}
	return c
}

// Lookup serves from cache or delegates to the wrapped registry.
func (c *CachedRegistry) Lookup(ctx context.Context, hostname string) (DeviceRecord, error) {
	key := normalizeHostname(hostname)

	if rec, ok := c.hits.Get(key); ok {
		metrics.RegistryCacheResults.WithLabelValues("hit").Inc()
		return rec, nil
	}
	if c.negative != nil {
		if _, ok := c.negative.Get(key); ok {
			metrics.RegistryCacheResults.WithLabelValues("negative_hit").Inc()
			return DeviceRecord{}, ErrRegistryMiss
		}
	}
	metrics.RegistryCacheResults.WithLabelValues("miss").Inc()

	rec, err := c.inner.Lookup(ctx, hostname)
	switch {
	case err == nil:
		c.hits.Add(key, rec)
	case errors.Is(err, ErrRegistryMiss) && c.negative != nil:
		c.negative.Add(key, struct{}{})
	}
	return rec, err
}

// Purge drops every cached entry.
func (c *CachedRegistry) Purge() {
	c.hits.Purge()
	if c.negative != nil {
		c.negative.Purge()
	}
}
