package correlate

import (
	"context"
	"fmt"
	"time"

	"lookout/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lockRetryMin = 5 * time.Millisecond
	lockRetryMax = 100 * time.Millisecond
)

// RedisStore keeps entries in Redis so several replicas share correlation
// state. Key locks are SETNX tokens released by compare-and-delete.
type RedisStore struct {
	cache   *core.RedisCache
	prefix  string
	lockTTL time.Duration
	logger  *zap.SugaredLogger
}

// NewRedisStore creates a store over cache. lockTTL bounds how long a
// crashed holder can block a key.
func NewRedisStore(cache *core.RedisCache, prefix string, lockTTL time.Duration, logger *zap.SugaredLogger) *RedisStore {
	return &RedisStore{cache: cache, prefix: prefix, lockTTL: lockTTL, logger: logger}
}

func (s *RedisStore) entryKey(key core.CorrelationKey) string { return s.prefix + "entry:" + string(key) }
func (s *RedisStore) lockKey(key core.CorrelationKey) string  { return s.prefix + "lock:" + string(key) }

// Lookup returns the entry for key.
func (s *RedisStore) Lookup(ctx context.Context, key core.CorrelationKey) (Entry, bool, error) {
	var entry Entry
	found, err := s.cache.Get(ctx, s.entryKey(key), &entry)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Upsert writes entry with a fresh expiry.
func (s *RedisStore) Upsert(ctx context.Context, key core.CorrelationKey, entry Entry, ttl time.Duration) error {
	return s.cache.Set(ctx, s.entryKey(key), entry, ttl)
}

// Lock spins on SETNX with backoff until the lock is taken or ctx is done.
func (s *RedisStore) Lock(ctx context.Context, key core.CorrelationKey) (func(), error) {
	lockKey := s.lockKey(key)
	token := uuid.NewString()
	wait := lockRetryMin

	for {
		ok, err := s.cache.SetNX(ctx, lockKey, token, s.lockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if _, err := s.cache.CompareAndDelete(ctx, lockKey, token); err != nil {
					s.logger.Warnw("Failed to release correlation lock", "key", key, "error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
		if wait > lockRetryMax {
			wait = lockRetryMax
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
