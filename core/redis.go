package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lookout/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// maxCacheValueSize bounds a single encoded value.
const maxCacheValueSize = 1 << 20

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisCache wraps the Redis client shared by the correlation and
// suppression stores. Values are encoded with msgpack.
type RedisCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisCache{
		client: client,
		logger: logger,
	}
}

// Client returns the underlying client for scripts.
func (rc *RedisCache) Client() *redis.Client { return rc.client }

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Set stores value under key with expiration.
func (rc *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "marshal").Inc()
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	if len(data) > maxCacheValueSize {
		metrics.CacheErrors.WithLabelValues("redis", "size_limit").Inc()
		return fmt.Errorf("cache value size %d bytes exceeds maximum allowed size %d bytes", len(data), maxCacheValueSize)
	}

	if err := rc.client.Set(ctx, key, data, expiration).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Get decodes the value under key into dest. A missing key returns false
// and no error.
func (rc *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		metrics.CacheErrors.WithLabelValues("redis", "get").Inc()
		return false, fmt.Errorf("redis GET %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(data, dest); err != nil {
		rc.logger.Errorw("Failed to decode cache value", "key", key, "error", err)
		metrics.CacheErrors.WithLabelValues("redis", "unmarshal").Inc()
		return false, fmt.Errorf("failed to decode cache value for %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key from the cache
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, key).Err()
}

// SetNX stores a raw token only if key does not exist.
func (rc *RedisCache) SetNX(ctx context.Context, key, token string, expiration time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, key, token, expiration).Result()
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "setnx").Inc()
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete removes key only if it still holds token.
func (rc *RedisCache) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, rc.client, []string{key}, token).Int()
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "compare_and_delete").Inc()
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// GetTTL returns the remaining TTL for a key
func (rc *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	return rc.client.TTL(ctx, key).Result()
}
