package suppress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lookout/core"
	"lookout/metrics"

	"github.com/redis/go-redis/v9"
)

// checkAndRecord stores "<event ms>:<owner>" unless the current record
// belongs to another owner and is newer than ARGV[1] or within ARGV[2] ms
// of it. ARGV[3] is the wall-clock expiry in ms, ARGV[4] the owner.
var checkAndRecord = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local t = tonumber(ARGV[1])
if current then
	local sep = string.find(current, ":", 1, true)
	if sep then
		if string.sub(current, sep + 1) == ARGV[4] then
			return 1
		end
		local last = tonumber(string.sub(current, 1, sep - 1))
		if last and (t < last or (t - last) < tonumber(ARGV[2])) then
			return 0
		end
	end
end
redis.call("SET", KEYS[1], ARGV[1] .. ":" .. ARGV[4], "PX", ARGV[3])
return 1`)

// RedisStore shares suppression records between replicas.
type RedisStore struct {
	cache  *core.RedisCache
	prefix string
}

// NewRedisStore creates a store keyed under prefix.
func NewRedisStore(cache *core.RedisCache, prefix string) *RedisStore {
	return &RedisStore{cache: cache, prefix: prefix}
}

// CheckAndRecord implements Store. Records expire after twice the window of
// wall-clock time.
func (s *RedisStore) CheckAndRecord(ctx context.Context, signature, owner string, at time.Time, window time.Duration) (bool, error) {
	expiry := 2 * window
	if expiry < time.Second {
		expiry = time.Second
	}
	n, err := checkAndRecord.Run(ctx, s.cache.Client(), []string{s.prefix + signature},
		at.UnixMilli(), window.Milliseconds(), expiry.Milliseconds(), owner).Int()
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "suppress_check").Inc()
		return false, fmt.Errorf("redis suppression check: %w", err)
	}
	return n == 1, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, signature, owner string, at time.Time) error {
	_, err := s.cache.CompareAndDelete(ctx, s.prefix+signature, recordValue(owner, at))
	return err
}

func recordValue(owner string, at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + ":" + owner
}
