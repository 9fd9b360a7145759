package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := NewRedisCache(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestRedisCache_SetGet(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	ctx := context.Background()

	type record struct {
		Name  string `msgpack:"name"`
		Value int    `msgpack:"value"`
	}

	require.NoError(t, cache.Ping(ctx))
	require.NoError(t, cache.Set(ctx, "k", record{Name: "test", Value: 42}, time.Minute))

	var got record
	found, err := cache.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Name: "test", Value: 42}, got)
}

func TestRedisCache_GetMissing(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	var got string
	found, err := cache.Get(context.Background(), "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Expiry(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))
	ttl, err := cache.GetTTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	mr.FastForward(2 * time.Minute)
	var got string
	found, err := cache.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_SetNXAndCompareAndDelete(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "lock", "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.SetNX(ctx, "lock", "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := cache.CompareAndDelete(ctx, "lock", "token-b")
	require.NoError(t, err)
	assert.False(t, deleted, "foreign token must not release the lock")

	deleted, err = cache.CompareAndDelete(ctx, "lock", "token-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	require.NoError(t, cache.Delete(ctx, "lock"))
}

func TestRedisCache_SizeLimit(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	big := make([]byte, maxCacheValueSize+1)
	assert.Error(t, cache.Set(context.Background(), "big", big, time.Minute))
}
