package correlate

import (
	"context"
	"sync"
	"testing"
	"time"

	"lookout/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryStore(t *testing.T, max int) (*MemoryStore, *fakeClock) {
	t.Helper()
	s, err := NewMemoryStore(max, time.Minute, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clock := newFakeClock()
	s.SetClock(clock.Now)
	return s, clock
}

func TestMemoryStore_UpsertLookupExpiry(t *testing.T) {
	s, clock := newMemoryStore(t, 10)
	ctx := context.Background()
	key := core.CorrelationKey("ship=A|svc=x")

	_, found, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Upsert(ctx, key, Entry{IncidentID: "i-1", Count: 1}, 5*time.Minute))
	clock.Advance(4 * time.Minute)

	got, found, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "i-1", got.IncidentID)

	// Upsert resets the TTL.
	require.NoError(t, s.Upsert(ctx, key, Entry{IncidentID: "i-1", Count: 2}, 5*time.Minute))
	clock.Advance(4 * time.Minute)
	_, found, _ = s.Lookup(ctx, key)
	assert.True(t, found)

	clock.Advance(2 * time.Minute)
	_, found, err = s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_TTLBoundaryIsInclusive(t *testing.T) {
	s, clock := newMemoryStore(t, 10)
	ctx := context.Background()
	key := core.CorrelationKey("ship=A|svc=x")

	require.NoError(t, s.Upsert(ctx, key, Entry{IncidentID: "i-1"}, 5*time.Minute))
	clock.Advance(5 * time.Minute)

	_, found, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, found, "entry is live at exactly its TTL")
	assert.Zero(t, s.purgeExpired())

	clock.Advance(time.Nanosecond)
	_, found, err = s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_LookupReturnsCopy(t *testing.T) {
	s, _ := newMemoryStore(t, 10)
	ctx := context.Background()
	key := core.CorrelationKey("k")

	require.NoError(t, s.Upsert(ctx, key, Entry{TrackingIDs: []string{"a"}}, time.Minute))
	got, _, _ := s.Lookup(ctx, key)
	got.TrackingIDs[0] = "mutated"

	again, _, _ := s.Lookup(ctx, key)
	assert.Equal(t, []string{"a"}, again.TrackingIDs)
}

func TestMemoryStore_EvictsLeastRecentlyTouched(t *testing.T) {
	s, _ := newMemoryStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a", Entry{IncidentID: "a"}, time.Minute))
	require.NoError(t, s.Upsert(ctx, "b", Entry{IncidentID: "b"}, time.Minute))
	_, _, _ = s.Lookup(ctx, "a")
	require.NoError(t, s.Upsert(ctx, "c", Entry{IncidentID: "c"}, time.Minute))

	_, found, _ := s.Lookup(ctx, "b")
	assert.False(t, found)
	_, found, _ = s.Lookup(ctx, "a")
	assert.True(t, found)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	s, clock := newMemoryStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "short", Entry{}, time.Minute))
	require.NoError(t, s.Upsert(ctx, "long", Entry{}, time.Hour))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, s.purgeExpired())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Lock(t *testing.T) {
	s, _ := newMemoryStore(t, 10)
	key := core.CorrelationKey("k")

	unlock, err := s.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, key)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsLockTimeout(err))

	unlock()
	unlock() // idempotent

	unlock2, err := s.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock2()
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s, err := NewMemoryStore(1, time.Minute, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = NewMemoryStore(0, time.Minute, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
