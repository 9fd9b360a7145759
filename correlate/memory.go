package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lookout/core"
	"lookout/metrics"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

const (
	lockStripes        = 256
	minCleanupInterval = time.Second
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore keeps entries in a bounded LRU. Expired entries are invisible
// to Lookup and removed by a janitor goroutine; when full, the least recently
// touched entry is evicted.
type MemoryStore struct {
	mu    sync.Mutex
	items *simplelru.LRU[core.CorrelationKey, memoryItem]
	locks [lockStripes]chan struct{}
	now   func() time.Time

	logger    *zap.SugaredLogger
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a store holding at most maxEntries entries. The
// janitor runs every ttl/2, but no more often than once a second.
func NewMemoryStore(maxEntries int, ttl time.Duration, logger *zap.SugaredLogger) (*MemoryStore, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	s := &MemoryStore{
		now:    time.Now,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	items, err := simplelru.NewLRU[core.CorrelationKey, memoryItem](maxEntries, func(key core.CorrelationKey, _ memoryItem) {
		s.logger.Debugw("Dropped correlation entry", "key", key)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create correlation LRU: %w", err)
	}
	s.items = items
	for i := range s.locks {
		s.locks[i] = make(chan struct{}, 1)
	}

	interval := ttl / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	go s.janitor(interval)
	return s, nil
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Lookup returns the live entry for key. An entry stays live until strictly
// more than its TTL has passed since the last Upsert.
func (s *MemoryStore) Lookup(_ context.Context, key core.CorrelationKey) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if s.now().After(item.expiresAt) {
		s.items.Remove(key)
		metrics.CorrelationEntries.Set(float64(s.items.Len()))
		return Entry{}, false, nil
	}
	entry := item.entry
	entry.TrackingIDs = append([]string(nil), item.entry.TrackingIDs...)
	return entry, true, nil
}

// Upsert stores entry until now+ttl.
func (s *MemoryStore) Upsert(_ context.Context, key core.CorrelationKey, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.TrackingIDs = append([]string(nil), entry.TrackingIDs...)
	s.items.Add(key, memoryItem{entry: entry, expiresAt: s.now().Add(ttl)})
	metrics.CorrelationEntries.Set(float64(s.items.Len()))
	return nil
}

// Lock acquires the stripe lock for key, waiting until ctx is done.
func (s *MemoryStore) Lock(ctx context.Context, key core.CorrelationKey) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, err)
	}
	l := s.locks[stripe(key, lockStripes)]
	select {
	case l <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
	}
}

// Len returns the number of stored entries, including expired ones not yet
// collected.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.purgeExpired(); n > 0 {
				s.logger.Debugw("Purged expired correlation entries", "count", n)
			}
		}
	}
}

func (s *MemoryStore) purgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, key := range s.items.Keys() {
		if item, ok := s.items.Peek(key); ok && now.After(item.expiresAt) {
			s.items.Remove(key)
			removed++
		}
	}
	metrics.CorrelationEntries.Set(float64(s.items.Len()))
	return removed
}
