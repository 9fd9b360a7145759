package suppress

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type record struct {
	at    time.Time
	owner string
}

// MemoryStore keeps the last emission per signature in a bounded LRU.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, record]
}

// NewMemoryStore creates a store for at most capacity signatures.
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	cache, err := lru.New[string, record](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppression cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

// CheckAndRecord implements Store.
func (s *MemoryStore) CheckAndRecord(_ context.Context, signature, owner string, at time.Time, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.cache.Get(signature); ok {
		if last.owner == owner {
			return true, nil
		}
		if !allowed(last.at, at, window) {
			return false, nil
		}
	}
	s.cache.Add(signature, record{at: at, owner: owner})
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, signature, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.cache.Peek(signature); ok && last.owner == owner && last.at.Equal(at) {
		s.cache.Remove(signature)
	}
	return nil
}

// Len returns the number of tracked signatures.
func (s *MemoryStore) Len() int { return s.cache.Len() }
