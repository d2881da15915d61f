package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore keeps claims in-process. It is the fallback when
// redis is unavailable, so deduplication degrades to per-process scope.
type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{claims: make(map[string]time.Time)}
}

func (s *MemoryIdempotencyStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	s.sweep(now)
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// sweep drops expired claims; called under the lock.
func (s *MemoryIdempotencyStore) sweep(now time.Time) {
	for key, expires := range s.claims {
		if now.After(expires) {
			delete(s.claims, key)
		}
	}
}
