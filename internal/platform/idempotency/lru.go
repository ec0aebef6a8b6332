package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type lruEntry struct {
	done bool
	rec  Record
}

// LRUStore is a process-local Store bounded by size and ttl. Keys evicted
// early simply stop deduplicating.
type LRUStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, lruEntry]
}

func NewLRUStore(size int, ttl time.Duration) *LRUStore {
	if size <= 0 {
		size = 10000
	}
	return &LRUStore{cache: expirable.NewLRU[string, lruEntry](size, nil, ttl)}
}

func (s *LRUStore) Begin(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache.Get(key); ok {
		if !e.done {
			return nil, ErrInFlight
		}
		rec := e.rec
		return &rec, nil
	}
	s.cache.Add(key, lruEntry{})
	return nil, nil
}

func (s *LRUStore) Complete(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, lruEntry{done: true, rec: rec})
	return nil
}

func (s *LRUStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache.Peek(key); ok && !e.done {
		s.cache.Remove(key)
	}
	return nil
}

// Len reports the number of tracked keys.
func (s *LRUStore) Len() int { return s.cache.Len() }
