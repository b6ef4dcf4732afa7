package service

import (
	"context"
	"sync"
	"time"
)

// DedupeStore remembers message IDs that were already processed
type DedupeStore interface {
	Exists(messageID string) bool
	Add(messageID string)
}

// InMemoryDedupeStore forgets IDs after ttl
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
}

// NewInMemoryDedupeStore starts a cleanup loop that runs until ctx ends.
func NewInMemoryDedupeStore(ctx context.Context, ttl time.Duration) *InMemoryDedupeStore {
	s := &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
	}
	go s.cleanupLoop(ctx, time.Minute)
	return s
}

func (s *InMemoryDedupeStore) Exists(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[messageID]
	return exists && time.Now().Before(expiry)
}

func (s *InMemoryDedupeStore) Add(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[messageID] = time.Now().Add(s.ttl)
}

func (s *InMemoryDedupeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}

func (s *InMemoryDedupeStore) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.cleanup(now)
		}
	}
}

func (s *InMemoryDedupeStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, expiry := range s.store {
		if now.After(expiry) {
			delete(s.store, id)
		}
	}
}
