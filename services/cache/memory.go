package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry represents a single cache entry with its own expiry
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element // For LRU tracking
}

func (e *memoryEntry) isExpired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process LRU store with per-entry TTL
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	lruList *list.List // front is most recently used
	maxSize int
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now for expiry checks
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store holding at most maxSize entries
func NewMemoryStore(maxSize int, opts ...MemoryOption) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		lruList: list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the stored value; expired entries are removed and miss
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists || entry.isExpired(s.now()) {
		s.misses++
		if exists {
			s.removeEntry(key)
		}
		return nil, false, nil
	}

	s.lruList.MoveToFront(entry.element)
	s.hits++
	return append([]byte(nil), entry.value...), true, nil
}

// Set replaces any existing entry; entries are never mutated in place
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	if old, exists := s.entries[key]; exists {
		s.lruList.Remove(old.element)
		delete(s.entries, key)
	}
	if s.lruList.Len() >= s.maxSize {
		s.evictLRU()
	}

	entry := &memoryEntry{
		key:       key,
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt,
	}
	entry.element = s.lruList.PushFront(key)
	s.entries[key] = entry
	return nil
}

// Delete removes a specific entry
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEntry(key)
	return nil
}

// Clear removes all entries
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memoryEntry)
	s.lruList.Init()
}

// Stats returns store statistics
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Backend: "memory",
		Size:    s.lruList.Len(),
		MaxSize: s.maxSize,
		Hits:    s.hits,
		Misses:  s.misses,
		HitRate: hitRate(s.hits, s.misses),
	}
}

// CleanupExpired removes all expired entries and returns how many were dropped.
// The maintenance scheduler calls it periodically.
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiredKeys := make([]string, 0)
	for key, entry := range s.entries {
		if entry.isExpired(now) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	for _, key := range expiredKeys {
		s.removeEntry(key)
	}
	return len(expiredKeys)
}

// removeEntry must be called with lock held
func (s *MemoryStore) removeEntry(key string) {
	if entry, exists := s.entries[key]; exists {
		s.lruList.Remove(entry.element)
		delete(s.entries, key)
	}
}

// evictLRU must be called with lock held
func (s *MemoryStore) evictLRU() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, key)
}
