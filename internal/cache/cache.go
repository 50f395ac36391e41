package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// Store is a process-local key/value cache with per-entry TTL. Expiration
// is lazy: expired entries are dropped on the read that observes them, or
// by Sweep.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Stats is a read-only snapshot for operators.
type Stats struct {
	Entries int `json:"entries"`
}

func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Get returns the value for key, or nil/false when absent or expired.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have renewed it.
		if cur, still := s.entries[key]; still && cur.expired(time.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, storedAt: time.Now(), ttl: ttl}
}

// Invalidate removes every key containing the fragment and returns the
// number of removed entries. Matching is unanchored on purpose: dispatch
// cache keys share fragments so a vendor or zone can be flushed wholesale.
func (s *Store) Invalidate(fragment string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if strings.Contains(key, fragment) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep removes entries that have already expired. Used by the periodic
// cleanup job so cold keys do not linger until the next read.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops everything. Invoked by emergency cleanup under memory
// pressure.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Entries: len(s.entries)}
}
