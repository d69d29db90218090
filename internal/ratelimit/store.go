/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// StoreMetricsCollector collects statistics about the identity store usage.
type StoreMetricsCollector interface {
	// SetAmount sets the total number of entries in the store.
	SetAmount(int)

	// AddEvictions increments the total number of evicted entries.
	AddEvictions(int)
}

type disabledStoreMetrics struct{}

func (disabledStoreMetrics) SetAmount(int)    {}
func (disabledStoreMetrics) AddEvictions(int) {}

type storeEntry[V any] struct {
	key        Key
	value      V
	lastUpdate time.Time
}

// Store is a bounded arena of per-identity rate-limiting state.
// Entries are ordered by last update; when an insert would exceed the
// configured capacity, the least-recently-updated entry is evicted
// synchronously, so the size bound always holds. Entries idle beyond the
// TTL are removed in bounded batches by EvictIdle, which is triggered
// opportunistically on the request path.
type Store[V any] struct {
	mu         sync.Mutex
	maxEntries int
	idleTTL    time.Duration
	lruList    *list.List // front is the most recently updated entry
	entries    map[Key]*list.Element
	metrics    StoreMetricsCollector
}

// NewStore creates a new store bounded by maxEntries.
// Zero idleTTL disables idle eviction.
func NewStore[V any](maxEntries int, idleTTL time.Duration, mc StoreMetricsCollector) (*Store[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries should be positive, got %d", maxEntries)
	}
	if idleTTL < 0 {
		return nil, fmt.Errorf("idle TTL should not be negative, got %v", idleTTL)
	}
	if mc == nil {
		mc = disabledStoreMetrics{}
	}
	return &Store[V]{
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		lruList:    list.New(),
		entries:    make(map[Key]*list.Element),
		metrics:    mc,
	}, nil
}

// Update runs fn on the entry's value as a single critical section:
// no other operation can observe or modify the same identity's state
// between the read and the write. A missing entry is created with init
// first. The entry becomes the most recently updated one.
func (s *Store[V]) Update(key Key, now time.Time, init func() V, fn func(v V) V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		elem = s.addNew(key, init(), now)
	}
	entry := elem.Value.(*storeEntry[V])
	entry.value = fn(entry.value)
	entry.lastUpdate = now
	s.lruList.MoveToFront(elem)
}

// GetOrCreate returns the entry's value, creating it with init on a miss.
// The entry becomes the most recently updated one.
func (s *Store[V]) GetOrCreate(key Key, now time.Time, init func() V) V {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		elem = s.addNew(key, init(), now)
	}
	entry := elem.Value.(*storeEntry[V])
	entry.lastUpdate = now
	s.lruList.MoveToFront(elem)
	return entry.value
}

// EvictIdle removes up to max entries whose last update is older than the
// idle TTL, starting from the least recently updated one. The cost is
// bounded by max, so a single call never meaningfully delays the request
// that triggered it.
func (s *Store[V]) EvictIdle(now time.Time, max int) int {
	if s.idleTTL == 0 || max <= 0 {
		return 0
	}
	deadline := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for evicted < max {
		elem := s.lruList.Back()
		if elem == nil {
			break
		}
		entry := elem.Value.(*storeEntry[V])
		if entry.lastUpdate.After(deadline) {
			break
		}
		s.lruList.Remove(elem)
		delete(s.entries, entry.key)
		evicted++
	}
	if evicted != 0 {
		s.metrics.AddEvictions(evicted)
		s.metrics.SetAmount(len(s.entries))
	}
	return evicted
}

// Len returns the number of entries in the store.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Occupancy returns the fill ratio in [0, 1].
func (s *Store[V]) Occupancy() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.entries)) / float64(s.maxEntries)
}

func (s *Store[V]) addNew(key Key, value V, now time.Time) *list.Element {
	if len(s.entries) >= s.maxEntries {
		// Capacity exceeded, evict the least recently updated entry
		// right away to keep the size bound strict.
		if oldest := s.lruList.Back(); oldest != nil {
			s.lruList.Remove(oldest)
			delete(s.entries, oldest.Value.(*storeEntry[V]).key)
			s.metrics.AddEvictions(1)
		}
	}
	elem := s.lruList.PushFront(&storeEntry[V]{key: key, value: value, lastUpdate: now})
	s.entries[key] = elem
	s.metrics.SetAmount(len(s.entries))
	return elem
}
