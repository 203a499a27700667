// Package seen implements the bounded deduplication stores behind packet
// admission and handshake gating.
//
// Every inbound packet is fingerprinted and checked against a Store before
// any routing or decryption happens. If seen: drop silently (stops replays
// and re-broadcast loops). If not seen: record and admit.
//
// A Store keeps entries in insertion order so both forms of eviction are
// cheap and deterministic: SweepOlderThan pops expired entries from the old
// end, EvictExcess pops oldest-first until the store fits the cap. The Store
// runs no goroutine of its own; the owner drives eviction on its own
// schedule, which keeps tests synchronous.
package seen

import (
	"container/list"
	"sync"
	"time"
)

// KeySize is the width of a store key in bytes.
const KeySize = 32

// Key is a fingerprint or exchange-key digest.
type Key [KeySize]byte

type entry struct {
	key  Key
	seen time.Time
}

// Store is a concurrent-safe set of keys with first-seen timestamps.
// The zero value is not usable; call New.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*list.Element
	order   *list.List // front = newest, back = oldest
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[Key]*list.Element),
		order:   list.New(),
	}
}

// Has reports whether k was previously added and not yet evicted.
func (s *Store) Has(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[k]
	return ok
}

// Add records k with the given first-seen time. Returns true if k was not
// already present (i.e. this is new traffic). The check and the insert are
// one critical section: of any number of concurrent identical Adds, exactly
// one observes true.
func (s *Store) Add(k Key, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = s.order.PushFront(&entry{key: k, seen: at})
	return true
}

// Remove deletes k if present.
func (s *Store) Remove(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[k]; ok {
		delete(s.entries, k)
		s.order.Remove(el)
	}
}

// Len returns the current number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SweepOlderThan removes every entry first seen before cutoff and returns
// the number removed. Entries are insertion-ordered, so the sweep stops at
// the first young entry instead of walking the whole store.
func (s *Store) SweepOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for {
		back := s.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry)
		if !ent.seen.Before(cutoff) {
			break
		}
		delete(s.entries, ent.key)
		s.order.Remove(back)
		removed++
	}
	return removed
}

// EvictExcess removes oldest entries until at most max remain and returns
// the number removed. Oldest-by-insertion is the documented eviction policy.
func (s *Store) EvictExcess(max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for len(s.entries) > max {
		back := s.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry)
		delete(s.entries, ent.key)
		s.order.Remove(back)
		removed++
	}
	return removed
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]*list.Element)
	s.order.Init()
}
