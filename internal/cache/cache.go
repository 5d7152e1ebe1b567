// Package cache holds normalized records between provider fetches. Entries
// past their expiry are stale, not gone: they stay readable through
// GetAllowingStale until capacity pressure or a refresh replaces them.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/metrics"
)

// Freshness tags an entry returned by GetAllowingStale.
type Freshness int

const (
	Absent Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// evictDivisor sets the batch size: one fifth of capacity, rounded up.
const evictDivisor = 5

// minTTL keeps ExpiresAt strictly after FetchedAt.
const minTTL = time.Second

// Entry is one cached record.
type Entry struct {
	Key       string      `json:"key"`
	Payload   core.Record `json:"payload"`
	Source    string      `json:"source,omitempty"`
	FetchedAt time.Time   `json:"fetched_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// FreshAt reports whether the entry is still fresh at now.
func (e Entry) FreshAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is a bounded, TTL-aware record cache safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	maxEntries int
	now        func() time.Time
	metrics    *metrics.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics reports size and evictions to reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Store) { s.metrics = reg }
}

// New creates a store holding at most maxEntries records.
func New(maxEntries int, opts ...Option) *Store {
	if maxEntries < 1 {
		maxEntries = 1
	}
	s := &Store{
		entries:    make(map[string]Entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOption adjusts a single Set call.
type SetOption func(*Entry)

// WithSource records which provider produced the payload.
func WithSource(name string) SetOption {
	return func(e *Entry) { e.Source = name }
}

// Get returns the entry only while it is fresh.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !e.FreshAt(s.now()) {
		return Entry{}, false
	}
	return e, true
}

// GetAllowingStale returns the entry regardless of expiry, tagged with its
// freshness.
func (s *Store) GetAllowingStale(key string) (Entry, Freshness) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, Absent
	}
	if e.FreshAt(s.now()) {
		return e, Fresh
	}
	return e, Stale
}

// Set stores payload under key for ttl, replacing any previous entry.
func (s *Store) Set(key string, payload core.Record, ttl time.Duration, opts ...SetOption) {
	if ttl < minTTL {
		ttl = minTTL
	}
	now := s.now()
	e := Entry{
		Key:       key,
		Payload:   payload,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	for _, opt := range opts {
		opt(&e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(e)
}

// insertLocked adds e, evicting a batch first when a new key would overflow
// the store. Callers hold s.mu.
func (s *Store) insertLocked(e Entry) {
	if _, exists := s.entries[e.Key]; !exists && len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}
	s.entries[e.Key] = e
	s.metrics.SetCacheEntries(len(s.entries))
}

// evictLocked drops the earliest-expiring fifth of capacity, at least one entry.
func (s *Store) evictLocked() {
	n := (s.maxEntries + evictDivisor - 1) / evictDivisor
	if n > len(s.entries) {
		n = len(s.entries)
	}

	victims := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].ExpiresAt.Before(victims[j].ExpiresAt)
	})
	for _, e := range victims[:n] {
		delete(s.entries, e.Key)
	}
	s.metrics.RecordCacheEvictions(n)
}

// Len returns the number of entries, fresh or stale.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of every entry ordered by key.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Load inserts previously captured entries, keeping their original
// timestamps. Entries already present with a later fetch time win. It returns
// the number of entries accepted.
func (s *Store) Load(entries []Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.Key == "" || !e.ExpiresAt.After(e.FetchedAt) {
			continue
		}
		if cur, ok := s.entries[e.Key]; ok && !e.FetchedAt.After(cur.FetchedAt) {
			continue
		}
		s.insertLocked(e)
		n++
	}
	return n
}
