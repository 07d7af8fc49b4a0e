package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/leonardcser/image-proxy/internal/metrics"
)

// Entry is one cached payload. Entries are never mutated after insertion;
// a Put on an existing key replaces the whole entry.
type Entry struct {
	Key        string
	Payload    []byte
	InsertedAt time.Time
	ExpiresAt  time.Time
}

func (e Entry) expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Store is a bounded, time-expiring key -> bytes cache with LRU eviction.
// It is safe for concurrent use by multiple goroutines.
type Store struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, Entry]
	ttl     time.Duration
	clock   clockwork.Clock
	metrics metrics.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

// WithMetrics sets the recorder notified of evictions and expirations.
func WithMetrics(m metrics.Recorder) Option { return func(s *Store) { s.metrics = m } }

var ErrInvalidTTL = errors.New("cache: ttl must be positive")

// New creates a Store holding at most capacity entries, each living for ttl.
func New(capacity int, ttl time.Duration, opts ...Option) (*Store, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	l, err := simplelru.NewLRU[string, Entry](capacity, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		lru:     l,
		ttl:     ttl,
		clock:   clockwork.NewRealClock(),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the payload stored under key and marks it most recently used.
// An entry whose TTL has elapsed is dropped and reported as a miss.
// The returned slice is shared and must not be modified.
func (s *Store) Get(key string) ([]byte, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if ent.expired(now) {
		s.lru.Remove(key)
		s.metrics.Expire()
		return nil, false
	}
	return ent.Payload, true
}

// Put inserts or replaces key. The entry expires TTL after now and becomes
// the most recently used; if the store is full the least recently used entry
// is evicted first.
func (s *Store) Put(key string, payload []byte) {
	now := s.clock.Now()
	ent := Entry{
		Key:        key,
		Payload:    payload,
		InsertedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if evicted := s.lru.Add(key, ent); evicted {
		s.metrics.Eviction()
	}
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Remove(key)
}

// Sweep removes every entry with ExpiresAt <= now and returns how many were
// removed. The lock is taken per entry so request traffic is never stalled
// behind a long sweep.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	keys := s.lru.Keys()
	s.mu.Unlock()

	removed := 0
	for _, k := range keys {
		s.mu.Lock()
		if ent, ok := s.lru.Peek(k); ok && ent.expired(now) {
			s.lru.Remove(k)
			removed++
			s.metrics.Expire()
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// TTL returns the lifetime given to every inserted entry.
func (s *Store) TTL() time.Duration { return s.ttl }
