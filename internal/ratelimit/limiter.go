// Package ratelimit implements per-identity sliding-window admission control.
//
// Each identity keeps the timestamps of its requests inside the trailing
// window. A request is admitted when, after recording it and dropping
// timestamps older than the window, no more than Limit remain. Identities are
// spread over independently locked shards, and every shard caps the number of
// identities it tracks, evicting the least recently seen one.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/leonardcser/image-proxy/internal/metrics"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultLimit         = 60
	DefaultMaxIdentities = 10000
	defaultShards        = 16
)

type Config struct {
	// Window is the trailing interval requests are counted over.
	Window time.Duration
	// Limit is the number of requests admitted per Window.
	Limit int
	// MaxIdentities caps how many identities are tracked at once.
	MaxIdentities int
	// Bypass lists identities that are always admitted.
	Bypass []string
	// Shards is the number of independently locked partitions.
	Shards int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.MaxIdentities <= 0 {
		c.MaxIdentities = DefaultMaxIdentities
	}
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.Shards > c.MaxIdentities {
		c.Shards = c.MaxIdentities
	}
	return c
}

// window holds one identity's request times, oldest first.
type window struct {
	stamps []time.Time
}

// prune drops timestamps older than cutoff.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) newest() time.Time {
	if len(w.stamps) == 0 {
		return time.Time{}
	}
	return w.stamps[len(w.stamps)-1]
}

type shard struct {
	mu      sync.Mutex
	windows *simplelru.LRU[string, *window]
}

// Limiter is safe for concurrent use by multiple goroutines.
type Limiter struct {
	cfg     Config
	bypass  map[string]struct{}
	shards  []*shard
	clock   clockwork.Clock
	metrics metrics.Recorder
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option { return func(l *Limiter) { l.clock = c } }

// WithMetrics sets the recorder notified of rejections.
func WithMetrics(m metrics.Recorder) Option { return func(l *Limiter) { l.metrics = m } }

func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		bypass:  make(map[string]struct{}, len(cfg.Bypass)),
		shards:  make([]*shard, cfg.Shards),
		clock:   clockwork.NewRealClock(),
		metrics: metrics.Noop{},
	}
	for _, id := range cfg.Bypass {
		l.bypass[id] = struct{}{}
	}
	perShard := (cfg.MaxIdentities + cfg.Shards - 1) / cfg.Shards
	for i := range l.shards {
		// size is always positive here, so NewLRU cannot fail.
		lru, _ := simplelru.NewLRU[string, *window](perShard, nil)
		l.shards[i] = &shard{windows: lru}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) shardFor(identity string) *shard {
	return l.shards[xxhash.Sum64String(identity)%uint64(len(l.shards))]
}

// Allow records a request from identity and reports whether it is admitted.
// Rejected requests are recorded too, so a client that keeps retrying stays
// limited until its traffic actually drops below the limit.
func (l *Limiter) Allow(identity string) bool {
	if l.Bypassed(identity) {
		return true
	}
	now := l.clock.Now()
	sh := l.shardFor(identity)

	sh.mu.Lock()
	w, ok := sh.windows.Get(identity)
	if !ok {
		w = &window{}
		sh.windows.Add(identity, w)
	}
	w.stamps = append(w.stamps, now)
	w.prune(now.Add(-l.cfg.Window))
	// Bound memory per identity: only Limit+1 stamps can ever matter.
	if extra := len(w.stamps) - (l.cfg.Limit + 1); extra > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[extra:]...)
	}
	admitted := len(w.stamps) <= l.cfg.Limit
	sh.mu.Unlock()

	if !admitted {
		l.metrics.Reject()
	}
	return admitted
}

// Bypassed reports whether identity is on the allow-list.
func (l *Limiter) Bypassed(identity string) bool {
	_, ok := l.bypass[identity]
	return ok
}

// Prune forgets identities with no request inside the window ending at now
// and returns how many were dropped.
func (l *Limiter) Prune(now time.Time) int {
	cutoff := now.Add(-l.cfg.Window)
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, id := range sh.windows.Keys() {
			w, ok := sh.windows.Peek(id)
			if ok && w.newest().Before(cutoff) {
				sh.windows.Remove(id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Tracked returns how many identities currently hold a window.
func (l *Limiter) Tracked() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += sh.windows.Len()
		sh.mu.Unlock()
	}
	return n
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }
