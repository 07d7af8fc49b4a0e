package web

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"
)

// DefaultMaxHosts caps how many hosts keep a pacing limiter.
const DefaultMaxHosts = 4096

// HostPacer spaces outbound requests to the same host by a fixed interval.
// A zero interval disables pacing. Only the most recently used hosts keep
// their limiter; a host pushed out starts over unpaced.
type HostPacer struct {
	mu       sync.Mutex
	limiters *simplelru.LRU[string, *rate.Limiter]
	interval time.Duration
}

// NewHostPacer paces at most maxHosts hosts; maxHosts <= 0 means DefaultMaxHosts.
func NewHostPacer(interval time.Duration, maxHosts int) *HostPacer {
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	lru, _ := simplelru.NewLRU[string, *rate.Limiter](maxHosts, nil)
	return &HostPacer{
		limiters: lru,
		interval: interval,
	}
}

// Wait blocks until a request to rawURL's host may be sent or ctx ends.
func (p *HostPacer) Wait(ctx context.Context, rawURL string) error {
	if p == nil || p.interval <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("pacer: missing host in %q", rawURL)
	}
	return p.limiter(u.Host).Wait(ctx)
}

func (p *HostPacer) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters.Get(host); ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(p.interval), 1)
	p.limiters.Add(host, l)
	return l
}

// Hosts returns how many hosts have a pacing limiter.
func (p *HostPacer) Hosts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiters.Len()
}
