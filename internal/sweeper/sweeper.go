// Package sweeper runs the periodic maintenance pass: expired cache entries,
// idle rate-limit windows and, when retention is on, aged uploads.
package sweeper

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/cache"
	"github.com/leonardcser/image-proxy/internal/logger"
	"github.com/leonardcser/image-proxy/internal/proxy"
	"github.com/leonardcser/image-proxy/internal/ratelimit"
)

const DefaultRetention = 8 * 24 * time.Hour

// Blobs is the part of a blob store the sweeper needs.
type Blobs interface {
	List(ctx context.Context) ([]blob.Record, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	Interval time.Duration
	// Retention deletes uploads older than RetentionAge when enabled.
	Retention    bool
	RetentionAge time.Duration
}

// Report counts what one pass removed.
type Report struct {
	Expired      int
	Pruned       int
	BlobsDeleted int
	BlobErrors   int
}

type Sweeper struct {
	cache   *cache.Store
	limiter *ratelimit.Limiter
	blobs   Blobs
	cfg     Config
	clock   clockwork.Clock
}

type Option func(*Sweeper)

func WithClock(c clockwork.Clock) Option { return func(s *Sweeper) { s.clock = c } }

// New builds a sweeper. A zero interval falls back to the cache TTL; blobs
// may be nil when retention is disabled.
func New(c *cache.Store, l *ratelimit.Limiter, blobs Blobs, cfg Config, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = c.TTL()
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = DefaultRetention
	}
	s := &Sweeper{
		cache:   c,
		limiter: l,
		blobs:   blobs,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.cfg.Interval)
	defer t.Stop()
	logger.Infof("sweeper running every %s (retention %v)", s.cfg.Interval, s.cfg.Retention)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			r := s.Tick(ctx)
			if r != (Report{}) {
				logger.Infof("sweep: expired=%d pruned=%d blobs_deleted=%d blob_errors=%d",
					r.Expired, r.Pruned, r.BlobsDeleted, r.BlobErrors)
			}
		}
	}
}

// Tick runs a single pass.
func (s *Sweeper) Tick(ctx context.Context) Report {
	now := s.clock.Now()
	r := Report{
		Expired: s.cache.Sweep(now),
	}
	if s.limiter != nil {
		r.Pruned = s.limiter.Prune(now)
	}
	if s.cfg.Retention && s.blobs != nil {
		r.BlobsDeleted, r.BlobErrors = s.expireBlobs(ctx, now)
	}
	return r
}

func (s *Sweeper) expireBlobs(ctx context.Context, now time.Time) (deleted, failed int) {
	records, err := s.blobs.List(ctx)
	if err != nil {
		logger.Errorf("sweep: list blobs: %v", err)
		return 0, 1
	}
	cutoff := now.Add(-s.cfg.RetentionAge)
	for _, rec := range records {
		if ctx.Err() != nil {
			return deleted, failed
		}
		if !rec.ModTime.Before(cutoff) {
			continue
		}
		if err := s.blobs.Delete(ctx, rec.ID); err != nil {
			logger.Warnf("sweep: delete blob %s: %v", rec.ID, err)
			failed++
			continue
		}
		s.cache.Delete(proxy.LocalKey(rec.ID))
		deleted++
	}
	return deleted, failed
}
