// Package coordinator deduplicates concurrent population of cache keys.
//
// When many callers miss on the same key at once, only the first one runs the
// populate function; the others wait for its outcome. A successful result is
// written to the cache before it is handed out, a failure is handed out and
// never cached, and in both cases the key is immediately free for the next
// attempt. A populate that outlives the configured timeout is abandoned and
// every waiter receives ErrTimeout; one that panics yields ErrPanic.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leonardcser/image-proxy/internal/cache"
	"github.com/leonardcser/image-proxy/internal/metrics"
)

// Status says whether a result came from the cache or from a populate.
type Status string

const (
	Hit  Status = "HIT"
	Miss Status = "MISS"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout = errors.New("coordinator: populate timed out")
	// ErrPanic wraps the value recovered from a populate that panicked.
	ErrPanic = errors.New("coordinator: populate panicked")
)

// PopulateFunc computes the payload for a missing key. The context carries
// the coordinator's timeout and is not tied to any single caller.
type PopulateFunc func(ctx context.Context) ([]byte, error)

// Coordinator is safe for concurrent use by multiple goroutines.
type Coordinator struct {
	cache   cache.KV
	group   singleflight.Group
	timeout time.Duration
	metrics metrics.Recorder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds every populate call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics sets the recorder notified of hits, misses and populates.
func WithMetrics(m metrics.Recorder) Option { return func(c *Coordinator) { c.metrics = m } }

func New(kv cache.KV, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:   kv,
		timeout: DefaultTimeout,
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type outcome struct {
	data []byte
	err  error
}

// GetOrPopulate returns the cached payload for key, or runs populate at most
// once across all concurrent callers of the same key and returns its result
// to each of them.
//
// If ctx ends while waiting, GetOrPopulate returns ctx.Err() but the populate
// keeps running so other waiters and later callers can still use its result.
func (c *Coordinator) GetOrPopulate(ctx context.Context, key string, populate PopulateFunc) ([]byte, Status, error) {
	if data, ok := c.cache.Get(key); ok {
		c.metrics.Hit()
		return data, Hit, nil
	}
	c.metrics.Miss()

	ch := c.group.DoChan(key, func() (any, error) {
		// A previous flight may have filled the key between our miss and
		// the registration of this one.
		if data, ok := c.cache.Get(key); ok {
			return data, nil
		}
		return c.run(key, populate)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.Shared()
		}
		if res.Err != nil {
			return nil, Miss, res.Err
		}
		return res.Val.([]byte), Miss, nil
	case <-ctx.Done():
		return nil, Miss, ctx.Err()
	}
}

func (c *Coordinator) run(key string, populate PopulateFunc) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.metrics.Populate()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		data, err := populate(ctx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
				c.metrics.Timeout()
				return nil, ErrTimeout
			}
			return nil, out.err
		}
		c.cache.Put(key, out.data)
		return out.data, nil
	case <-ctx.Done():
		c.metrics.Timeout()
		return nil, ErrTimeout
	}
}
