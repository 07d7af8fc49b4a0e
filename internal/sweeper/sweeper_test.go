package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/cache"
	"github.com/leonardcser/image-proxy/internal/proxy"
	"github.com/leonardcser/image-proxy/internal/ratelimit"
)

type fakeBlobs struct {
	mu      sync.Mutex
	records map[string]time.Time
	broken  map[string]bool
	listErr error
}

func (f *fakeBlobs) List(context.Context) ([]blob.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]blob.Record, 0, len(f.records))
	for id, mt := range f.records {
		out = append(out, blob.Record{ID: id, ModTime: mt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBlobs) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[id] {
		return errors.New("permission denied")
	}
	delete(f.records, id)
	return nil
}

func (f *fakeBlobs) ids() []string {
	recs, _ := f.List(context.Background())
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func newParts(t *testing.T, clock clockwork.Clock) (*cache.Store, *ratelimit.Limiter) {
	t.Helper()
	c, err := cache.New(10, 10*time.Minute, cache.WithClock(clock))
	require.NoError(t, err)
	return c, ratelimit.New(ratelimit.Config{Window: time.Minute}, ratelimit.WithClock(clock))
}

func TestTick_ExpiresCacheAndPrunesLimiter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, l := newParts(t, clock)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	l.Allow("1.2.3.4")
	clock.Advance(10 * time.Minute)
	c.Put("fresh", []byte("3"))

	s := New(c, l, nil, Config{}, WithClock(clock))
	r := s.Tick(context.Background())

	assert.Equal(t, 2, r.Expired, "entries with expiresAt == now are removed")
	assert.Equal(t, 1, r.Pruned)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, l.Tracked())
}

func TestTick_RetentionDeletesAgedBlobsAndSkipsFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, l := newParts(t, clock)
	now := clock.Now()

	blobs := &fakeBlobs{
		records: map[string]time.Time{
			"old1":   now.Add(-9 * 24 * time.Hour),
			"old2":   now.Add(-10 * 24 * time.Hour),
			"stuck":  now.Add(-30 * 24 * time.Hour),
			"recent": now.Add(-time.Hour),
		},
		broken: map[string]bool{"stuck": true},
	}
	c.Put(proxy.LocalKey("old1"), []byte("cached"))

	s := New(c, l, blobs, Config{Retention: true}, WithClock(clock))
	r := s.Tick(context.Background())

	assert.Equal(t, 2, r.BlobsDeleted)
	assert.Equal(t, 1, r.BlobErrors)
	assert.Equal(t, []string{"recent", "stuck"}, blobs.ids())
	_, ok := c.Get(proxy.LocalKey("old1"))
	assert.False(t, ok, "a deleted upload is no longer served from cache")
}

func TestTick_RetentionDisabled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, l := newParts(t, clock)
	blobs := &fakeBlobs{records: map[string]time.Time{"old": clock.Now().Add(-365 * 24 * time.Hour)}}

	r := New(c, l, blobs, Config{}, WithClock(clock)).Tick(context.Background())
	assert.Zero(t, r.BlobsDeleted)
	assert.Equal(t, []string{"old"}, blobs.ids())
}

func TestTick_ListFailureIsReported(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, l := newParts(t, clock)
	blobs := &fakeBlobs{listErr: errors.New("connection reset")}

	r := New(c, l, blobs, Config{Retention: true}, WithClock(clock)).Tick(context.Background())
	assert.Equal(t, 1, r.BlobErrors)
}

func TestRun_SweepsOnEveryInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, l := newParts(t, clock)
	s := New(c, l, nil, Config{Interval: time.Minute}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	clock.BlockUntil(1)

	c.Put("k", []byte("v"))
	clock.Advance(10 * time.Minute)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_IntervalDefaultsToTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, l := newParts(t, clock)
	s := New(c, l, nil, Config{})
	assert.Equal(t, c.TTL(), s.cfg.Interval)
	assert.Equal(t, DefaultRetention, s.cfg.RetentionAge)
}
