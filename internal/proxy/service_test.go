package proxy

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/cache"
	"github.com/leonardcser/image-proxy/internal/coordinator"
	"github.com/leonardcser/image-proxy/internal/proxy/mocks"
	"github.com/leonardcser/image-proxy/internal/ratelimit"
	"github.com/leonardcser/image-proxy/internal/transform"
)

const imgURL = "https://images.example.com/cat.png"

type fixture struct {
	svc         *Service
	cache       *cache.Store
	fetcher     *mocks.MockFetcher
	transformer *mocks.MockTransformer
	blobs       *mocks.MockBlobStore
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	clock := clockwork.NewFakeClock()
	store, err := cache.New(200, 10*time.Minute, cache.WithClock(clock))
	require.NoError(t, err)

	f := &fixture{
		cache:       store,
		fetcher:     mocks.NewMockFetcher(ctrl),
		transformer: mocks.NewMockTransformer(ctrl),
		blobs:       mocks.NewMockBlobStore(ctrl),
	}
	f.svc = NewService(Deps{
		Limiter:     ratelimit.New(ratelimit.Config{Limit: limit}, ratelimit.WithClock(clock)),
		Cache:       store,
		Coordinator: coordinator.New(store, coordinator.WithTimeout(time.Second)),
		Fetcher:     f.fetcher,
		Transformer: f.transformer,
		Blobs:       f.blobs,
	}, Config{MaxWidth: 100, MaxHeight: 50, MaxUploadBytes: 64})
	return f
}

func TestGetOrFetchRemote_MissThenHit(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()

	f.fetcher.EXPECT().Fetch(gomock.Any(), imgURL).Return([]byte("raw"), nil).Times(1)
	f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), 100, 50).
		DoAndReturn(func(_ context.Context, src io.Reader, _, _ int) ([]byte, error) {
			raw, err := io.ReadAll(src)
			assert.NoError(t, err)
			assert.Equal(t, []byte("raw"), raw)
			return []byte("jpeg"), nil
		}).Times(1)

	data, status, err := f.svc.GetOrFetchRemote(ctx, imgURL, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
	assert.Equal(t, []byte("jpeg"), data)

	data, status, err = f.svc.GetOrFetchRemote(ctx, imgURL, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, Hit, status)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestGetOrFetchRemote_InvalidInputShortCircuits(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()

	for _, u := range []string{"", "ftp://example.com/a.png", "/cat.png", "https://"} {
		_, _, err := f.svc.GetOrFetchRemote(ctx, u, "1.2.3.4")
		assert.ErrorIs(t, err, ErrInvalidInput, u)
	}
	assert.Equal(t, 0, f.cache.Len())
}

func TestGetOrFetchRemote_RateLimited(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.fetcher.EXPECT().Fetch(gomock.Any(), imgURL).Return([]byte("raw"), nil)
	f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return([]byte("jpeg"), nil)

	_, _, err := f.svc.GetOrFetchRemote(ctx, imgURL, "1.2.3.4")
	require.NoError(t, err)

	_, _, err = f.svc.GetOrFetchRemote(ctx, imgURL, "1.2.3.4")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetryable(err))

	_, _, err = f.svc.GetOrFetchRemote(ctx, imgURL, "5.6.7.8")
	assert.NoError(t, err, "another identity has its own window")
}

func TestGetOrFetchRemote_FailuresAreTypedAndNotCached(t *testing.T) {
	ctx := context.Background()

	t.Run("upstream", func(t *testing.T) {
		f := newFixture(t, 60)
		f.fetcher.EXPECT().Fetch(gomock.Any(), imgURL).Return(nil, errors.New("connection refused"))

		_, _, err := f.svc.GetOrFetchRemote(ctx, imgURL, "x")
		assert.ErrorIs(t, err, ErrUpstreamFetch)
		assert.Equal(t, 0, f.cache.Len())
	})

	t.Run("transform", func(t *testing.T) {
		f := newFixture(t, 60)
		f.fetcher.EXPECT().Fetch(gomock.Any(), imgURL).Return([]byte("<html>"), nil).Times(2)
		f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("image: unknown format")).Times(2)

		_, _, err := f.svc.GetOrFetchRemote(ctx, imgURL, "x")
		assert.ErrorIs(t, err, ErrTransform)
		assert.Equal(t, ErrTransform, KindOf(err))

		// Not cached, so the next request retries from scratch.
		_, _, err = f.svc.GetOrFetchRemote(ctx, imgURL, "x")
		assert.ErrorIs(t, err, ErrTransform)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, 60)
		f.fetcher.EXPECT().Fetch(gomock.Any(), imgURL).DoAndReturn(func(ctx context.Context, _ string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		_, _, err := f.svc.GetOrFetchRemote(ctx, imgURL, "x")
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 0, f.cache.Len())
	})
}

func TestGetOrFetchRemote_ConcurrentCallersShareOnePopulate(t *testing.T) {
	f := newFixture(t, 1000)
	release := make(chan struct{})

	f.fetcher.EXPECT().Fetch(gomock.Any(), imgURL).DoAndReturn(func(context.Context, string) ([]byte, error) {
		<-release
		return []byte("raw"), nil
	}).Times(1)
	f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return([]byte("jpeg"), nil).Times(1)

	const callers = 50
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = f.svc.GetOrFetchRemote(context.Background(), imgURL, "x")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("jpeg"), results[i])
	}
}

func TestGetOrFetchLocal(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()

	f.blobs.EXPECT().Read(gomock.Any(), "abcDEF1234").Return([]byte("stored"), nil).Times(1)
	data, status, err := f.svc.GetOrFetchLocal(ctx, "abcDEF1234")
	require.NoError(t, err)
	assert.Equal(t, Miss, status)
	assert.Equal(t, []byte("stored"), data)

	_, status, err = f.svc.GetOrFetchLocal(ctx, "abcDEF1234")
	require.NoError(t, err)
	assert.Equal(t, Hit, status)

	f.blobs.EXPECT().Read(gomock.Any(), "nonexistent").Return(nil, blob.ErrNotFound)
	_, _, err = f.svc.GetOrFetchLocal(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	f.blobs.EXPECT().Read(gomock.Any(), "brokendisk").Return(nil, errors.New("i/o error"))
	_, _, err = f.svc.GetOrFetchLocal(ctx, "brokendisk")
	assert.ErrorIs(t, err, ErrInternal)

	for _, id := range []string{"", "../etc/passwd", "a.jpg"} {
		_, _, err = f.svc.GetOrFetchLocal(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidInput, id)
	}
}

func TestPutUpload_StoresAndPrimesCache(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()

	f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), 100, 50).
		DoAndReturn(func(_ context.Context, src io.Reader, _, _ int) ([]byte, error) {
			raw, err := io.ReadAll(src)
			if err != nil {
				return nil, err
			}
			return append([]byte("t:"), raw...), nil
		})
	f.blobs.EXPECT().Write(gomock.Any(), []byte("t:upload")).Return("f1", nil)

	id, err := f.svc.PutUpload(ctx, strings.NewReader("upload"))
	require.NoError(t, err)
	assert.Equal(t, "f1", id)

	cached, ok := f.cache.Get(LocalKey("f1"))
	require.True(t, ok)
	assert.Equal(t, []byte("t:upload"), cached)
}

func TestPutUpload_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("too large", func(t *testing.T) {
		f := newFixture(t, 60)
		f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, src io.Reader, _, _ int) ([]byte, error) {
				_, err := io.ReadAll(src)
				return nil, err
			})

		_, err := f.svc.PutUpload(ctx, bytes.NewReader(make([]byte, 65)))
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, err, ErrUploadTooLarge)
	})

	t.Run("empty", func(t *testing.T) {
		f := newFixture(t, 60)
		f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, src io.Reader, _, _ int) ([]byte, error) {
				_, err := io.ReadAll(src)
				return nil, err
			})

		_, err := f.svc.PutUpload(ctx, strings.NewReader(""))
		assert.ErrorIs(t, err, errEmptyUpload)
	})

	t.Run("not an image", func(t *testing.T) {
		f := newFixture(t, 60)
		f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("image: unknown format"))

		_, err := f.svc.PutUpload(ctx, strings.NewReader("hello"))
		assert.ErrorIs(t, err, ErrTransform)
	})

	t.Run("blob write", func(t *testing.T) {
		f := newFixture(t, 60)
		f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return([]byte("jpeg"), nil)
		f.blobs.EXPECT().Write(gomock.Any(), gomock.Any()).Return("", errors.New("disk full"))

		_, err := f.svc.PutUpload(ctx, strings.NewReader("hello"))
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, 0, f.cache.Len())
	})
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEndToEnd_UploadThenGet(t *testing.T) {
	store, err := cache.New(200, 10*time.Minute)
	require.NoError(t, err)
	blobs, err := blob.OpenDir(t.TempDir())
	require.NoError(t, err)

	svc := NewService(Deps{
		Limiter:     ratelimit.New(ratelimit.Config{}),
		Cache:       store,
		Coordinator: coordinator.New(store),
		Transformer: transform.New(85),
		Blobs:       blobs,
	}, Config{MaxWidth: 64, MaxHeight: 64})
	ctx := context.Background()

	id, err := svc.PutUpload(ctx, bytes.NewReader(pngImage(t, 256, 128)))
	require.NoError(t, err)
	assert.True(t, blob.ValidID(id))

	data, status, err := svc.GetOrFetchLocal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Hit, status)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())

	stored, err := blobs.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	_, _, err = svc.GetOrFetchLocal(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKindOf(t *testing.T) {
	assert.Nil(t, KindOf(nil))
	assert.Equal(t, ErrInternal, KindOf(errors.New("foreign")))
	assert.Equal(t, ErrNotFound, KindOf(newError(ErrNotFound, "op", errors.New("cause"))))

	err := newError(ErrUpstreamFetch, "proxy.Test", errors.New("dial tcp: refused"))
	assert.Equal(t, "proxy.Test: upstream fetch failed: dial tcp: refused", err.Error())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(newError(ErrInvalidInput, "op", nil)))
}

// prefixTransformer reads only the first few bytes of its input, as a
// decoder that stops after the header would.
type prefixTransformer struct{ n int }

func (p prefixTransformer) Transform(_ context.Context, src io.Reader, _, _ int) ([]byte, error) {
	buf := make([]byte, p.n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, err
	}
	return []byte("jpeg"), nil
}

func TestPutUpload_RejectedUploadStoresNothing(t *testing.T) {
	ctx := context.Background()
	store, err := cache.New(200, 10*time.Minute)
	require.NoError(t, err)
	blobs, err := blob.OpenDir(t.TempDir())
	require.NoError(t, err)

	svc := NewService(Deps{
		Limiter:     ratelimit.New(ratelimit.Config{}),
		Cache:       store,
		Coordinator: coordinator.New(store),
		Transformer: prefixTransformer{n: 4},
		Blobs:       blobs,
	}, Config{MaxUploadBytes: 16})

	for range 200 {
		_, err := svc.PutUpload(ctx, bytes.NewReader(make([]byte, 64)))
		require.ErrorIs(t, err, ErrUploadTooLarge)
	}

	records, err := blobs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, store.Len())

	id, err := svc.PutUpload(ctx, bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)
	assert.True(t, blob.ValidID(id))
}

func TestPutUpload_BrokenClientStoresNothing(t *testing.T) {
	f := newFixture(t, 60)
	f.transformer.EXPECT().Transform(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(prefixTransformer{n: 2}.Transform)
	// No Write expectation: the controller fails the test if one happens.

	body := io.MultiReader(strings.NewReader("head"), iotest.ErrReader(errors.New("connection reset")))
	_, err := f.svc.PutUpload(context.Background(), body)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "connection reset")
}
