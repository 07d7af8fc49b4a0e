// Package proxy sequences rate limiting, caching and single-flight population
// for the three things the image proxy does: resize a remote image, store an
// upload, and serve a stored image.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/cache"
	"github.com/leonardcser/image-proxy/internal/coordinator"
	"github.com/leonardcser/image-proxy/internal/logger"
	"github.com/leonardcser/image-proxy/internal/ratelimit"
	"github.com/leonardcser/image-proxy/internal/web"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks . Fetcher,Transformer,BlobStore

// Fetcher downloads the source bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Transformer bounds an image to maxWidth x maxHeight without enlarging it.
type Transformer interface {
	Transform(ctx context.Context, src io.Reader, maxWidth, maxHeight int) ([]byte, error)
}

// BlobStore persists uploads under generated ids.
type BlobStore interface {
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, data []byte) (string, error)
	List(ctx context.Context) ([]blob.Record, error)
	Delete(ctx context.Context, id string) error
}

// Status re-exports the coordinator's cache status.
type Status = coordinator.Status

const (
	Hit  = coordinator.Hit
	Miss = coordinator.Miss
)

const (
	DefaultMaxWidth       = 2048
	DefaultMaxHeight      = 2048
	DefaultMaxUploadBytes = 20 << 20
)

type Config struct {
	MaxWidth       int
	MaxHeight      int
	MaxUploadBytes int64
}

func (c Config) withDefaults() Config {
	if c.MaxWidth <= 0 {
		c.MaxWidth = DefaultMaxWidth
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = DefaultMaxHeight
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return c
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Limiter     *ratelimit.Limiter
	Cache       *cache.Store
	Coordinator *coordinator.Coordinator
	Fetcher     Fetcher
	Transformer Transformer
	Blobs       BlobStore
}

// Service holds no per-request state; it is safe for concurrent use.
type Service struct {
	limiter     *ratelimit.Limiter
	cache       *cache.Store
	coord       *coordinator.Coordinator
	fetcher     Fetcher
	transformer Transformer
	blobs       BlobStore
	cfg         Config
}

func NewService(d Deps, cfg Config) *Service {
	return &Service{
		limiter:     d.Limiter,
		cache:       d.Cache,
		coord:       d.Coordinator,
		fetcher:     d.Fetcher,
		transformer: d.Transformer,
		blobs:       d.Blobs,
		cfg:         cfg.withDefaults(),
	}
}

func RemoteKey(url string) string { return "url:" + url }
func LocalKey(id string) string   { return "id:" + id }

// CheckRate reports whether identity may make another request now.
func (s *Service) CheckRate(identity string) bool {
	return s.limiter.Allow(identity)
}

// RetryAfter is how long a rejected identity should wait at most.
func (s *Service) RetryAfter() time.Duration { return s.limiter.Window() }

// GetOrFetchRemote returns the bounded JPEG for the image at url, fetching
// and transforming it on a cache miss.
func (s *Service) GetOrFetchRemote(ctx context.Context, url, identity string) ([]byte, Status, error) {
	const op = "proxy.GetOrFetchRemote"

	if !s.CheckRate(identity) {
		return nil, Miss, newError(ErrRateLimited, op, nil)
	}
	if url == "" {
		return nil, Miss, newError(ErrInvalidInput, op, errors.New("missing url"))
	}
	if err := web.ValidateURL(url); err != nil {
		return nil, Miss, newError(ErrInvalidInput, op, err)
	}

	data, status, err := s.coord.GetOrPopulate(ctx, RemoteKey(url), func(pctx context.Context) ([]byte, error) {
		raw, err := s.fetcher.Fetch(pctx, url)
		if err != nil {
			return nil, newError(ErrUpstreamFetch, op, err)
		}
		out, err := s.transformer.Transform(pctx, bytes.NewReader(raw), s.cfg.MaxWidth, s.cfg.MaxHeight)
		if err != nil {
			return nil, newError(ErrTransform, op, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, status, classify(op, err)
	}
	return data, status, nil
}

// GetOrFetchLocal returns a stored upload, reading it from the blob store on
// a cache miss.
func (s *Service) GetOrFetchLocal(ctx context.Context, id string) ([]byte, Status, error) {
	const op = "proxy.GetOrFetchLocal"

	if id == "" {
		return nil, Miss, newError(ErrInvalidInput, op, errors.New("missing id"))
	}
	if !blob.ValidID(id) {
		return nil, Miss, newError(ErrInvalidInput, op, blob.ErrInvalidID)
	}

	data, status, err := s.coord.GetOrPopulate(ctx, LocalKey(id), func(pctx context.Context) ([]byte, error) {
		data, err := s.blobs.Read(pctx, id)
		switch {
		case errors.Is(err, blob.ErrNotFound):
			return nil, newError(ErrNotFound, op, err)
		case err != nil:
			return nil, newError(ErrInternal, op, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, status, classify(op, err)
	}
	return data, status, nil
}

// PutUpload transforms the image read from src, stores it and returns its id.
// The stored bytes are cached so the first read of the new id is a hit.
func (s *Service) PutUpload(ctx context.Context, src io.Reader) (string, error) {
	const op = "proxy.PutUpload"

	data, id, err := s.upload(ctx, src)
	if err != nil {
		return "", classify(op, err)
	}
	s.cache.Put(LocalKey(id), data)
	logger.Infof("stored upload %s (%d bytes)", id, len(data))
	return id, nil
}

func classify(op string, err error) error {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return err
	case errors.Is(err, coordinator.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newError(ErrTimeout, op, err)
	default:
		return newError(ErrInternal, op, err)
	}
}
