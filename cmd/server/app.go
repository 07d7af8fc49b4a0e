package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/cache"
	"github.com/leonardcser/image-proxy/internal/config"
	"github.com/leonardcser/image-proxy/internal/coordinator"
	"github.com/leonardcser/image-proxy/internal/logger"
	"github.com/leonardcser/image-proxy/internal/metrics"
	"github.com/leonardcser/image-proxy/internal/proxy"
	"github.com/leonardcser/image-proxy/internal/ratelimit"
	"github.com/leonardcser/image-proxy/internal/sweeper"
	"github.com/leonardcser/image-proxy/internal/transform"
	"github.com/leonardcser/image-proxy/internal/web"
)

// app holds everything both front ends share.
type app struct {
	registry *prometheus.Registry
	cache    *cache.Store
	limiter  *ratelimit.Limiter
	blobs    blob.Store
	service  *proxy.Service
	sweeper  *sweeper.Sweeper
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg)

	store, err := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL, cache.WithMetrics(rec))
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		Limit:         cfg.RateLimit.Limit,
		MaxIdentities: cfg.RateLimit.MaxIdentities,
		Bypass:        cfg.RateLimit.Bypass,
	}, ratelimit.WithMetrics(rec))
	coord := coordinator.New(store, coordinator.WithTimeout(cfg.Fetch.Timeout), coordinator.WithMetrics(rec))

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("opening %s blob store: %w", cfg.Blob.Backend, err)
	}

	fetcher := web.NewFetcher(web.Options{
		Timeout:      cfg.Fetch.Timeout,
		MaxBytes:     cfg.Fetch.MaxBytes,
		HostInterval: cfg.Fetch.HostInterval,
	})

	svc := proxy.NewService(proxy.Deps{
		Limiter:     limiter,
		Cache:       store,
		Coordinator: coord,
		Fetcher:     fetcher,
		Transformer: transform.New(cfg.Transform.Quality),
		Blobs:       blobs,
	}, proxy.Config{
		MaxWidth:       cfg.Transform.MaxWidth,
		MaxHeight:      cfg.Transform.MaxHeight,
		MaxUploadBytes: cfg.Upload.MaxBytes,
	})

	sw := sweeper.New(store, limiter, blobs, sweeper.Config{
		Interval:     cfg.SweepInterval(),
		Retention:    cfg.Retention.Enabled,
		RetentionAge: cfg.Retention.MaxAge,
	})

	logger.Infof("Initialized image service: cache %d entries / %s, limit %d per %s, %s blobs",
		cfg.Cache.Capacity, cfg.Cache.TTL, cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.Blob.Backend)

	return &app{
		registry: reg,
		cache:    store,
		limiter:  limiter,
		blobs:    blobs,
		service:  svc,
		sweeper:  sw,
	}, nil
}

func (a *app) Close() error {
	return a.blobs.Close()
}

func openBlobs(ctx context.Context, c config.BlobConfig) (blob.Store, error) {
	switch c.Backend {
	case "dir":
		return blob.OpenDir(c.Dir)
	case "bolt":
		return blob.OpenBolt(c.BoltPath, blob.BoltOptions{})
	case "redis":
		return blob.OpenRedis(ctx, c.RedisAddr, blob.RedisOptions{})
	case "socket":
		return connectDaemon(ctx, c.Socket)
	}
	return nil, fmt.Errorf("unknown blob backend %q", c.Backend)
}
