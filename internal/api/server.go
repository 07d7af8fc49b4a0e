// Package api exposes the image proxy over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leonardcser/image-proxy/internal/logger"
	"github.com/leonardcser/image-proxy/internal/proxy"
)

// ImageService is what the handlers need from proxy.Service.
type ImageService interface {
	GetOrFetchRemote(ctx context.Context, url, identity string) ([]byte, proxy.Status, error)
	GetOrFetchLocal(ctx context.Context, id string) ([]byte, proxy.Status, error)
	PutUpload(ctx context.Context, src io.Reader) (string, error)
	CheckRate(identity string) bool
	RetryAfter() time.Duration
}

type Options struct {
	// APIKey guards uploads. Uploads are refused while it is empty.
	APIKey string
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// CacheLen reports the number of cached images on /healthz.
	CacheLen func() int
	// IPExtractor derives the client identity; nil keeps echo's default,
	// which trusts X-Forwarded-For from anyone.
	IPExtractor echo.IPExtractor
}

// IPExtractor builds the client IP strategy for mode "xff", "proxy" or
// "direct". In "proxy" mode X-Forwarded-For is only believed when it comes
// from loopback, private ranges or one of the trusted CIDRs.
func IPExtractor(mode string, trusted []string) (echo.IPExtractor, error) {
	switch mode {
	case "", "xff":
		return nil, nil
	case "direct":
		return echo.ExtractIPDirect(), nil
	case "proxy":
		opts := make([]echo.TrustOption, 0, len(trusted))
		for _, cidr := range trusted {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
			}
			opts = append(opts, echo.TrustIPRange(ipnet))
		}
		return echo.ExtractIPFromXFFHeader(opts...), nil
	}
	return nil, fmt.Errorf("unknown client ip mode %q", mode)
}

// New builds the echo instance with every route and middleware installed.
func New(svc ImageService, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if opts.IPExtractor != nil {
		e.IPExtractor = opts.IPExtractor
	}

	h := &Handler{svc: svc, apiKey: opts.APIKey, cacheLen: opts.CacheLen}
	e.HTTPErrorHandler = h.handleError

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogError:     true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l := logger.With("request_id", v.RequestID, "ip", v.RemoteIP)
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if cs := c.Response().Header().Get(HeaderCache); cs != "" {
				attrs = append(attrs, "cache", cs)
			}
			if v.Error != nil && v.Status >= http.StatusInternalServerError {
				l.Error("request failed", append(attrs, "error", v.Error.Error())...)
				return nil
			}
			l.Info("request completed", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	for _, p := range []string{"/resize", "/resize/"} {
		e.GET(p, h.Resize)
	}
	// Authorization is checked before the method, so every method is routed here.
	for _, p := range []string{"/upload", "/upload/"} {
		e.Any(p, h.Upload)
	}
	for _, p := range []string{"/get", "/get/"} {
		e.GET(p, h.Get)
	}
	e.GET("/healthz", h.Health)
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return e
}
