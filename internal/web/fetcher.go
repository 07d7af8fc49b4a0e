// Package web downloads remote images.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/leonardcser/image-proxy/internal/logger"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 20 << 20
	// Concurrent requests allowed against a single domain.
	DefaultParallelism = 4
)

const acceptImage = "image/avif,image/webp,image/apng,image/*,text/html;q=0.5,*/*;q=0.3"

var (
	ErrInvalidURL = errors.New("web: url must be absolute http or https")
	ErrNotImage   = errors.New("web: response is not an image")
	ErrTooLarge   = errors.New("web: response body exceeds size limit")
)

// StatusError is returned when the upstream answers with a non-success status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("web: %s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

type Options struct {
	Timeout      time.Duration
	MaxBytes     int
	HostInterval time.Duration
	Parallelism  int
	UserAgents   *UserAgents
}

// Fetcher downloads image bytes. When a URL serves an HTML page, Fetcher
// follows the page's declared preview image once.
type Fetcher struct {
	c        *colly.Collector
	pacer    *HostPacer
	agents   *UserAgents
	maxBytes int
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.UserAgents == nil {
		opts.UserAgents = NewUserAgents()
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.Async(false),
		// One extra byte tells a body at the limit apart from a truncated one.
		colly.MaxBodySize(opts.MaxBytes+1),
	)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: opts.Parallelism,
	})
	c.SetRequestTimeout(opts.Timeout)

	return &Fetcher{
		c:        c,
		pacer:    NewHostPacer(opts.HostInterval, 0),
		agents:   opts.UserAgents,
		maxBytes: opts.MaxBytes,
	}
}

type response struct {
	url         string
	contentType string
	body        []byte
}

// Fetch returns the raw bytes of the image at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if isImage(resp) {
		return resp.body, nil
	}
	if !isHTML(resp) {
		return nil, fmt.Errorf("%w: %s served %q", ErrNotImage, resp.url, resp.contentType)
	}

	imgURL, err := ResolvePageImage(resp.body, resp.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotImage, resp.url, err)
	}
	logger.Debugf("resolved page %s to image %s", resp.url, imgURL)

	resp, err = f.get(ctx, imgURL)
	if err != nil {
		return nil, err
	}
	if !isImage(resp) {
		return nil, fmt.Errorf("%w: %s served %q", ErrNotImage, resp.url, resp.contentType)
	}
	return resp.body, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*response, error) {
	if err := f.pacer.Wait(ctx, rawURL); err != nil {
		return nil, err
	}

	// A clone shares the transport and limits but carries its own callbacks
	// and context, so concurrent fetches do not see each other's responses.
	c := f.c.Clone()
	c.Context = ctx

	var resp *response
	var statusErr error
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", f.agents.Next())
		r.Headers.Set("Accept", acceptImage)
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnResponse(func(r *colly.Response) {
		resp = &response{
			url:         r.Request.URL.String(),
			contentType: r.Headers.Get("Content-Type"),
			body:        r.Body,
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 300 {
			statusErr = &StatusError{URL: r.Request.URL.String(), Code: r.StatusCode}
		}
	})

	if err := c.Request(http.MethodGet, rawURL, nil, nil, nil); err != nil {
		if statusErr != nil {
			return nil, statusErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("web: get %s: %w", rawURL, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("web: get %s: no response", rawURL)
	}
	if len(resp.body) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, resp.url, f.maxBytes)
	}
	if len(resp.body) == 0 {
		return nil, fmt.Errorf("%w: %s returned an empty body", ErrNotImage, resp.url)
	}
	return resp, nil
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func isImage(r *response) bool {
	ct := strings.ToLower(r.contentType)
	if strings.HasPrefix(ct, "image/") && !strings.HasPrefix(ct, "image/svg") {
		return true
	}
	// Servers often mislabel images as octet-stream; trust the bytes.
	sniffed := http.DetectContentType(r.body)
	return strings.HasPrefix(sniffed, "image/") && !strings.HasPrefix(sniffed, "image/svg")
}

func isHTML(r *response) bool {
	ct := strings.ToLower(r.contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(r.body), "text/html")
}
