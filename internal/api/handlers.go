package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"github.com/leonardcser/image-proxy/internal/logger"
	"github.com/leonardcser/image-proxy/internal/proxy"
)

const (
	HeaderCache = "X-Cache"
	contentJPEG = "image/jpeg"
)

type Handler struct {
	svc      ImageService
	apiKey   string
	cacheLen func() int
}

type errorResponse struct {
	Error string `json:"error"`
}

type uploadResponse struct {
	Message  string `json:"message"`
	FileName string `json:"fileName"`
}

// Resize serves GET /resize?url=<image url>.
func (h *Handler) Resize(c echo.Context) error {
	data, status, err := h.svc.GetOrFetchRemote(c.Request().Context(), remoteURL(c.Request()), c.RealIP())
	if err != nil {
		return err
	}
	return sendImage(c, data, status)
}

// Get serves GET /get?id=<upload id>.
func (h *Handler) Get(c echo.Context) error {
	data, status, err := h.svc.GetOrFetchLocal(c.Request().Context(), c.QueryParam("id"))
	if err != nil {
		return err
	}
	return sendImage(c, data, status)
}

// Upload serves POST /upload with the raw image as the body.
func (h *Handler) Upload(c echo.Context) error {
	if !h.authorized(c.Request().Header.Get(echo.HeaderAuthorization)) {
		return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
	}
	if c.Request().Method != http.MethodPost {
		return echo.ErrMethodNotAllowed
	}
	if !h.svc.CheckRate(c.RealIP()) {
		return &proxy.Error{Kind: proxy.ErrRateLimited, Op: "api.Upload"}
	}

	id, err := h.svc.PutUpload(c.Request().Context(), c.Request().Body)
	if err != nil {
		return err
	}
	logger.With("request_id", requestID(c)).Info("uploaded image", "id", id)
	return c.JSON(http.StatusOK, uploadResponse{Message: "Success", FileName: id})
}

func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if h.cacheLen != nil {
		body["cache_entries"] = h.cacheLen()
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) authorized(header string) bool {
	if h.apiKey == "" {
		return false
	}
	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}

// remoteURL accepts both an encoded url parameter and the older form where
// everything after "url=" is the target, including unescaped '&'.
func remoteURL(r *http.Request) string {
	raw := r.URL.RawQuery
	if rest, ok := strings.CutPrefix(raw, "url="); ok {
		if u, err := url.PathUnescape(rest); err == nil {
			return u
		}
	}
	return r.URL.Query().Get("url")
}

func etag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}

func sendImage(c echo.Context, data []byte, status proxy.Status) error {
	tag := etag(data)
	hdr := c.Response().Header()
	hdr.Set(HeaderCache, string(status))
	hdr.Set("ETag", tag)
	hdr.Set("Cache-Control", "public, max-age=600")
	if match := c.Request().Header.Get("If-None-Match"); match != "" && etagMatches(match, tag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(http.StatusOK, contentJPEG, data)
}

func etagMatches(header, tag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// handleError renders every error as {"error": msg} with a status derived
// from the proxy error kind.
func (h *Handler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, msg := h.describe(err)
	if status == http.StatusTooManyRequests {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(h.svc.RetryAfter().Seconds())))
	}
	if status >= http.StatusInternalServerError {
		logger.With("request_id", requestID(c)).Error("request error", "status", status, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: msg})
	}
	if err != nil {
		logger.Warnf("writing error response: %v", err)
	}
}

func (h *Handler) describe(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusNotFound:
			return he.Code, "Endpoint not found"
		case http.StatusMethodNotAllowed:
			return he.Code, "Method not allowed"
		}
		if m, ok := he.Message.(string); ok {
			return he.Code, m
		}
		return he.Code, http.StatusText(he.Code)
	}

	switch proxy.KindOf(err) {
	case proxy.ErrInvalidInput:
		if errors.Is(err, proxy.ErrUploadTooLarge) {
			return http.StatusRequestEntityTooLarge, "Upload too large"
		}
		return http.StatusBadRequest, "Invalid input" + cause(err)
	case proxy.ErrRateLimited:
		return http.StatusTooManyRequests, "Too many requests"
	case proxy.ErrUpstreamFetch:
		return http.StatusBadGateway, "Failed to fetch image"
	case proxy.ErrTransform:
		return http.StatusUnprocessableEntity, "Invalid image"
	case proxy.ErrNotFound:
		return http.StatusNotFound, "Image not found"
	case proxy.ErrTimeout:
		return http.StatusGatewayTimeout, "Timed out"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func cause(err error) string {
	var pe *proxy.Error
	if errors.As(err, &pe) && pe.Err != nil {
		return ": " + pe.Err.Error()
	}
	return ""
}
