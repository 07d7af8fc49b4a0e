package tools

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/image-proxy/internal/proxy"
)

type fakeService struct {
	remote   map[string][]byte
	local    map[string][]byte
	identity string
	err      error
}

func (f *fakeService) GetOrFetchRemote(_ context.Context, url, identity string) ([]byte, proxy.Status, error) {
	f.identity = identity
	if f.err != nil {
		return nil, proxy.Miss, f.err
	}
	return f.remote[url], proxy.Miss, nil
}

func (f *fakeService) GetOrFetchLocal(_ context.Context, id string) ([]byte, proxy.Status, error) {
	if f.err != nil {
		return nil, proxy.Miss, f.err
	}
	return f.local[id], proxy.Hit, nil
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func imageOf(t *testing.T, res *mcp.CallToolResult) mcp.ImageContent {
	t.Helper()
	require.False(t, res.IsError)
	for _, c := range res.Content {
		if img, ok := c.(mcp.ImageContent); ok {
			return img
		}
	}
	t.Fatalf("no image content in %+v", res.Content)
	return mcp.ImageContent{}
}

func TestImageResizeHandler(t *testing.T) {
	svc := &fakeService{remote: map[string][]byte{"https://example.com/a.png": []byte("jpeg")}}
	h := ImageResizeHandler(svc)

	res, err := h(context.Background(), call(map[string]any{"url": "https://example.com/a.png"}))
	require.NoError(t, err)
	img := imageOf(t, res)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg")), img.Data)
	assert.Equal(t, Identity, svc.identity)
}

func TestImageGetHandler(t *testing.T) {
	svc := &fakeService{local: map[string][]byte{"abc123": []byte("stored")}}
	h := ImageGetHandler(svc)

	res, err := h(context.Background(), call(map[string]any{"id": "abc123"}))
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("stored")), imageOf(t, res).Data)
}

func TestHandlers_ErrorsBecomeToolResults(t *testing.T) {
	failing := &fakeService{err: &proxy.Error{Kind: proxy.ErrNotFound, Op: "proxy.GetOrFetchLocal"}}

	tests := []struct {
		name string
		h    handlerFunc
		args map[string]any
	}{
		{"resize missing url", ImageResizeHandler(failing), map[string]any{}},
		{"get missing id", ImageGetHandler(failing), map[string]any{}},
		{"resize service error", ImageResizeHandler(failing), map[string]any{"url": "https://example.com/x.png"}},
		{"get service error", ImageGetHandler(failing), map[string]any{"id": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.h(context.Background(), call(tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
}

func TestHandlers_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ImageResizeHandler(&fakeService{})(ctx, call(map[string]any{"url": "https://example.com/a.png"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandlers_RetryableErrorsSaySo(t *testing.T) {
	limited := &fakeService{err: &proxy.Error{Kind: proxy.ErrRateLimited, Op: "proxy.GetOrFetchRemote"}}
	res, err := ImageResizeHandler(limited)(context.Background(), call(map[string]any{"url": "https://example.com/a.png"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "retry later")

	missing := &fakeService{err: &proxy.Error{Kind: proxy.ErrNotFound, Op: "proxy.GetOrFetchLocal"}}
	res, err = ImageGetHandler(missing)(context.Background(), call(map[string]any{"id": "abc"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.NotContains(t, resultText(t, res), "retry later")
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range res.Content {
		if txt, ok := c.(mcp.TextContent); ok {
			return txt.Text
		}
	}
	t.Fatalf("no text content in %+v", res.Content)
	return ""
}
