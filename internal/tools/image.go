// Package tools holds the MCP tool handlers served by "image-proxy mcp".
package tools

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/image-proxy/internal/proxy"
)

// Identity is the rate-limit identity shared by every MCP caller.
const Identity = "mcp"

const mimeJPEG = "image/jpeg"

// ImageService is the part of proxy.Service the tools use.
type ImageService interface {
	GetOrFetchRemote(ctx context.Context, url, identity string) ([]byte, proxy.Status, error)
	GetOrFetchLocal(ctx context.Context, id string) ([]byte, proxy.Status, error)
}

type handlerFunc = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ImageResizeHandler returns the MCP tool handler for the "image-resize" tool.
func ImageResizeHandler(svc ImageService) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		url, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, status, err := svc.GetOrFetchRemote(ctx, url, Identity)
		if err != nil {
			return errorResult(err), nil
		}
		return imageResult(url, data, status), nil
	}
}

// ImageGetHandler returns the MCP tool handler for the "image-get" tool.
func ImageGetHandler(svc ImageService) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, status, err := svc.GetOrFetchLocal(ctx, id)
		if err != nil {
			return errorResult(err), nil
		}
		return imageResult(id, data, status), nil
	}
}

func imageResult(source string, data []byte, status proxy.Status) *mcp.CallToolResult {
	text := fmt.Sprintf("%s (%d bytes, cache %s)", source, len(data), status)
	return mcp.NewToolResultImage(text, base64.StdEncoding.EncodeToString(data), mimeJPEG)
}

// errorResult tells the client whether calling again later may help.
func errorResult(err error) *mcp.CallToolResult {
	if proxy.IsRetryable(err) {
		return mcp.NewToolResultError(err.Error() + " (temporary, retry later)")
	}
	return mcp.NewToolResultError(err.Error())
}
