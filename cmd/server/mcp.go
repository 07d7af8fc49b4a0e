package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/leonardcser/image-proxy/internal/logger"
	"github.com/leonardcser/image-proxy/internal/tools"
)

var version = "0.1.0"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the image tools over MCP stdio",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.sweeper.Run(ctx)

	s := newMCPServer(a)
	logger.Infof("Starting MCP server on stdio")
	if err := server.ServeStdio(s); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("server error: %v", err)
		return err
	}
	return nil
}

func newMCPServer(a *app) *server.MCPServer {
	s := server.NewMCPServer(
		"Image Proxy",
		version,
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)

	resize := mcp.NewTool("image-resize",
		mcp.WithDescription(multiline(
			"Fetches an image from a URL and returns it resized as JPEG",
			"\nFunctionality:",
			"- Takes an image URL, or a page URL whose og:image points at an image",
			"- Scales the image down to fit the configured bounding box, never up",
			"- Returns the JPEG bytes as image content",
			"\nUsage notes:",
			"- The URL must be a fully-formed http or https URL",
			"- Results are cached in memory, so repeated calls are fast",
		)),
		mcp.WithString("url", mcp.Required(), mcp.Description("The image URL to fetch")),
	)
	s.AddTool(resize, tools.ImageResizeHandler(a.service))

	get := mcp.NewTool("image-get",
		mcp.WithDescription(multiline(
			"Returns a previously uploaded image, resized as JPEG",
			"\nUsage notes:",
			"- The id is the fileName returned by the HTTP upload endpoint",
		)),
		mcp.WithString("id", mcp.Required(), mcp.Description("The upload identifier")),
	)
	s.AddTool(get, tools.ImageGetHandler(a.service))
	logger.Infof("Registered image-resize and image-get tools")
	return s
}

// multiline joins lines with newlines for tool descriptions.
func multiline(lines ...string) string { return strings.Join(lines, "\n") }
