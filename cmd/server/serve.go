package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/leonardcser/image-proxy/internal/api"
	"github.com/leonardcser/image-proxy/internal/logger"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8000)")
	_ = v.BindPFlag("http.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.sweeper.Run(ctx)

	extractor, err := api.IPExtractor(cfg.HTTP.ClientIP, cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	e := api.New(a.service, api.Options{
		APIKey:      cfg.Upload.APIKey,
		Gatherer:    a.registry,
		CacheLen:    a.cache.Len,
		IPExtractor: extractor,
	})
	if cfg.Upload.APIKey == "" {
		logger.Warnf("upload.api_key is not set; uploads are disabled")
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	if cfg.HTTP.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.HTTP.MaxConns)
	}
	e.Listener = ln

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", ln.Addr())
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
