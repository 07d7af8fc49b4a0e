// Command blob-server keeps uploaded images in a bbolt file (or a directory)
// and serves them to image-proxy over a Unix socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/config"
	"github.com/leonardcser/image-proxy/internal/logger"
)

var (
	sockPath string
	dbPath   string
	dirPath  string
)

var rootCmd = &cobra.Command{
	Use:           "image-proxy-blob",
	Short:         "Blob daemon for image-proxy uploads",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&sockPath, "socket", defaultString(os.Getenv("IMAGE_PROXY_BLOB_SOCK"), config.DefaultSocketPath()), "unix socket to listen on")
	rootCmd.Flags().StringVar(&dbPath, "db", defaultString(os.Getenv("IMAGE_PROXY_BLOB_DB"), defaultDBPath()), "bbolt database file")
	rootCmd.Flags().StringVar(&dirPath, "dir", os.Getenv("IMAGE_PROXY_BLOB_DIR"), "store blobs as files in this directory instead of bbolt")
}

func run(cmd *cobra.Command, _ []string) error {
	if err := logger.InitFromEnv(); err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := listen(sockPath)
	if err != nil {
		return err
	}
	defer os.Remove(sockPath)

	logger.Infof("Blob daemon listening on %s", sockPath)
	return blob.Serve(ctx, l, store)
}

func openStore() (blob.Store, error) {
	if dirPath != "" {
		logger.Infof("Storing blobs in directory %s", dirPath)
		return blob.OpenDir(dirPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	logger.Infof("Storing blobs in %s", dbPath)
	return blob.OpenBolt(dbPath, blob.BoltOptions{})
}

// listen removes a stale socket left by a previous run and restricts the
// new one to the current user.
func listen(sock string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(sock), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(sock)

	l, err := net.Listen("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", sock, err)
	}
	_ = os.Chmod(sock, 0o600)
	return l, nil
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "image-proxy", "blobs.bbolt")
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
