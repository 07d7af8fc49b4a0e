package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/logger"
)

const (
	daemonBinary       = "image-proxy-blob"
	daemonStartWait    = 5 * time.Second
	daemonPollEvery    = 200 * time.Millisecond
	daemonProbeTimeout = 200 * time.Millisecond
)

// connectDaemon returns a client for the blob daemon at sock, starting the
// daemon first if nothing answers there.
func connectDaemon(ctx context.Context, sock string) (*blob.Client, error) {
	logger.Infof("Attempting to connect to blob daemon at %s", sock)
	client := blob.NewClient(sock)
	err := probe(ctx, client)
	if err == nil {
		logger.Infof("Connected to blob daemon")
		return client, nil
	}

	logger.Warnf("Failed to connect to blob daemon: %v, attempting to start daemon", err)
	if startErr := startDaemon(sock); startErr != nil {
		logger.Errorf("Failed to start blob daemon: %v", startErr)
		return nil, startErr
	}

	deadline := time.Now().Add(daemonStartWait)
	for time.Now().Before(deadline) {
		if err = probe(ctx, client); err == nil {
			logger.Infof("Blob daemon started, connected at %s", sock)
			return client, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(daemonPollEvery):
		}
	}
	return nil, err
}

func probe(ctx context.Context, c *blob.Client) error {
	ctx, cancel := context.WithTimeout(ctx, daemonProbeTimeout)
	defer cancel()
	return c.Ping(ctx)
}

// startDaemon looks for the daemon next to this executable, then on PATH,
// then in the working directory.
func startDaemon(sock string) error {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), daemonBinary))
	}
	if path, err := exec.LookPath(daemonBinary); err == nil {
		candidates = append(candidates, path)
	}
	candidates = append(candidates, "./"+daemonBinary)

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cmd := exec.Command(path, "--socket", sock)
		cmd.Env = os.Environ()
		return cmd.Start()
	}
	return exec.ErrNotFound
}
