package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/image-proxy/internal/blob"
	"github.com/leonardcser/image-proxy/internal/config"
)

func TestOpenBlobs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		cfg  config.BlobConfig
	}{
		{"dir", config.BlobConfig{Backend: "dir", Dir: filepath.Join(dir, "uploads")}},
		{"bolt", config.BlobConfig{Backend: "bolt", BoltPath: filepath.Join(dir, "uploads.bbolt")}},
		{"redis", config.BlobConfig{Backend: "redis", RedisAddr: mr.Addr()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openBlobs(ctx, tt.cfg)
			require.NoError(t, err)
			defer store.Close()

			id, err := store.Write(ctx, []byte("jpeg"))
			require.NoError(t, err)
			got, err := store.Read(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte("jpeg"), got)
		})
	}

	_, err := openBlobs(ctx, config.BlobConfig{Backend: "s3"})
	assert.Error(t, err)
}

func TestConnectDaemon_UsesRunningDaemon(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "blob.sock")
	store, err := blob.OpenDir(t.TempDir())
	require.NoError(t, err)

	l, err := listenUnix(t, sock)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = blob.Serve(ctx, l, store) }()

	client, err := connectDaemon(ctx, sock)
	require.NoError(t, err)

	id, err := client.Write(ctx, []byte("jpeg"))
	require.NoError(t, err)
	got, err := client.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), got)
}

func TestNewApp(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("IMAGE_PROXY_CACHE_TTL", "1m")

	loaded, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	a, err := newApp(context.Background(), loaded)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, time.Minute, a.cache.TTL())
	assert.Equal(t, 0, a.cache.Len())
	assert.NotNil(t, newMCPServer(a))

	mfs, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func listenUnix(t *testing.T, sock string) (net.Listener, error) {
	t.Helper()
	l, err := net.Listen("unix", sock)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, nil
}
