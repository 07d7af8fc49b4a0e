// Command image-proxy serves resized images over HTTP or as MCP tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonardcser/image-proxy/internal/config"
	"github.com/leonardcser/image-proxy/internal/logger"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "image-proxy",
	Short: "Caching image resize proxy",
	Long: `image-proxy fetches remote images or stored uploads, fits them inside a
bounding box, re-encodes them as JPEG and keeps the results in a small
in-memory cache.

  image-proxy serve            # HTTP API on http.addr
  image-proxy mcp              # MCP tools on stdio`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./image-proxy.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("blob-backend", "", "upload storage: dir, bolt, socket or redis")

	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("blob.backend", rootCmd.PersistentFlags().Lookup("blob-backend"))

	rootCmd.AddCommand(serveCmd, mcpCmd)
}

func initConfig() error {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := cfg.Log.Path
	if env := os.Getenv("IMAGE_PROXY_LOG"); path == "" && env != "" {
		path = env
	}
	if err := logger.Configure(logger.Options{Path: path, Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	logger.L().Debug("configuration loaded",
		"config_file", v.ConfigFileUsed(),
		"blob_backend", cfg.Blob.Backend,
		"cache_capacity", cfg.Cache.Capacity,
		"cache_ttl", cfg.Cache.TTL,
	)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
