// Package config loads image-proxy settings from defaults, an optional YAML
// file, .env and IMAGE_PROXY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "IMAGE_PROXY"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Transform TransformConfig `mapstructure:"transform"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retention RetentionConfig `mapstructure:"retention"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	MaxConns int    `mapstructure:"max_conns" validate:"gte=0"`
	// ClientIP picks the rate-limit identity: "xff" trusts any
	// X-Forwarded-For, "proxy" only from TrustedProxies and private
	// ranges, "direct" uses the socket address.
	ClientIP       string   `mapstructure:"client_ip" validate:"oneof=xff proxy direct"`
	TrustedProxies []string `mapstructure:"trusted_proxies" validate:"dive,cidr"`
}

type CacheConfig struct {
	Capacity int           `mapstructure:"capacity" validate:"gt=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxBytes     int           `mapstructure:"max_bytes" validate:"gt=0"`
	HostInterval time.Duration `mapstructure:"host_interval" validate:"gte=0"`
}

type TransformConfig struct {
	MaxWidth  int `mapstructure:"max_width" validate:"gt=0"`
	MaxHeight int `mapstructure:"max_height" validate:"gt=0"`
	Quality   int `mapstructure:"quality" validate:"gte=1,lte=100"`
}

type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window" validate:"gt=0"`
	Limit         int           `mapstructure:"limit" validate:"gt=0"`
	MaxIdentities int           `mapstructure:"max_identities" validate:"gt=0"`
	Bypass        []string      `mapstructure:"bypass"`
	BypassFile    string        `mapstructure:"bypass_file"`
}

type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxAge  time.Duration `mapstructure:"max_age" validate:"gt=0"`
}

type SweepConfig struct {
	// Zero means "same as cache.ttl".
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
}

type BlobConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=dir bolt socket redis"`
	Dir       string `mapstructure:"dir" validate:"required_if=Backend dir"`
	BoltPath  string `mapstructure:"bolt_path" validate:"required_if=Backend bolt"`
	Socket    string `mapstructure:"socket" validate:"required_if=Backend socket"`
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
}

type UploadConfig struct {
	APIKey   string `mapstructure:"api_key"`
	MaxBytes int64  `mapstructure:"max_bytes" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	Path   string `mapstructure:"path"`
}

// SetDefaults registers every key so environment variables resolve even
// when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.max_conns", 1024)
	v.SetDefault("http.client_ip", "xff")
	v.SetDefault("http.trusted_proxies", []string{})

	v.SetDefault("cache.capacity", 200)
	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_bytes", 20<<20)
	v.SetDefault("fetch.host_interval", time.Duration(0))

	v.SetDefault("transform.max_width", 2048)
	v.SetDefault("transform.max_height", 2048)
	v.SetDefault("transform.quality", 85)

	v.SetDefault("rate_limit.window", 60*time.Second)
	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.max_identities", 10000)
	v.SetDefault("rate_limit.bypass", []string{})
	v.SetDefault("rate_limit.bypass_file", "")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.max_age", 8*24*time.Hour)

	v.SetDefault("sweep.interval", time.Duration(0))

	v.SetDefault("blob.backend", "dir")
	v.SetDefault("blob.dir", "./uploads")
	v.SetDefault("blob.bolt_path", "./uploads.bbolt")
	v.SetDefault("blob.socket", DefaultSocketPath())
	v.SetDefault("blob.redis_addr", "localhost:6379")

	v.SetDefault("upload.api_key", "")
	v.SetDefault("upload.max_bytes", 20<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.path", "")
}

// DefaultSocketPath is where the blob daemon listens unless configured otherwise.
func DefaultSocketPath() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "image-proxy", "blob.sock")
}

// Load reads configuration into v and returns the validated result. Flags
// bound to v by the caller take precedence over everything else.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("image-proxy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/image-proxy")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Older deployments set the upload key as plain API_KEY.
	_ = v.BindEnv("upload.api_key", EnvPrefix+"_UPLOAD_API_KEY", "API_KEY")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.RateLimit.BypassFile != "" {
		ids, err := LoadBypassFile(cfg.RateLimit.BypassFile)
		if err != nil {
			return nil, err
		}
		cfg.RateLimit.Bypass = append(cfg.RateLimit.Bypass, ids...)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

// SweepInterval resolves the zero default to the cache TTL.
func (c *Config) SweepInterval() time.Duration {
	if c.Sweep.Interval > 0 {
		return c.Sweep.Interval
	}
	return c.Cache.TTL
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}
