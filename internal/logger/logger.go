package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Environment variable to configure log file path.
const envLogPath = "IMAGE_PROXY_LOG"

// Options select where and how log lines are written. An empty Path writes
// to stderr, which keeps stdout free for the MCP stdio transport.
type Options struct {
	Path   string
	Level  string // debug, info, warn, error
	Format string // text or json
}

var (
	mu      sync.Mutex
	std     atomic.Pointer[slog.Logger]
	logFile *os.File
)

// InitFromEnv initializes the logger using IMAGE_PROXY_LOG, or stderr when unset.
func InitFromEnv() error {
	return Configure(Options{Path: os.Getenv(envLogPath)})
}

// Configure replaces the active logger. It creates parent directories for a
// file path and opens the file in append mode.
func Configure(o Options) error {
	level, err := parseLevel(o.Level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	var f *os.File
	if o.Path != "" {
		if err := ensureParentDir(o.Path); err != nil {
			return err
		}
		f, err = os.OpenFile(o.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w = f
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(o.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		if f != nil {
			_ = f.Close()
		}
		return fmt.Errorf("logger: unknown format %q", o.Format)
	}

	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	std.Store(slog.New(h))
	return nil
}

// Close closes the underlying log file, if open, and falls back to stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	std.Store(nil)
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// L returns the active structured logger.
func L() *slog.Logger {
	if l := std.Load(); l != nil {
		return l
	}
	// Fallback: initialize with default if not already.
	if err := InitFromEnv(); err != nil {
		return slog.Default()
	}
	return std.Load()
}

// With returns a logger that adds args to every record.
func With(args ...any) *slog.Logger { return L().With(args...) }

// Printf logs a formatted message at info level.
func Printf(format string, args ...any) { L().Info(fmt.Sprintf(format, args...)) }

func Debugf(format string, args ...any) { L().Debug(fmt.Sprintf(format, args...)) }

// Infof logs informational messages.
func Infof(format string, args ...any) { L().Info(fmt.Sprintf(format, args...)) }

// Warnf logs warnings.
func Warnf(format string, args ...any) { L().Warn(fmt.Sprintf(format, args...)) }

// Errorf logs errors.
func Errorf(format string, args ...any) { L().Error(fmt.Sprintf(format, args...)) }

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
