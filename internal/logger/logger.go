package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes a rotated log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config controls the supervisor's own structured logging.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text, json or color
	File   FileConfig `mapstructure:"file"`   // optional mirror to a rotated file
}

// Writer returns a rotating writer for the configured file, or nil when no path is set.
func (c FileConfig) Writer() io.WriteCloser {
	if c.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a slog.Logger writing to stderr and, when configured, to the
// rotated file. The returned closer releases the file writer.
func New(c Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	if stderr == nil {
		stderr = os.Stderr
	}
	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if fw := c.File.Writer(); fw != nil {
		if dir := filepath.Dir(c.File.Path); dir != "" {
			_ = os.MkdirAll(dir, 0o750)
		}
		out = io.MultiWriter(stderr, fw)
		closer = fw
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "color":
		h = NewColorTextHandler(out, opts, true)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer
}

// Setup builds the logger and installs it as the slog default.
func Setup(c Config) io.Closer {
	l, closer := New(c, nil)
	slog.SetDefault(l)
	return closer
}

// ProcessLogConfig describes the single append-only file receiving the
// managed process's stdout and stderr.
type ProcessLogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // 0 disables rotation
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// OpenProcessLog truncates the log file and returns a writer appending to it.
// With MaxSizeMB > 0 the writer rotates through lumberjack; otherwise a plain
// file is returned so the child writes to it directly.
func OpenProcessLog(c ProcessLogConfig) (io.WriteCloser, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("process log path is empty")
	}
	clean := filepath.Clean(c.Path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}
	if c.MaxSizeMB <= 0 {
		return f, nil
	}
	_ = f.Close()
	return &lj.Logger{
		Filename:   clean,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
