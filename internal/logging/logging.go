// Package logging configures the process-wide slog logger. Output goes to
// stdout, stderr or a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger options.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
	Output string `mapstructure:"output"` // stdout, stderr or file
	File   File   `mapstructure:"file"`
}

// File holds rotation settings used when Output is "file".
type File struct {
	Path string `mapstructure:"path"`
	// MaxSize is the size at which the file is rotated, e.g. "100MB".
	// lumberjack works in whole megabytes, so it is rounded up.
	MaxSize    datasize.ByteSize `mapstructure:"max-size"`
	MaxBackups int               `mapstructure:"max-backups"`
	MaxAgeDays int               `mapstructure:"max-age-days"`
	Compress   bool              `mapstructure:"compress"`
}

func (c *Config) Default() {
	c.Level = "info"
	c.Format = "text"
	c.Output = "stdout"
	c.File = File{MaxSize: 100 * datasize.MB, MaxBackups: 5, MaxAgeDays: 7}
}

func (c *Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s", c.Format)
	}
	switch c.Output {
	case "", "stdout", "stderr":
	case "file":
		if c.File.Path == "" {
			return fmt.Errorf("log.file.path must be set when log.output is 'file'")
		}
		if c.File.MaxSize > 0 && c.File.MaxSize < datasize.MB {
			return fmt.Errorf("log.file.max-size must be at least 1MB, got %s", c.File.MaxSize.HR())
		}
	default:
		return fmt.Errorf("invalid log.output: %s", c.Output)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log.level: %s", s)
	}
}

// New builds a logger from cfg. The returned closer releases the log file
// and is never nil.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := parseLevel(cfg.Level)

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stderr":
		w = os.Stderr
	case "file":
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    megabytes(cfg.File.MaxSize),
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		w, closer = lj, lj
	}
	return slog.New(newHandler(w, cfg.Format, level)), closer, nil
}

// Setup installs the logger built from cfg as the slog default.
func Setup(cfg Config) (io.Closer, error) {
	logger, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// megabytes converts size to lumberjack's unit. Zero keeps lumberjack's default.
func megabytes(size datasize.ByteSize) int {
	if size == 0 {
		return 0
	}
	return int(math.Ceil(size.MBytes()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
