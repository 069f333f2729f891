package accumulator

import (
	"errors"
	"fmt"
	"time"
)

// Overflow policies applied when MaxBuffered is reached.
const (
	OverflowDropOldest = "drop-oldest"
	OverflowReject     = "reject"
)

// Requeue policies applied after a failed flush.
const (
	RequeueAll    = "all"
	RequeueFailed = "failed"
)

// RetryConfig enables exponential backoff between failed flushes.
type RetryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial-interval"`
	MaxInterval     time.Duration `mapstructure:"max-interval"`
}

// Config tunes batching. BatchSize and FlushInterval are required; the rest
// are optional hardening knobs that default to the unbounded baseline.
type Config struct {
	BatchSize     int           `mapstructure:"batch-size"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	// FlushTimeout bounds a single persist call. Zero disables the timeout.
	FlushTimeout time.Duration `mapstructure:"flush-timeout"`
	// MaxBuffered caps the buffer. Zero means unbounded.
	MaxBuffered int         `mapstructure:"max-buffered"`
	Overflow    string      `mapstructure:"overflow"`
	Requeue     string      `mapstructure:"requeue"`
	Retry       RetryConfig `mapstructure:"retry"`
	Include     []string    `mapstructure:"include"`
	Exclude     []string    `mapstructure:"exclude"`
}

func (c *Config) Default() {
	c.BatchSize = 100
	c.FlushInterval = 5 * time.Second
	c.FlushTimeout = 10 * time.Second
	c.MaxBuffered = 0
	c.Overflow = OverflowDropOldest
	c.Requeue = RequeueAll
	c.Retry = RetryConfig{
		Enabled:         false,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Validate checks the batching configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch.batch-size must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("batch.flush-interval must be > 0")
	}
	if c.FlushTimeout < 0 {
		return errors.New("batch.flush-timeout must be >= 0")
	}
	if c.MaxBuffered < 0 {
		return errors.New("batch.max-buffered must be >= 0")
	}
	if c.MaxBuffered > 0 && c.MaxBuffered < c.BatchSize {
		return fmt.Errorf("batch.max-buffered (%d) must be >= batch.batch-size (%d)", c.MaxBuffered, c.BatchSize)
	}
	switch c.Overflow {
	case "", OverflowDropOldest, OverflowReject:
	default:
		return fmt.Errorf("invalid batch.overflow: %s", c.Overflow)
	}
	switch c.Requeue {
	case "", RequeueAll, RequeueFailed:
	default:
		return fmt.Errorf("invalid batch.requeue: %s", c.Requeue)
	}
	if _, err := newFilter(c.Include, c.Exclude); err != nil {
		return fmt.Errorf("batch filter: %w", err)
	}
	if c.Retry.Enabled {
		if c.Retry.InitialInterval <= 0 {
			return errors.New("batch.retry.initial-interval must be > 0")
		}
		if c.Retry.MaxInterval < c.Retry.InitialInterval {
			return errors.New("batch.retry.max-interval must be >= initial-interval")
		}
	}
	return nil
}
