// Package batchsink provides a small, stable root-level API for embedding the
// batching pipeline in another program.
//
// Instead of importing internal subpackages, consumers can just:
//
//	import "github.com/loykin/batchsink"
//
// and use batchsink.New with their own Sink implementation.
package batchsink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/batchsink/internal/accumulator"
	"github.com/loykin/batchsink/internal/metrics"
	"github.com/loykin/batchsink/internal/record"
)

// Record re-exports record.Record, the post carried through the pipeline.
type Record = record.Record

// Config re-exports accumulator.Config. This is a type alias, so it is fully
// compatible with the underlying type.
type Config = accumulator.Config

// RetryConfig re-exports accumulator.RetryConfig.
type RetryConfig = accumulator.RetryConfig

// Accumulator re-exports accumulator.Accumulator.
type Accumulator = accumulator.Accumulator

// Stats re-exports accumulator.Stats.
type Stats = accumulator.Stats

// Sink re-exports accumulator.Sink.
type Sink = accumulator.Sink

// SinkFunc adapts an ordinary function to Sink.
type SinkFunc = accumulator.SinkFunc

// PartialError is returned by a Sink that knows which records failed.
type PartialError = accumulator.PartialError

// Option re-exports accumulator.Option.
type Option = accumulator.Option

// Policy constants re-exported for convenient configuration.
const (
	OverflowDropOldest = accumulator.OverflowDropOldest
	OverflowReject     = accumulator.OverflowReject
	RequeueAll         = accumulator.RequeueAll
	RequeueFailed      = accumulator.RequeueFailed
)

// DefaultConfig returns the baseline batching configuration: 100 records or
// 5 seconds, whichever comes first.
func DefaultConfig() Config {
	var cfg Config
	cfg.Default()
	return cfg
}

// NewRecord trims and validates a record.
func NewRecord(title, content string) (Record, error) {
	return record.New(title, content)
}

// New starts an accumulator persisting to sink. It is a thin wrapper around
// accumulator.New.
func New(cfg Config, sink Sink, opts ...Option) (*Accumulator, error) {
	return accumulator.New(cfg, sink, opts...)
}

// WithName sets the sink label used in logs and metrics.
func WithName(name string) Option { return accumulator.WithName(name) }

// StartMetrics registers batchsink metrics on the default Prometheus registry
// and starts an HTTP server. It returns a stop function to gracefully shut
// down the metrics server.
func StartMetrics(addr string) (func() error, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	srv, err := metrics.Start(addr, "batchsink is running")
	if err != nil {
		return nil, err
	}
	return srv.Stop, nil
}
