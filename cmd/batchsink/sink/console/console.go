// Package console writes batches as JSON lines to stdout, stderr or a file.
// A file can be gzip compressed, with one gzip member per batch.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/internal/record"
)

// writerSink encodes each record as one JSON line.
type writerSink struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	compress bool
}

// New returns a console sink writing to stdout or stderr depending on stream.
func New(stream string) common.Sink {
	w := os.Stdout
	if stream == "stderr" {
		w = os.Stderr
	}
	return &writerSink{w: w}
}

// NewWriter returns a sink writing to w. Close does not close w.
func NewWriter(w io.Writer) common.Sink {
	return &writerSink{w: w}
}

// NewFile opens path for appending and returns a sink writing to it.
func NewFile(path string) (common.Sink, error) {
	if path == "" {
		return nil, errors.New("file sink requires a path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &writerSink{w: f, closer: f}, nil
}

// NewGzipFile is NewFile with every batch appended as a gzip member. The
// result reads back as a single stream with any gzip reader.
func NewGzipFile(path string) (common.Sink, error) {
	s, err := NewFile(path)
	if err != nil {
		return nil, err
	}
	s.(*writerSink).compress = true
	return s, nil
}

// Persist writes the whole batch with a single buffered flush.
func (s *writerSink) Persist(ctx context.Context, batch []record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bw := bufio.NewWriter(s.w)
	var (
		w  io.Writer = bw
		gz *gzip.Writer
	)
	if s.compress {
		var err error
		if gz, err = gzip.NewWriterLevel(bw, gzip.BestSpeed); err != nil {
			return err
		}
		w = gz
	}
	enc := json.NewEncoder(w)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (s *writerSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
