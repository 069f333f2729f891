// Package file follows a newline-delimited JSON file and hands every decoded
// record to a handler. The file is polled with exponential backoff while it
// is idle, and the read position can be kept in an offset store so a restart
// resumes after the last complete line.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/batchsink/internal/record"
	"github.com/loykin/batchsink/internal/store"
)

// SourceName keys this source's rows in the offset store.
const SourceName = "file"

// Config holds file source options.
type Config struct {
	Path string `mapstructure:"path"`
	// MinPoll and MaxPoll bound the idle backoff between reads.
	MinPoll time.Duration `mapstructure:"min-poll"`
	MaxPoll time.Duration `mapstructure:"max-poll"`
	// FromBeginning ignores any stored position.
	FromBeginning bool `mapstructure:"from-beginning"`
}

func (c *Config) Default() {
	c.MinPoll = 100 * time.Millisecond
	c.MaxPoll = 2 * time.Second
}

func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("source.file.path must be set")
	}
	if c.MinPoll <= 0 || c.MaxPoll < c.MinPoll {
		return fmt.Errorf("source.file poll bounds invalid: min=%s max=%s", c.MinPoll, c.MaxPoll)
	}
	return nil
}

// Handler receives every decoded record.
type Handler func(record.Record)

// Source tails a single NDJSON file.
type Source struct {
	cfg    Config
	store  store.Store
	handle Handler
	pos    store.Position
}

// New creates a Source. st may be nil, in which case reading always starts
// at the beginning of the file.
func New(cfg Config, st store.Store, handle Handler) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, errors.New("file source requires a handler")
	}
	s := &Source{cfg: cfg, store: st, handle: handle}
	if st != nil && !cfg.FromBeginning {
		pos, found, err := st.Load(SourceName, cfg.Path)
		if err != nil {
			return nil, err
		}
		if found {
			s.pos = pos
			slog.Info("resuming file source", "path", cfg.Path, "offset", pos.Offset, "records", pos.Records)
		}
	}
	return s, nil
}

// Position returns the current read position.
func (s *Source) Position() store.Position { return s.pos }

// Run reads until ctx is cancelled. A missing file is not an error; it is
// retried on the next poll.
func (s *Source) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.MinPoll
	bo.MaxInterval = s.cfg.MaxPoll
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		n, err := s.ReadOnce()
		switch {
		case os.IsNotExist(err):
			slog.Debug("file not found", "path", s.cfg.Path)
		case err != nil:
			slog.Error("failed to read file", "path", s.cfg.Path, "error", err)
		case n > 0:
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// ReadOnce consumes every complete line available past the current
// position and returns how many lines were read. A trailing partial line
// is left for the next call.
func (s *Source) ReadOnce() (int, error) {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Size() < s.pos.Offset {
		slog.Warn("file truncated; reading from start", "path", s.cfg.Path, "size", st.Size(), "offset", s.pos.Offset)
		s.pos = store.Position{}
	} else if s.pos.Fingerprint != "" {
		fp, err := fingerprint(f)
		if err != nil && !errors.Is(err, errNoCompleteLine) {
			return 0, err
		}
		if fp != s.pos.Fingerprint {
			slog.Warn("file replaced; reading from start", "path", s.cfg.Path, "offset", s.pos.Offset)
			s.pos = store.Position{}
		}
	}
	if _, err := f.Seek(s.pos.Offset, io.SeekStart); err != nil {
		return 0, err
	}

	r := bufio.NewReader(f)
	lines := 0
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lines, err
		}
		s.pos.Offset += int64(len(line))
		lines++
		s.dispatch(line)
	}

	if lines > 0 && s.pos.Fingerprint == "" {
		fp, err := fingerprint(f)
		if err != nil {
			return lines, err
		}
		s.pos.Fingerprint = fp
	}
	if lines > 0 && s.store != nil {
		if err := s.store.Save(SourceName, s.cfg.Path, s.pos); err != nil {
			slog.Error("failed to save offset", "path", s.cfg.Path, "offset", s.pos.Offset, "error", err)
		}
	}
	return lines, nil
}

func (s *Source) dispatch(line []byte) {
	if len(trimEOL(line)) == 0 {
		return
	}
	rec, err := record.Decode(line)
	if err != nil {
		slog.Error("failed to parse record", "path", s.cfg.Path, "offset", s.pos.Offset, "error", err)
		return
	}
	s.pos.Records++
	s.handle(rec)
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
