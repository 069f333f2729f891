// Package accumulator buffers records in memory and persists them to a Sink
// in batches. A flush is triggered when the buffer reaches the batch size or
// when the flush interval elapses, whichever comes first.
//
// A single goroutine owns the buffer and the in-flight flag, so at most one
// flush runs at a time. The persist call itself runs on a separate goroutine
// that only sees its snapshot, which lets new records accumulate while a
// batch is being written. A failed batch is merged back into the buffer and
// retried by a later trigger.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/batchsink/internal/metrics"
	"github.com/loykin/batchsink/internal/record"
)

// Flush triggers, used as log and metric labels.
const (
	TriggerSize     = "size"
	TriggerInterval = "interval"
	TriggerManual   = "manual"
	TriggerShutdown = "shutdown"
)

// Stats is a point-in-time view of the accumulator.
type Stats struct {
	// Buffered is the number of records waiting for the next flush.
	Buffered int
	// InFlight is the size of the batch currently being persisted.
	InFlight int
}

// Option customizes an Accumulator.
type Option func(*Accumulator)

// WithName sets the sink label used in logs and metrics.
func WithName(name string) Option {
	return func(a *Accumulator) { a.name = name }
}

type flushResult struct {
	batch   []record.Record
	trigger string
	err     error
	dur     time.Duration
}

// Accumulator collects records and hands them to a Sink in batches.
type Accumulator struct {
	cfg    Config
	sink   Sink
	name   string
	filter *filter
	now    func() time.Time

	in      chan record.Record
	flushCh chan struct{}
	results chan flushResult
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	stopErr  error

	// Owned by the loop goroutine.
	buf          *buffer
	inflight     bool
	inflightSize int
	retryAt      time.Time
	bo           *backoff.ExponentialBackOff

	statsMu sync.Mutex
	stats   Stats
}

// New validates cfg and starts the accumulator loop. Call Stop to flush the
// remaining records and release the goroutine.
func New(cfg Config, sink Sink, opts ...Option) (*Accumulator, error) {
	if sink == nil {
		return nil, errors.New("accumulator requires a sink")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := newFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, err
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDropOldest
	}
	if cfg.Requeue == "" {
		cfg.Requeue = RequeueAll
	}

	a := &Accumulator{
		cfg:     cfg,
		sink:    sink,
		filter:  f,
		now:     time.Now,
		in:      make(chan record.Record, cfg.BatchSize),
		flushCh: make(chan struct{}),
		results: make(chan flushResult, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		buf:     newBuffer(cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.Retry.Enabled {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = cfg.Retry.InitialInterval
		bo.MaxInterval = cfg.Retry.MaxInterval
		bo.MaxElapsedTime = 0
		bo.Reset()
		a.bo = bo
	}

	go a.run()
	return a, nil
}

// Accept validates r and queues it for the next batch. Malformed or filtered
// records are logged and discarded; the caller never sees an error and never
// waits for a flush.
func (a *Accumulator) Accept(r record.Record) {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		slog.Warn("invalid record received", "sink", a.name, "error", err)
		metrics.RecordRejected(a.name, "invalid")
		return
	}
	if !a.filter.allow(r) {
		slog.Debug("record filtered", "sink", a.name, "title", r.Title)
		metrics.RecordRejected(a.name, "filtered")
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		slog.Warn("accumulator stopped; dropping record", "sink", a.name, "title", r.Title)
		metrics.RecordRejected(a.name, "stopped")
		return
	}
	a.in <- r
}

// Flush asks the loop to flush now. It returns once the request has been
// picked up, not when the batch is persisted. The request is skipped if a
// flush is already in flight or the buffer is empty.
func (a *Accumulator) Flush() {
	select {
	case a.flushCh <- struct{}{}:
	case <-a.doneCh:
	}
}

// Stats returns the current buffer and in-flight sizes.
func (a *Accumulator) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// Stop refuses new records, waits for an in-flight flush and persists what is
// left in the buffer with one final attempt. It is safe to call more than once.
func (a *Accumulator) Stop() error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
		close(a.stopCh)
	})
	<-a.doneCh
	return a.stopErr
}

func (a *Accumulator) run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			a.shutdown()
			return
		case <-ticker.C:
			a.flush(TriggerInterval)
		case <-a.flushCh:
			a.flush(TriggerManual)
		case r := <-a.in:
			a.append(r)
			if a.buf.len() >= a.cfg.BatchSize {
				a.flush(TriggerSize)
			}
		case res := <-a.results:
			a.complete(res)
		}
	}
}

func (a *Accumulator) append(r record.Record) {
	if limit := a.cfg.MaxBuffered; limit > 0 && a.buf.len() >= limit {
		if a.cfg.Overflow == OverflowReject {
			slog.Warn("buffer full; rejecting record", "sink", a.name, "limit", limit)
			metrics.RecordsDropped(a.name, "overflow", 1)
			return
		}
		n := a.buf.dropOldest(a.buf.len() - limit + 1)
		slog.Warn("buffer full; dropped oldest records", "sink", a.name, "count", n, "limit", limit)
		metrics.RecordsDropped(a.name, "overflow", n)
	}
	a.buf.append(r)
	metrics.RecordAccepted(a.name)
	a.syncStats()
}

// flush is the single entry point shared by every trigger.
func (a *Accumulator) flush(trigger string) {
	if a.inflight {
		slog.Debug("flush in progress; skipping", "sink", a.name, "trigger", trigger)
		metrics.FlushSkipped(a.name, "busy")
		return
	}
	if a.buf.len() == 0 {
		return
	}
	if !a.retryAt.IsZero() && a.now().Before(a.retryAt) {
		slog.Debug("retry backoff active; skipping", "sink", a.name, "trigger", trigger, "retry_at", a.retryAt)
		metrics.FlushSkipped(a.name, "backoff")
		return
	}

	a.inflight = true
	batch := a.buf.take()
	a.inflightSize = len(batch)
	a.syncStats()
	metrics.FlushStarted(a.name, trigger, len(batch))

	go func() {
		a.results <- a.persist(batch, trigger)
	}()
}

func (a *Accumulator) persist(batch []record.Record, trigger string) (res flushResult) {
	res = flushResult{batch: batch, trigger: trigger}
	ctx := context.Background()
	if a.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.FlushTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("sink panic: %v", p)
		}
		res.dur = time.Since(start)
	}()
	res.err = a.sink.Persist(ctx, batch)
	return res
}

// complete applies the outcome of a persist call and releases the guard.
func (a *Accumulator) complete(res flushResult) {
	a.inflight = false
	a.inflightSize = 0

	if res.err == nil {
		slog.Info("flushed records", "sink", a.name, "count", len(res.batch), "trigger", res.trigger, "duration", res.dur)
		metrics.FlushObserve(a.name, res.dur, true, 0)
		if a.bo != nil {
			a.bo.Reset()
			a.retryAt = time.Time{}
		}
		a.syncStats()
		return
	}

	requeue := res.batch
	var partial *PartialError
	if a.cfg.Requeue == RequeueFailed && errors.As(res.err, &partial) {
		requeue = partial.subset(res.batch)
	}
	a.buf.requeue(requeue)
	if n := a.trim(); n > 0 {
		slog.Warn("buffer over limit after requeue; dropped records", "sink", a.name, "count", n, "policy", a.cfg.Overflow)
		metrics.RecordsDropped(a.name, "overflow", n)
	}
	if a.bo != nil {
		a.retryAt = a.now().Add(a.bo.NextBackOff())
	}
	metrics.FlushObserve(a.name, res.dur, false, len(requeue))
	slog.Error("flush failed; records requeued",
		"sink", a.name,
		"count", len(res.batch),
		"requeued", len(requeue),
		"buffered", a.buf.len(),
		"trigger", res.trigger,
		"error", res.err)
	a.syncStats()
}

// trim enforces MaxBuffered after a requeue. drop-oldest evicts from the
// front, reject evicts the most recent arrivals.
func (a *Accumulator) trim() int {
	limit := a.cfg.MaxBuffered
	if limit <= 0 || a.buf.len() <= limit {
		return 0
	}
	excess := a.buf.len() - limit
	if a.cfg.Overflow == OverflowReject {
		return a.buf.dropNewest(excess)
	}
	return a.buf.dropOldest(excess)
}

func (a *Accumulator) shutdown() {
drain:
	for {
		select {
		case r := <-a.in:
			a.append(r)
		default:
			break drain
		}
	}

	if a.inflight {
		a.complete(<-a.results)
	}
	if a.buf.len() == 0 {
		return
	}

	a.inflight = true
	batch := a.buf.take()
	a.inflightSize = len(batch)
	a.syncStats()
	metrics.FlushStarted(a.name, TriggerShutdown, len(batch))
	res := a.persist(batch, TriggerShutdown)
	a.complete(res)
	if res.err == nil {
		return
	}

	lost := a.buf.take()
	slog.Error("final flush failed; buffered records lost", "sink", a.name, "count", len(lost), "error", res.err)
	metrics.RecordsDropped(a.name, "shutdown", len(lost))
	a.syncStats()
	a.stopErr = fmt.Errorf("final flush failed, %d records lost: %w", len(lost), res.err)
}

func (a *Accumulator) syncStats() {
	n := a.buf.len()
	a.statsMu.Lock()
	a.stats = Stats{Buffered: n, InFlight: a.inflightSize}
	a.statsMu.Unlock()
	metrics.SetBuffered(a.name, n)
}
