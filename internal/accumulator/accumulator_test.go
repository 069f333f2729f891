package accumulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/batchsink/internal/record"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errSink = errors.New("sink unavailable")

// fakeSink records every batch it is handed.
type fakeSink struct {
	mu        sync.Mutex
	batches   [][]record.Record
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32

	// failures is the number of upcoming calls that return errSink.
	failures atomic.Int32
	// persist, when set, decides the outcome of a call. It receives the
	// 1-based call number.
	persist func(ctx context.Context, n int, batch []record.Record) error
	// block, when set, is waited on before every call completes.
	block chan struct{}
}

func (s *fakeSink) Persist(ctx context.Context, batch []record.Record) error {
	n := int(s.calls.Add(1))
	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		prev := s.maxActive.Load()
		if cur <= prev || s.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	if s.block != nil {
		<-s.block
	}

	if s.persist != nil {
		return s.persist(ctx, n, batch)
	}
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errSink
	}
	s.store(batch)
	return nil
}

func (s *fakeSink) store(batch []record.Record) {
	copied := make([]record.Record, len(batch))
	copy(copied, batch)
	s.mu.Lock()
	s.batches = append(s.batches, copied)
	s.mu.Unlock()
}

func (s *fakeSink) persisted() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *fakeSink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, 0, len(s.batches))
	for _, b := range s.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

// fakeClock is a goroutine-safe manual clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func withClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

func testConfig(size int, interval time.Duration) Config {
	var c Config
	c.Default()
	c.BatchSize = size
	c.FlushInterval = interval
	return c
}

func newTestAccumulator(t *testing.T, cfg Config, sink Sink, opts ...Option) *Accumulator {
	t.Helper()
	opts = append([]Option{WithName(t.Name())}, opts...)
	a, err := New(cfg, sink, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func post(i int) record.Record {
	return record.Record{Title: fmt.Sprintf("post-%04d", i), Content: fmt.Sprintf("content %d", i)}
}

func acceptN(a *Accumulator, from, n int) {
	for i := from; i < from+n; i++ {
		a.Accept(post(i))
	}
}

func titles(rs []record.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Title)
	}
	sort.Strings(out)
	return out
}

func waitStats(t *testing.T, a *Accumulator, want Stats) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Stats() == want }, waitFor, tick,
		"stats never reached %+v (last %+v)", want, a.Stats())
}

// --- Constructor Tests ---

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(10, time.Second), nil)
	assert.Error(t, err, "nil sink must be rejected")

	_, err = New(testConfig(0, time.Second), &fakeSink{})
	assert.Error(t, err, "zero batch size must be rejected")

	_, err = New(testConfig(10, 0), &fakeSink{})
	assert.Error(t, err, "zero interval must be rejected")
}

// --- Trigger Tests ---

func TestSizeTrigger_ExactBatch(t *testing.T) {
	sink := &fakeSink{}
	a := newTestAccumulator(t, testConfig(100, time.Hour), sink)

	acceptN(a, 1, 100)

	require.Eventually(t, func() bool { return len(sink.persisted()) == 100 }, waitFor, tick)
	assert.Equal(t, int32(1), sink.calls.Load(), "expected exactly one persist call")
	assert.Equal(t, []int{100}, sink.batchSizes())
	waitStats(t, a, Stats{})
}

func TestSizeTrigger_BelowThresholdWaits(t *testing.T) {
	sink := &fakeSink{}
	a := newTestAccumulator(t, testConfig(10, time.Hour), sink)

	acceptN(a, 1, 9)
	waitStats(t, a, Stats{Buffered: 9})
	assert.Equal(t, int32(0), sink.calls.Load())

	// The 10th record crosses the threshold without any timer involvement.
	a.Accept(post(10))
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	assert.Equal(t, []int{10}, sink.batchSizes())
}

func TestIntervalTrigger_FlushesPartialBatch(t *testing.T) {
	sink := &fakeSink{}
	a := newTestAccumulator(t, testConfig(100, 20*time.Millisecond), sink)

	acceptN(a, 1, 40)

	require.Eventually(t, func() bool { return len(sink.persisted()) == 40 }, waitFor, tick)
	for _, n := range sink.batchSizes() {
		assert.LessOrEqual(t, n, 40)
	}
	waitStats(t, a, Stats{})
}

func TestIntervalTrigger_EmptyBufferNoSinkCall(t *testing.T) {
	sink := &fakeSink{}
	a := newTestAccumulator(t, testConfig(10, 5*time.Millisecond), sink)

	time.Sleep(50 * time.Millisecond)
	a.Flush()

	assert.Equal(t, int32(0), sink.calls.Load())
	assert.Equal(t, Stats{}, a.Stats())
}

// --- Validation Tests ---

func TestAccept_MalformedNeverPersisted(t *testing.T) {
	sink := &fakeSink{}
	a := newTestAccumulator(t, testConfig(2, time.Hour), sink)

	a.Accept(record.Record{Title: "", Content: "x"})
	a.Accept(record.Record{Title: "x", Content: "   "})
	a.Accept(record.Record{})
	waitStats(t, a, Stats{})

	a.Accept(record.Record{Title: " ok ", Content: "fine"})
	a.Accept(post(1))

	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	got := sink.persisted()
	require.Len(t, got, 2)
	assert.Equal(t, record.Record{Title: "ok", Content: "fine"}, got[0], "records are trimmed before buffering")
	for _, r := range got {
		assert.NotEmpty(t, r.Title)
		assert.NotEmpty(t, r.Content)
	}
}

func TestAccept_Filtered(t *testing.T) {
	sink := &fakeSink{}
	cfg := testConfig(2, time.Hour)
	cfg.Exclude = []string{"spam"}
	a := newTestAccumulator(t, cfg, sink)

	a.Accept(record.Record{Title: "spam offer", Content: "x"})
	a.Accept(post(1))
	a.Accept(post(2))

	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"post-0001", "post-0002"}, titles(sink.persisted()))
}

// --- Failure and Retry Tests ---

func TestFailure_RequeueThenIntervalRetry(t *testing.T) {
	sink := &fakeSink{}
	sink.failures.Store(1)
	a := newTestAccumulator(t, testConfig(10, time.Hour), sink)

	acceptN(a, 1, 10)

	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 10})
	assert.Empty(t, sink.persisted())

	// Manual flush stands in for the next interval tick.
	a.Flush()

	require.Eventually(t, func() bool { return len(sink.persisted()) == 10 }, waitFor, tick)
	waitStats(t, a, Stats{})
	assert.Equal(t, int32(2), sink.calls.Load())
}

func TestFailure_RequeueThenThresholdRetry(t *testing.T) {
	sink := &fakeSink{}
	sink.failures.Store(1)
	a := newTestAccumulator(t, testConfig(10, time.Hour), sink)

	acceptN(a, 1, 10)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 10})

	// A new arrival keeps the buffer at or above the threshold and retries everything.
	a.Accept(post(11))

	require.Eventually(t, func() bool { return len(sink.persisted()) == 11 }, waitFor, tick)
	waitStats(t, a, Stats{})
	assert.Equal(t, []int{11}, sink.batchSizes())
}

func TestFailure_NoLossWhenSinkAlwaysFails(t *testing.T) {
	sink := &fakeSink{persist: func(context.Context, int, []record.Record) error { return errSink }}
	a, err := New(testConfig(10, 5*time.Millisecond), sink, WithName(t.Name()))
	require.NoError(t, err)

	acceptN(a, 1, 95)

	require.Eventually(t, func() bool { return sink.calls.Load() >= 5 }, waitFor, tick)
	require.Eventually(t, func() bool {
		st := a.Stats()
		return st.Buffered+st.InFlight == 95
	}, waitFor, tick)
	for i := 0; i < 20; i++ {
		st := a.Stats()
		if st.Buffered+st.InFlight != 95 {
			t.Fatalf("record count drifted: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}

	err = a.Stop()
	require.Error(t, err, "final flush failure must be reported")
	assert.ErrorIs(t, err, errSink)
	assert.Contains(t, err.Error(), "95 records lost")
}

func TestFailure_RequeueAllDuplicatesPartiallyPersisted(t *testing.T) {
	// The sink commits every record except index 0 on the first call. With the
	// default requeue policy the whole batch is retried, so the records that
	// did make it are written twice.
	sink := &fakeSink{}
	sink.persist = func(_ context.Context, n int, batch []record.Record) error {
		if n == 1 {
			sink.store(batch[1:])
			return &PartialError{Failed: []int{0}, Err: errSink}
		}
		sink.store(batch)
		return nil
	}
	a := newTestAccumulator(t, testConfig(3, time.Hour), sink)

	acceptN(a, 1, 3)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 3})

	a.Flush()
	require.Eventually(t, func() bool { return sink.calls.Load() == 2 }, waitFor, tick)
	waitStats(t, a, Stats{})

	assert.Equal(t, []string{"post-0001", "post-0002", "post-0002", "post-0003", "post-0003"}, titles(sink.persisted()))
}

func TestFailure_RequeueFailedOnly(t *testing.T) {
	sink := &fakeSink{}
	sink.persist = func(_ context.Context, n int, batch []record.Record) error {
		if n == 1 {
			sink.store(batch[1:])
			return fmt.Errorf("bulk insert: %w", &PartialError{Failed: []int{0, 0, 7}, Err: errSink})
		}
		sink.store(batch)
		return nil
	}
	cfg := testConfig(3, time.Hour)
	cfg.Requeue = RequeueFailed
	a := newTestAccumulator(t, cfg, sink)

	acceptN(a, 1, 3)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 1})

	a.Flush()
	require.Eventually(t, func() bool { return sink.calls.Load() == 2 }, waitFor, tick)
	waitStats(t, a, Stats{})

	assert.Equal(t, []string{"post-0001", "post-0002", "post-0003"}, titles(sink.persisted()))
}

func TestFailure_SinkPanicIsRequeued(t *testing.T) {
	sink := &fakeSink{}
	sink.persist = func(_ context.Context, n int, batch []record.Record) error {
		if n == 1 {
			panic("boom")
		}
		sink.store(batch)
		return nil
	}
	a := newTestAccumulator(t, testConfig(2, time.Hour), sink)

	acceptN(a, 1, 2)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 2})

	a.Flush()
	require.Eventually(t, func() bool { return len(sink.persisted()) == 2 }, waitFor, tick)
}

func TestFailure_FlushTimeoutReleasesGuard(t *testing.T) {
	sink := &fakeSink{}
	sink.persist = func(ctx context.Context, n int, batch []record.Record) error {
		if n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		sink.store(batch)
		return nil
	}
	cfg := testConfig(2, time.Hour)
	cfg.FlushTimeout = 20 * time.Millisecond
	a := newTestAccumulator(t, cfg, sink)

	acceptN(a, 1, 2)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 2})

	a.Flush()
	require.Eventually(t, func() bool { return len(sink.persisted()) == 2 }, waitFor, tick)
}

func TestRetryBackoff_SkipsUntilDelayElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sink := &fakeSink{}
	sink.failures.Store(1)
	cfg := testConfig(5, time.Hour)
	cfg.Retry = RetryConfig{Enabled: true, InitialInterval: time.Second, MaxInterval: 5 * time.Second}
	a := newTestAccumulator(t, cfg, sink, withClock(clock.Now))

	acceptN(a, 1, 5)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, waitFor, tick)
	waitStats(t, a, Stats{Buffered: 5})

	// Still inside the backoff window: both manual and size triggers are skipped.
	a.Flush()
	a.Accept(post(6))
	waitStats(t, a, Stats{Buffered: 6})
	a.Flush()
	assert.Equal(t, int32(1), sink.calls.Load())

	clock.Advance(10 * time.Second)
	a.Flush()

	require.Eventually(t, func() bool { return len(sink.persisted()) == 6 }, waitFor, tick)
	waitStats(t, a, Stats{})
}

// --- Mutual Exclusion Tests ---

func TestMutualExclusion_SkipWhileInFlight(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	a := newTestAccumulator(t, testConfig(5, time.Hour), sink)

	acceptN(a, 1, 5)
	waitStats(t, a, Stats{InFlight: 5})

	// Crossing the threshold again and an explicit flush both hit the guard.
	acceptN(a, 6, 5)
	waitStats(t, a, Stats{Buffered: 5, InFlight: 5})
	a.Flush()
	a.Flush()
	assert.Equal(t, int32(1), sink.calls.Load())

	close(sink.block)
	waitStats(t, a, Stats{Buffered: 5})
	// The skipped requests are not queued.
	assert.Equal(t, int32(1), sink.calls.Load())

	a.Flush()
	require.Eventually(t, func() bool { return len(sink.persisted()) == 10 }, waitFor, tick)
	assert.Equal(t, int32(1), sink.maxActive.Load(), "persist calls must never overlap")
}

func TestMutualExclusion_ConcurrentAccept(t *testing.T) {
	sink := &fakeSink{}
	sink.persist = func(_ context.Context, _ int, batch []record.Record) error {
		time.Sleep(time.Millisecond)
		sink.store(batch)
		return nil
	}
	a := newTestAccumulator(t, testConfig(20, 2*time.Millisecond), sink)

	const producers, perProducer = 8, 250
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(offset int) {
			defer wg.Done()
			acceptN(a, offset*perProducer, perProducer)
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sink.persisted()) == producers*perProducer }, waitFor*2, tick)
	assert.Equal(t, int32(1), sink.maxActive.Load())

	want := make([]record.Record, 0, producers*perProducer)
	for i := 0; i < producers*perProducer; i++ {
		want = append(want, post(i))
	}
	assert.Equal(t, titles(want), titles(sink.persisted()), "every record persisted exactly once")
}

// --- No Loss Tests ---

func TestNoLoss_SequentialBatchesRespectSize(t *testing.T) {
	sink := &fakeSink{}
	a := newTestAccumulator(t, testConfig(25, time.Hour), sink)

	for chunk := 0; chunk < 4; chunk++ {
		acceptN(a, chunk*25, 25)
		want := (chunk + 1) * 25
		require.Eventually(t, func() bool { return len(sink.persisted()) == want }, waitFor, tick)
	}
	acceptN(a, 100, 7)
	waitStats(t, a, Stats{Buffered: 7})
	a.Flush()
	require.Eventually(t, func() bool { return len(sink.persisted()) == 107 }, waitFor, tick)

	assert.Equal(t, []int{25, 25, 25, 25, 7}, sink.batchSizes())
}

// --- Overflow Tests ---

func TestOverflow_DropOldest(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	cfg := testConfig(5, time.Hour)
	cfg.MaxBuffered = 5
	cfg.Overflow = OverflowDropOldest
	a := newTestAccumulator(t, cfg, sink)

	acceptN(a, 1, 5)
	waitStats(t, a, Stats{InFlight: 5})
	acceptN(a, 6, 7)
	waitStats(t, a, Stats{Buffered: 5, InFlight: 5})

	close(sink.block)
	waitStats(t, a, Stats{Buffered: 5})
	a.Flush()
	require.Eventually(t, func() bool { return sink.calls.Load() == 2 }, waitFor, tick)

	sink.mu.Lock()
	second := sink.batches[1]
	sink.mu.Unlock()
	assert.Equal(t, []string{"post-0008", "post-0009", "post-0010", "post-0011", "post-0012"}, titles(second))
}

func TestOverflow_Reject(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	cfg := testConfig(5, time.Hour)
	cfg.MaxBuffered = 5
	cfg.Overflow = OverflowReject
	a := newTestAccumulator(t, cfg, sink)

	acceptN(a, 1, 5)
	waitStats(t, a, Stats{InFlight: 5})
	acceptN(a, 6, 7)
	waitStats(t, a, Stats{Buffered: 5, InFlight: 5})

	close(sink.block)
	waitStats(t, a, Stats{Buffered: 5})
	a.Flush()
	require.Eventually(t, func() bool { return sink.calls.Load() == 2 }, waitFor, tick)

	sink.mu.Lock()
	second := sink.batches[1]
	sink.mu.Unlock()
	assert.Equal(t, []string{"post-0006", "post-0007", "post-0008", "post-0009", "post-0010"}, titles(second))
}

func TestOverflow_RequeueTrimmedByPolicy(t *testing.T) {
	release := make(chan struct{})
	sink := &fakeSink{}
	sink.persist = func(_ context.Context, n int, batch []record.Record) error {
		if n == 1 {
			<-release
			return errSink
		}
		sink.store(batch)
		return nil
	}
	cfg := testConfig(5, time.Hour)
	cfg.MaxBuffered = 5
	cfg.Overflow = OverflowReject
	a := newTestAccumulator(t, cfg, sink)

	acceptN(a, 1, 5)
	waitStats(t, a, Stats{InFlight: 5})
	acceptN(a, 6, 3)
	waitStats(t, a, Stats{Buffered: 3, InFlight: 5})

	close(release)
	// 5 requeued + 3 newer = 8; reject keeps the oldest 5.
	waitStats(t, a, Stats{Buffered: 5})

	a.Flush()
	require.Eventually(t, func() bool { return len(sink.persisted()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"post-0001", "post-0002", "post-0003", "post-0004", "post-0005"}, titles(sink.persisted()))
}

// --- Lifecycle Tests ---

func TestStop_FlushesRemaining(t *testing.T) {
	sink := &fakeSink{}
	a, err := New(testConfig(100, time.Hour), sink, WithName(t.Name()))
	require.NoError(t, err)

	acceptN(a, 1, 3)
	require.NoError(t, a.Stop())

	assert.Len(t, sink.persisted(), 3)
	assert.Equal(t, Stats{}, a.Stats())

	// Stop is idempotent and Accept after Stop is a logged no-op.
	require.NoError(t, a.Stop())
	a.Accept(post(99))
	a.Flush()
	assert.Len(t, sink.persisted(), 3)
}

func TestStop_WaitsForInFlight(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	a, err := New(testConfig(2, time.Hour), sink, WithName(t.Name()))
	require.NoError(t, err)

	acceptN(a, 1, 3)
	waitStats(t, a, Stats{Buffered: 1, InFlight: 2})

	done := make(chan error, 1)
	go func() { done <- a.Stop() }()

	select {
	case <-done:
		t.Fatal("Stop returned while a flush was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(sink.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}
	assert.Len(t, sink.persisted(), 3)
	assert.Equal(t, []int{2, 1}, sink.batchSizes())
}
