package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	acceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "records_accepted_total",
			Help:      "Total number of records appended to the batch buffer.",
		},
		[]string{"sink"},
	)
	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "records_rejected_total",
			Help:      "Total number of records discarded before reaching the buffer (invalid, filtered, stopped).",
		},
		[]string{"sink", "reason"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "records_dropped_total",
			Help:      "Total number of buffered records evicted (overflow) or lost on shutdown.",
		},
		[]string{"sink", "reason"},
	)
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "posts_published_total",
			Help:      "Total number of posts handled by the producer API by result (ok, invalid, error).",
		},
		[]string{"result"},
	)
	requeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "records_requeued_total",
			Help:      "Total number of records merged back into the buffer after a failed flush.",
		},
		[]string{"sink"},
	)
	bufferRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "batchsink",
			Name:      "buffer_records",
			Help:      "Current number of records waiting in the batch buffer.",
		},
		[]string{"sink"},
	)
	flushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "flush_total",
			Help:      "Total number of flushes that handed a batch to the sink.",
		},
		[]string{"sink", "trigger"},
	)
	flushFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "flush_failures_total",
			Help:      "Total number of failed flushes.",
		},
		[]string{"sink"},
	)
	flushSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchsink",
			Name:      "flush_skipped_total",
			Help:      "Total number of flush requests skipped because a flush was in flight or a retry backoff was active.",
		},
		[]string{"sink", "reason"},
	)
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "batchsink",
			Name:      "flush_batch_size",
			Help:      "Number of records per flush.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
		[]string{"sink"},
	)
	flushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "batchsink",
			Name:      "flush_duration_seconds",
			Help:      "Duration of sink persist calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
)

// Register registers all batchsink metrics to the provided Prometheus registerer.
// Safe to call multiple times; AlreadyRegistered is ignored.
func Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		acceptedTotal, rejectedTotal, droppedTotal, requeuedTotal, bufferRecords,
		flushTotal, flushFailuresTotal, flushSkippedTotal, batchSize, flushDuration,
		publishedTotal,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// RecordAccepted increments the accepted counter for a sink.
func RecordAccepted(sink string) {
	acceptedTotal.WithLabelValues(label(sink)).Inc()
}

// RecordRejected increments the rejected counter for a sink with a reason.
func RecordRejected(sink, reason string) {
	rejectedTotal.WithLabelValues(label(sink), label(reason)).Inc()
}

// RecordsDropped adds n evicted or lost records.
func RecordsDropped(sink, reason string, n int) {
	if n > 0 {
		droppedTotal.WithLabelValues(label(sink), label(reason)).Add(float64(n))
	}
}

// SetBuffered sets the buffer gauge.
func SetBuffered(sink string, n int) {
	bufferRecords.WithLabelValues(label(sink)).Set(float64(n))
}

// FlushSkipped increments the skipped counter.
func FlushSkipped(sink, reason string) {
	flushSkippedTotal.WithLabelValues(label(sink), label(reason)).Inc()
}

// FlushStarted counts a flush that handed a batch to the sink.
func FlushStarted(sink, trigger string, size int) {
	flushTotal.WithLabelValues(label(sink), label(trigger)).Inc()
	batchSize.WithLabelValues(label(sink)).Observe(float64(size))
}

// FlushObserve records the outcome of a persist call. requeued is the number
// of records merged back into the buffer.
func FlushObserve(sink string, dur time.Duration, success bool, requeued int) {
	flushDuration.WithLabelValues(label(sink)).Observe(dur.Seconds())
	if !success {
		flushFailuresTotal.WithLabelValues(label(sink)).Inc()
	}
	if requeued > 0 {
		requeuedTotal.WithLabelValues(label(sink)).Add(float64(requeued))
	}
}

// PostPublished counts a producer API request by result.
func PostPublished(result string) {
	publishedTotal.WithLabelValues(label(result)).Inc()
}
