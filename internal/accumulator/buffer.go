package accumulator

import "github.com/loykin/batchsink/internal/record"

// buffer holds records awaiting persistence in arrival order.
// It is NOT thread-safe; only the accumulator loop touches it.
type buffer struct {
	data []record.Record
}

func newBuffer(capacity int) *buffer {
	return &buffer{data: make([]record.Record, 0, capacity)}
}

func (b *buffer) len() int { return len(b.data) }

func (b *buffer) append(r record.Record) {
	b.data = append(b.data, r)
}

// take returns the current contents and leaves the buffer empty. The returned
// slice is owned by the caller.
func (b *buffer) take() []record.Record {
	batch := b.data
	b.data = make([]record.Record, 0, cap(batch))
	return batch
}

// requeue puts a failed batch back in front of records that arrived while it
// was in flight.
func (b *buffer) requeue(batch []record.Record) {
	if len(batch) == 0 {
		return
	}
	merged := make([]record.Record, 0, len(batch)+len(b.data))
	merged = append(merged, batch...)
	merged = append(merged, b.data...)
	b.data = merged
}

// dropOldest evicts up to n records from the front and returns how many were removed.
func (b *buffer) dropOldest(n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	b.data = append(b.data[:0], b.data[n:]...)
	return n
}

// dropNewest evicts up to n records from the back and returns how many were removed.
func (b *buffer) dropNewest(n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	clear(b.data[len(b.data)-n:])
	b.data = b.data[:len(b.data)-n]
	return n
}
