package accumulator

import (
	"context"
	"fmt"

	"github.com/loykin/batchsink/internal/record"
)

// Sink persists a batch of records in one bulk operation. Implementations
// should keep going past individual record failures where the store allows
// it (unordered inserts) and report the failures through the returned error.
// The batch slice must not be retained after Persist returns.
type Sink interface {
	Persist(ctx context.Context, batch []record.Record) error
}

// Acceptor is implemented by anything a source can push records into.
type Acceptor interface {
	Accept(r record.Record)
}

var _ Acceptor = (*Accumulator)(nil)

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(ctx context.Context, batch []record.Record) error

// Persist implements Sink.
func (f SinkFunc) Persist(ctx context.Context, batch []record.Record) error {
	return f(ctx, batch)
}

// PartialError is returned by sinks that can tell which records of a batch
// were not persisted. Failed holds indexes into the batch passed to Persist.
type PartialError struct {
	Failed []int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d records failed: %v", len(e.Failed), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// subset returns the failed records of batch, ignoring out of range and
// repeated indexes.
func (e *PartialError) subset(batch []record.Record) []record.Record {
	seen := make(map[int]struct{}, len(e.Failed))
	out := make([]record.Record, 0, len(e.Failed))
	for _, i := range e.Failed {
		if i < 0 || i >= len(batch) {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, batch[i])
	}
	return out
}
