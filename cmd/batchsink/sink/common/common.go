package common

import (
	"time"

	"github.com/samber/lo"

	"github.com/loykin/batchsink/internal/accumulator"
	"github.com/loykin/batchsink/internal/record"
)

// Sink is a batch persistence backend that owns its connection.
type Sink interface {
	accumulator.Sink
	Close() error
}

// Meta is the enrichment attached to every document by the search and
// columnar backends.
type Meta struct {
	Host   string
	Labels map[string]string
}

// Document is the shape written by the search backends.
type Document struct {
	Timestamp string            `json:"@timestamp"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Host      string            `json:"host,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Documents maps a batch to documents stamped with the same time.
func Documents(batch []record.Record, meta Meta, now time.Time) []Document {
	ts := now.UTC().Format(time.RFC3339Nano)
	labels := lo.Assign(meta.Labels)
	return lo.Map(batch, func(r record.Record, _ int) Document {
		return Document{
			Timestamp: ts,
			Title:     r.Title,
			Content:   r.Content,
			Host:      meta.Host,
			Labels:    labels,
		}
	})
}

// Partial builds a PartialError from failed indexes, or returns nil when
// nothing failed.
func Partial(failed []int, err error) error {
	if len(failed) == 0 {
		return nil
	}
	return &accumulator.PartialError{Failed: lo.Uniq(failed), Err: err}
}
