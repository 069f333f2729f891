// Package mongo persists batches into a MongoDB collection with one
// unordered InsertMany per batch.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/internal/record"
)

type Sink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to MongoDB and pings the primary.
func New(ctx context.Context, cfg Config) (common.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, _ := cfg.database()

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout).SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	slog.Info("mongodb connected", "database", db, "collection", cfg.collection())
	return &Sink{client: client, coll: client.Database(db).Collection(cfg.collection())}, nil
}

// NewWithCollection wraps an existing collection. Close does not disconnect
// the collection's client.
func NewWithCollection(coll *mongo.Collection) *Sink {
	return &Sink{coll: coll}
}

// Persist inserts the batch unordered, so one bad document does not stop the
// rest. Per-document write errors are reported as a PartialError.
func (s *Sink) Persist(ctx context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	docs := lo.Map(batch, func(r record.Record, _ int) any { return r })
	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	return classify(err)
}

// classify turns a bulk write exception with only document-level failures
// into a PartialError. Anything else, including write concern errors, fails
// the whole batch.
func classify(err error) error {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return err
	}
	failed := lo.Map(bwe.WriteErrors, func(we mongo.BulkWriteError, _ int) int { return we.Index })
	return common.Partial(failed, err)
}

func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
