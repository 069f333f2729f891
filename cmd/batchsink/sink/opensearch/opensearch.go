package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	osclient "github.com/opensearch-project/opensearch-go"
	"github.com/opensearch-project/opensearch-go/opensearchutil"

	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/internal/record"
)

type Sink struct {
	client *osclient.Client
	index  string
	meta   common.Meta
}

func New(cfg Config, meta common.Meta) (common.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ocfg := osclient.Config{Addresses: []string{cfg.URL}}
	if cfg.User != "" {
		ocfg.Username = cfg.User
		ocfg.Password = cfg.Password
	}
	cli, err := osclient.NewClient(ocfg)
	if err != nil {
		return nil, err
	}
	return &Sink{client: cli, index: cfg.Index, meta: meta}, nil
}

// Persist indexes the batch through a bulk indexer. Items rejected by the
// cluster are reported as a PartialError keyed by their batch position.
func (s *Sink) Persist(ctx context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     s.client,
		Index:      s.index,
		NumWorkers: 1,
	})
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		failed  []int
		lastErr error
	)
	for i, doc := range common.Documents(batch, s.meta, time.Now()) {
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		idx := i
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action: "index",
			Body:   bytes.NewReader(b),
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, resp opensearchutil.BulkIndexerResponseItem, err error) {
				if err == nil {
					err = fmt.Errorf("status %d: %s: %s", resp.Status, resp.Error.Type, resp.Error.Reason)
				}
				slog.Error("opensearch bulk item failed", "index", s.index, "position", idx, "error", err)
				mu.Lock()
				failed = append(failed, idx)
				lastErr = err
				mu.Unlock()
			},
		})
		if err != nil {
			_ = bi.Close(ctx)
			return err
		}
	}
	if err := bi.Close(ctx); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == len(batch) {
		return fmt.Errorf("opensearch bulk failed items: %d: %w", len(failed), lastErr)
	}
	return common.Partial(failed, errors.Join(fmt.Errorf("opensearch bulk failed items: %d", len(failed)), lastErr))
}

func (s *Sink) Close() error { return nil }
