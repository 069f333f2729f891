// Package elasticsearch persists batches through the Elasticsearch _bulk API.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/internal/record"
)

var ErrBulkRequestFailed = errors.New("elasticsearch bulk request failed")

type Sink struct {
	client *es.Client
	index  string
	meta   common.Meta
}

func New(cfg Config, meta common.Meta) (common.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.User,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}
	return &Sink{client: client, index: cfg.Index, meta: meta}, nil
}

type bulkItem struct {
	Status int `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Persist sends one _bulk request. The response lists items in request
// order, so a failed item's position is its batch index.
func (s *Sink) Persist(ctx context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	meta := []byte(fmt.Sprintf(`{"index":{"_index":%q}}`+"\n", s.index))
	for _, doc := range common.Documents(batch, s.meta, time.Now()) {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal doc: %w", err)
		}
		buf.Write(meta)
		buf.Write(data)
		buf.WriteByte('\n')
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBulkRequestFailed, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrBulkRequestFailed, res.Status())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBulkRequestFailed, err)
	}
	if !br.Errors {
		return nil
	}
	return itemErrors(br, len(batch))
}

func itemErrors(br bulkResponse, n int) error {
	var (
		failed []int
		first  string
	)
	for i, entry := range br.Items {
		for _, it := range entry {
			if it.Status < 300 {
				continue
			}
			failed = append(failed, i)
			if first == "" && it.Error != nil {
				first = it.Error.Type + ": " + it.Error.Reason
			}
		}
	}
	err := fmt.Errorf("%w: %d of %d items rejected (%s)", ErrBulkRequestFailed, len(failed), n, first)
	if len(failed) == n || len(failed) == 0 {
		return err
	}
	return common.Partial(failed, err)
}

func (s *Sink) Close() error { return nil }
