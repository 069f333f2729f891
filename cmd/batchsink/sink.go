package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/loykin/batchsink/cmd/batchsink/sink/clickhouse"
	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/cmd/batchsink/sink/console"
	"github.com/loykin/batchsink/cmd/batchsink/sink/elasticsearch"
	"github.com/loykin/batchsink/cmd/batchsink/sink/mongo"
	"github.com/loykin/batchsink/cmd/batchsink/sink/opensearch"
	"github.com/loykin/batchsink/cmd/batchsink/sink/redis"
)

// Sink is the common sink interface from subpackages.
type Sink = common.Sink

// buildSink constructs the configured backend. Network backends verify
// connectivity before returning.
func buildSink(ctx context.Context, cfg *Config) (Sink, error) {
	switch cfg.Sink.Type {
	case "console":
		return console.New(strings.ToLower(cfg.Sink.Console.Stream)), nil
	case "file":
		if cfg.Sink.File.Compress {
			return console.NewGzipFile(cfg.Sink.File.Path)
		}
		return console.NewFile(cfg.Sink.File.Path)
	case "mongo":
		return mongo.New(ctx, cfg.Sink.Mongo)
	case "clickhouse":
		return clickhouse.New(cfg.Sink.ClickHouse, sinkMeta(cfg))
	case "opensearch":
		return opensearch.New(cfg.Sink.OpenSearch, sinkMeta(cfg))
	case "elasticsearch":
		return elasticsearch.New(cfg.Sink.Elasticsearch, sinkMeta(cfg))
	case "redis":
		return redis.New(cfg.Sink.Redis)
	default:
		return nil, fmt.Errorf("unsupported sink: %q", cfg.Sink.Type)
	}
}

func sinkMeta(cfg *Config) common.Meta {
	host := cfg.Sink.Host
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return common.Meta{Host: host, Labels: cfg.Sink.Labels}
}
