// Package redis appends batches to a Redis list with one pipelined round
// trip per flush.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redisV9 "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/internal/record"
)

// Value encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

type encoder func(record.Record) ([]byte, error)

func encoderFor(encoding string) (encoder, error) {
	switch encoding {
	case "", EncodingJSON:
		return record.Record.Encode, nil
	case EncodingMsgpack:
		return func(r record.Record) ([]byte, error) { return msgpack.Marshal(r) }, nil
	default:
		return nil, fmt.Errorf("invalid sink.redis.encoding: %s", encoding)
	}
}

type Sink struct {
	client redisV9.UniversalClient
	key    string
	encode encoder
}

// New connects and pings the server.
func New(cfg Config) (common.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redisV9.NewClient(&redisV9.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("redis connected", "addr", cfg.Addr, "key", cfg.Key, "encoding", cfg.Encoding)
	s, err := NewWithClient(client, cfg.Key, cfg.Encoding)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redisV9.UniversalClient, key, encoding string) (*Sink, error) {
	enc, err := encoderFor(encoding)
	if err != nil {
		return nil, err
	}
	return &Sink{client: client, key: key, encode: enc}, nil
}

// Persist pushes every record in the configured encoding. A pipeline is not a transaction, so
// commands that failed are reported individually.
func (s *Sink) Persist(ctx context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range batch {
		data, err := s.encode(r)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, s.key, data)
	}
	cmds, err := pipe.Exec(ctx)
	if err == nil {
		return nil
	}
	failed := failedIndexes(cmds)
	if len(failed) == 0 || len(failed) == len(batch) {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return common.Partial(failed, fmt.Errorf("redis pipeline: %w", err))
}

func failedIndexes(cmds []redisV9.Cmder) []int {
	var failed []int
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			failed = append(failed, i)
		}
	}
	return failed
}

func (s *Sink) Close() error {
	return s.client.Close()
}
