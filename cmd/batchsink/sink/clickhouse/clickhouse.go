// Package clickhouse persists batches into a ClickHouse table with one
// prepared batch insert per flush.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/loykin/batchsink/cmd/batchsink/sink/common"
	"github.com/loykin/batchsink/internal/record"
)

type Sink struct {
	conn  ch.Conn
	table string
	meta  common.Meta
}

// Options translates cfg into driver options. Addresses with a scheme use
// the HTTP protocol, bare host:port uses native.
func Options(cfg Config) (*ch.Options, error) {
	auth := ch.Auth{Username: cfg.User, Password: cfg.Password, Database: cfg.Database}
	if !strings.Contains(cfg.Addr, "://") {
		return &ch.Options{Addr: []string{cfg.Addr}, Auth: auth}, nil
	}
	u, err := url.Parse(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid ch addr: %w", err)
	}
	opts := &ch.Options{Addr: []string{u.Host}, Protocol: ch.HTTP, Auth: auth}
	if u.Scheme == "https" {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// New runs the embedded migrations and opens the insert connection.
func New(cfg Config, meta common.Meta) (common.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	table := cfg.fullTable()
	if err := runMigrations(opts, table); err != nil {
		return nil, err
	}
	conn, err := ch.Open(opts)
	if err != nil {
		return nil, err
	}
	slog.Info("clickhouse connected", "addr", cfg.Addr, "table", table)
	return &Sink{conn: conn, table: table, meta: meta}, nil
}

// Persist sends the batch as a single block. ClickHouse applies a block
// atomically, so there is no partial outcome to report.
func (s *Sink) Persist(ctx context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+" (ts, host, labels, title, content)")
	if err != nil {
		return err
	}
	now := time.Now()
	labels := s.meta.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	for _, r := range batch {
		if err := b.Append(now, s.meta.Host, labels, r.Title, r.Content); err != nil {
			_ = b.Abort()
			return err
		}
	}
	return b.Send()
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
