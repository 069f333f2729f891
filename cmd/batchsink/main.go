package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/batchsink/internal/accumulator"
	"github.com/loykin/batchsink/internal/api"
	"github.com/loykin/batchsink/internal/logging"
	"github.com/loykin/batchsink/internal/metrics"
	"github.com/loykin/batchsink/internal/producer"
	filesource "github.com/loykin/batchsink/internal/source/file"
	"github.com/loykin/batchsink/internal/source/kafka"
	"github.com/loykin/batchsink/internal/store"
)

const consumerHealth = "Post Consumer Service is running"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := newConsumeCmd("batchsink")
	rootCmd.Short = "Batch posts from Kafka or a file into a storage backend"
	rootCmd.Long = `batchsink consumes post records, buffers them in memory and writes them
to a storage backend in bulk, flushing by size or by time.

Examples:
  # Consume the posts topic into MongoDB (default)
  batchsink --source.kafka.brokers localhost:9092

  # Follow an NDJSON file and print batches to stdout
  batchsink --source.type file --source.file.path ./posts.ndjson --sink.type console

  # Run the HTTP producer that publishes posts to Kafka
  batchsink produce --producer.kafka.brokers localhost:9092`
	rootCmd.AddCommand(newConsumeCmd("consume"), newProduceCmd())
	return rootCmd
}

func newConsumeCmd(use string) *cobra.Command {
	config := DefaultConfig()
	cmd := &cobra.Command{
		Use:          use,
		Short:        "Consume records and persist them in batches",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadFromViper(cmd); err != nil {
				return err
			}
			return config.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsumer(ctx, config)
		},
	}
	config.SetupFlags(cmd)
	config.SetupConsumeFlags(cmd)
	return cmd
}

func newProduceCmd() *cobra.Command {
	config := DefaultConfig()
	config.Prometheus.Enable = false
	cmd := &cobra.Command{
		Use:          "produce",
		Short:        "Serve the HTTP API that publishes posts to Kafka",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadFromViper(cmd); err != nil {
				return err
			}
			return config.ValidateProducer()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProducer(ctx, config)
		},
	}
	config.SetupFlags(cmd)
	config.SetupProduceFlags(cmd)
	return cmd
}

// source is a record producer feeding the accumulator until ctx is done.
type source interface {
	Run(ctx context.Context) error
	Close() error
}

func runConsumer(ctx context.Context, config *Config) error {
	logCloser, err := logging.Setup(config.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	// Register our metrics explicitly to the default registry to avoid library init-time side effects
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register prometheus metrics: %w", err)
	}
	if config.Prometheus.Enable {
		metricsServer, err := metrics.Start(config.Prometheus.Addr, consumerHealth)
		if err != nil {
			return fmt.Errorf("failed to start prometheus endpoint: %w", err)
		}
		defer func() { _ = metricsServer.Stop() }()
	}

	sink, err := buildSink(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Warn("failed to close sink", "sink", config.Sink.Type, "error", err)
		}
	}()

	acc, err := accumulator.New(config.Batch, sink, accumulator.WithName(config.Sink.Type))
	if err != nil {
		return err
	}

	src, err := buildSource(config, acc)
	if err != nil {
		_ = acc.Stop()
		return err
	}

	slog.Info("consumer started",
		"source", config.Source.Type,
		"sink", config.Sink.Type,
		"batch_size", config.Batch.BatchSize,
		"flush_interval", config.Batch.FlushInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(gctx) })
	runErr := g.Wait()

	slog.Info("shutting down")
	if err := src.Close(); err != nil {
		slog.Warn("failed to close source", "source", config.Source.Type, "error", err)
	}
	return errors.Join(runErr, acc.Stop())
}

func buildSource(config *Config, acc accumulator.Acceptor) (source, error) {
	switch config.Source.Type {
	case "kafka":
		return kafka.New(config.Source.Kafka, kafka.Handler(acc.Accept))
	case "file":
		var st store.Store
		if config.Source.StoreOffsets {
			s, err := store.NewSQLiteStore(config.Source.DBPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open offset store: %w", err)
			}
			st = s
		}
		fs, err := filesource.New(config.Source.File, st, filesource.Handler(acc.Accept))
		if err != nil {
			if st != nil {
				_ = st.Close()
			}
			return nil, err
		}
		return &fileSource{Source: fs, store: st}, nil
	default:
		return nil, fmt.Errorf("unsupported source: %q", config.Source.Type)
	}
}

// fileSource ties the offset store lifetime to the file source.
type fileSource struct {
	*filesource.Source
	store store.Store
}

func (f *fileSource) Close() error {
	if f.store == nil {
		return nil
	}
	return f.store.Close()
}

func runProducer(ctx context.Context, config *Config) error {
	logCloser, err := logging.Setup(config.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register prometheus metrics: %w", err)
	}

	prod, err := producer.New(config.Producer.Kafka)
	if err != nil {
		return fmt.Errorf("error creating producer: %w", err)
	}
	defer func() { _ = prod.Close() }()

	srv, err := api.Start(config.Producer.Addr, prod)
	if err != nil {
		return err
	}
	slog.Info("producer started", "addr", srv.Addr(), "topic", config.Producer.Kafka.Topic)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		return srv.Stop()
	})
	return g.Wait()
}
