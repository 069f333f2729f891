package main

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/batchsink/cmd/batchsink/sink/clickhouse"
	"github.com/loykin/batchsink/cmd/batchsink/sink/console"
	"github.com/loykin/batchsink/cmd/batchsink/sink/elasticsearch"
	"github.com/loykin/batchsink/cmd/batchsink/sink/mongo"
	"github.com/loykin/batchsink/cmd/batchsink/sink/opensearch"
	"github.com/loykin/batchsink/cmd/batchsink/sink/redis"
	"github.com/loykin/batchsink/internal/accumulator"
	"github.com/loykin/batchsink/internal/logging"
	"github.com/loykin/batchsink/internal/producer"
	filesource "github.com/loykin/batchsink/internal/source/file"
	"github.com/loykin/batchsink/internal/source/kafka"
)

// SinkConfig selects and configures the persistence backend.
type SinkConfig struct {
	Type   string            `mapstructure:"type"`   // console, file, mongo, clickhouse, opensearch, elasticsearch, redis
	Host   string            `mapstructure:"host"`   // override host; default os.Hostname()
	Labels map[string]string `mapstructure:"labels"` // optional key-value labels

	Console       console.Config       `mapstructure:"console"`
	File          console.FileConfig   `mapstructure:"file"`
	Mongo         mongo.Config         `mapstructure:"mongo"`
	ClickHouse    clickhouse.Config    `mapstructure:"clickhouse"`
	OpenSearch    opensearch.Config    `mapstructure:"opensearch"`
	Elasticsearch elasticsearch.Config `mapstructure:"elasticsearch"`
	Redis         redis.Config         `mapstructure:"redis"`
}

// SourceConfig selects where records come from.
type SourceConfig struct {
	Type  string            `mapstructure:"type"` // kafka or file
	Kafka kafka.Config      `mapstructure:"kafka"`
	File  filesource.Config `mapstructure:"file"`
	// StoreOffsets keeps the file source position in a SQLite database.
	StoreOffsets bool   `mapstructure:"store-offsets"`
	DBPath       string `mapstructure:"db-path"`
}

// ProducerConfig holds the HTTP ingress options of the produce command.
type ProducerConfig struct {
	Addr  string          `mapstructure:"addr"`
	Kafka producer.Config `mapstructure:"kafka"`
}

// PrometheusConfig holds metrics endpoint options.
type PrometheusConfig struct {
	Enable bool   `mapstructure:"enable"`
	Addr   string `mapstructure:"addr"`
}

// Config holds all configuration options for the batchsink application.
type Config struct {
	// Optional config file path (flag/env only)
	ConfigFile string

	Log        logging.Config     `mapstructure:"log"`
	Batch      accumulator.Config `mapstructure:"batch"`
	Source     SourceConfig       `mapstructure:"source"`
	Sink       SinkConfig         `mapstructure:"sink"`
	Producer   ProducerConfig     `mapstructure:"producer"`
	Prometheus PrometheusConfig   `mapstructure:"prometheus"`
}

// envKeys are nested keys without a flag. Viper only resolves environment
// variables for keys it already knows, so these are bound explicitly.
var envKeys = []string{
	"sink.host",
	"sink.console.stream",
	"sink.file.path", "sink.file.compress",
	"sink.mongo.uri", "sink.mongo.database", "sink.mongo.collection",
	"sink.clickhouse.addr", "sink.clickhouse.database", "sink.clickhouse.table",
	"sink.clickhouse.user", "sink.clickhouse.password",
	"sink.opensearch.url", "sink.opensearch.index", "sink.opensearch.user", "sink.opensearch.password",
	"sink.elasticsearch.addresses", "sink.elasticsearch.index",
	"sink.elasticsearch.user", "sink.elasticsearch.password", "sink.elasticsearch.api-key",
	"sink.redis.addr", "sink.redis.password", "sink.redis.db", "sink.redis.key", "sink.redis.encoding",
	"batch.retry.enabled", "batch.retry.initial-interval", "batch.retry.max-interval",
	"log.file.path", "log.file.max-size",
}

// LoadFromViper binds flags to viper, reads file/env, and populates the Config fields via mapstructure.
func (c *Config) LoadFromViper(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("BATCHSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return err
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Config file: --config flag or BATCHSINK_CONFIG env; no auto-defaults
	if c.ConfigFile == "" {
		c.ConfigFile = v.GetString("config")
	}
	if c.ConfigFile != "" {
		v.SetConfigFile(c.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Text unmarshalling lets sizes such as log.file.max-size be written as "100MB".
	return v.Unmarshal(c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Sink: SinkConfig{
			Type:    "mongo",
			Labels:  map[string]string{},
			Console: console.Config{Stream: "stdout"},
		},
		Source: SourceConfig{
			Type:   "kafka",
			DBPath: "./data/offsets.db",
		},
		Producer:   ProducerConfig{Addr: ":3000"},
		Prometheus: PrometheusConfig{Enable: true, Addr: ":3001"},
	}
	cfg.Log.Default()
	cfg.Batch.Default()
	cfg.Source.Kafka.Default()
	cfg.Source.File.Default()
	cfg.Sink.Mongo.Default()
	cfg.Sink.Redis.Default()
	cfg.Producer.Kafka.Default()
	return cfg
}

// SetupFlags adds the shared flags to a command.
func (c *Config) SetupFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Path to config file (yaml/json/toml)")

	f.StringVar(&c.Log.Level, "log.level", c.Log.Level, "Log level (debug, info, warn, error)")
	f.StringVar(&c.Log.Format, "log.format", c.Log.Format, "Log format (text or json)")
	f.StringVar(&c.Log.Output, "log.output", c.Log.Output, "Log output (stdout, stderr or file)")

	f.BoolVar(&c.Prometheus.Enable, "prometheus.enable", c.Prometheus.Enable, "Enable the metrics and health HTTP endpoint")
	f.StringVar(&c.Prometheus.Addr, "prometheus.addr", c.Prometheus.Addr, "Metrics and health listen address (e.g., :3001)")
}

// SetupConsumeFlags adds the flags of the consume command.
func (c *Config) SetupConsumeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&c.Batch.BatchSize, "batch.batch-size", c.Batch.BatchSize, "Flush when this many records are buffered")
	f.DurationVar(&c.Batch.FlushInterval, "batch.flush-interval", c.Batch.FlushInterval, "Flush buffered records at least this often")
	f.DurationVar(&c.Batch.FlushTimeout, "batch.flush-timeout", c.Batch.FlushTimeout, "Abort a single persist call after this long (0 disables)")
	f.IntVar(&c.Batch.MaxBuffered, "batch.max-buffered", c.Batch.MaxBuffered, "Cap on buffered records (0 = unbounded)")
	f.StringVar(&c.Batch.Overflow, "batch.overflow", c.Batch.Overflow,
		fmt.Sprintf("Policy when the buffer is full (%s or %s)", accumulator.OverflowDropOldest, accumulator.OverflowReject))
	f.StringVar(&c.Batch.Requeue, "batch.requeue", c.Batch.Requeue,
		fmt.Sprintf("Records put back after a failed flush (%s or %s)", accumulator.RequeueAll, accumulator.RequeueFailed))
	f.StringSliceVar(&c.Batch.Include, "batch.include", c.Batch.Include, "Only accept records containing one of these substrings")
	f.StringSliceVar(&c.Batch.Exclude, "batch.exclude", c.Batch.Exclude, "Drop records containing one of these substrings")

	f.StringVar(&c.Source.Type, "source.type", c.Source.Type, "Record source (kafka or file)")
	f.StringSliceVar(&c.Source.Kafka.Brokers, "source.kafka.brokers", c.Source.Kafka.Brokers, "Kafka bootstrap brokers")
	f.StringVar(&c.Source.Kafka.Topic, "source.kafka.topic", c.Source.Kafka.Topic, "Kafka topic to consume")
	f.StringVar(&c.Source.Kafka.Group, "source.kafka.group", c.Source.Kafka.Group, "Kafka consumer group")
	f.StringVar(&c.Source.File.Path, "source.file.path", c.Source.File.Path, "NDJSON file to follow when source.type is file")
	f.BoolVar(&c.Source.StoreOffsets, "source.store-offsets", c.Source.StoreOffsets, "Store and restore file source offsets across restarts")
	f.StringVar(&c.Source.DBPath, "source.db-path", c.Source.DBPath, "Path to offsets SQLite DB (when --source.store-offsets)")

	// Backend credentials are intentionally not exposed as flags. Configure
	// them via config file or environment (BATCHSINK_SINK_MONGO_URI, ...).
	f.StringVar(&c.Sink.Type, "sink.type", c.Sink.Type, "Sink backend (console, file, mongo, clickhouse, opensearch, elasticsearch, redis)")
}

// SetupProduceFlags adds the flags of the produce command.
func (c *Config) SetupProduceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.Producer.Addr, "producer.addr", c.Producer.Addr, "HTTP listen address of the producer API")
	f.StringSliceVar(&c.Producer.Kafka.Brokers, "producer.kafka.brokers", c.Producer.Kafka.Brokers, "Kafka bootstrap brokers")
	f.StringVar(&c.Producer.Kafka.Topic, "producer.kafka.topic", c.Producer.Kafka.Topic, "Kafka topic to publish to")
}

// Validate checks the options used by the consume command.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch config: %w", err)
	}

	switch c.Source.Type {
	case "kafka":
		if err := c.Source.Kafka.Validate(); err != nil {
			return err
		}
	case "file":
		if err := c.Source.File.Validate(); err != nil {
			return err
		}
		if c.Source.StoreOffsets && c.Source.DBPath == "" {
			return fmt.Errorf("source.db-path must be set when source.store-offsets is true")
		}
	default:
		return fmt.Errorf("invalid source.type: %s", c.Source.Type)
	}

	if err := c.validateSink(); err != nil {
		return err
	}

	if c.Prometheus.Enable && c.Prometheus.Addr == "" {
		return fmt.Errorf("prometheus.addr must be set when prometheus.enable is true")
	}
	return nil
}

func (c *Config) validateSink() error {
	switch c.Sink.Type {
	case "console":
		return c.Sink.Console.Validate()
	case "file":
		return c.Sink.File.Validate()
	case "mongo":
		return c.Sink.Mongo.Validate()
	case "clickhouse":
		return c.Sink.ClickHouse.Validate()
	case "opensearch":
		return c.Sink.OpenSearch.Validate()
	case "elasticsearch":
		return c.Sink.Elasticsearch.Validate()
	case "redis":
		return c.Sink.Redis.Validate()
	default:
		return fmt.Errorf("invalid sink.type: %q", c.Sink.Type)
	}
}

// ValidateProducer checks the options used by the produce command.
func (c *Config) ValidateProducer() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.Producer.Addr == "" {
		return fmt.Errorf("producer.addr must be set")
	}
	return c.Producer.Kafka.Validate()
}
