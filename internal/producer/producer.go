// Package producer publishes post records to Kafka.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/loykin/batchsink/internal/record"
)

// Config holds producer options.
type Config struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client-id"`
	Version  string   `mapstructure:"version"`
	// Partitions and ReplicationFactor are used when the topic is created.
	Partitions        int32 `mapstructure:"partitions"`
	ReplicationFactor int16 `mapstructure:"replication-factor"`
}

func (c *Config) Default() {
	c.Brokers = []string{"localhost:9092"}
	c.Topic = "posts"
	c.ClientID = "post-producer"
	c.Version = sarama.V2_8_0_0.String()
	c.Partitions = 1
	c.ReplicationFactor = 1
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("producer.brokers must not be empty")
	}
	if c.Topic == "" {
		return errors.New("producer.topic must be set")
	}
	if c.Partitions <= 0 || c.ReplicationFactor <= 0 {
		return errors.New("producer.partitions and producer.replication-factor must be > 0")
	}
	if _, err := c.kafkaVersion(); err != nil {
		return err
	}
	return nil
}

func (c Config) kafkaVersion() (sarama.KafkaVersion, error) {
	if c.Version == "" {
		return sarama.V2_8_0_0, nil
	}
	v, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return v, fmt.Errorf("invalid producer.version: %w", err)
	}
	if !v.IsAtLeast(sarama.V0_11_0_0) {
		return v, fmt.Errorf("producer.version %s does not support idempotence", v)
	}
	return v, nil
}

// SaramaConfig returns an idempotent producer configuration: every write is
// acknowledged by all in-sync replicas and at most one request is in flight.
func (c Config) SaramaConfig() (*sarama.Config, error) {
	v, err := c.kafkaVersion()
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = v
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Producer.Idempotent = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Net.MaxOpenRequests = 1
	sc.Metadata.Retry.Max = 3
	return sc, nil
}

// Producer publishes records to a single topic.
type Producer struct {
	topic    string
	producer sarama.SyncProducer
}

// New ensures the topic exists and connects a synchronous producer.
func New(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}
	if err := EnsureTopic(cfg, sc); err != nil {
		return nil, err
	}
	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return NewWithProducer(cfg.Topic, sp), nil
}

// NewWithProducer wraps an existing SyncProducer.
func NewWithProducer(topic string, sp sarama.SyncProducer) *Producer {
	return &Producer{topic: topic, producer: sp}
}

// Publish validates r and writes it to the topic, keyed by title.
func (p *Producer) Publish(ctx context.Context, r record.Record) error {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := r.Encode()
	if err != nil {
		return err
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(r.Title),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	slog.Debug("post published", "topic", p.topic, "partition", partition, "offset", offset)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// EnsureTopic creates the topic when the cluster does not have it yet.
func EnsureTopic(cfg Config, sc *sarama.Config) error {
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("create cluster admin: %w", err)
	}
	defer func() { _ = admin.Close() }()
	return ensureTopic(admin, cfg)
}

func ensureTopic(admin sarama.ClusterAdmin, cfg Config) error {
	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if _, ok := topics[cfg.Topic]; ok {
		slog.Debug("topic exists", "topic", cfg.Topic)
		return nil
	}
	err = admin.CreateTopic(cfg.Topic, &sarama.TopicDetail{
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}, false)
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	slog.Info("topic created", "topic", cfg.Topic, "partitions", cfg.Partitions, "replication_factor", cfg.ReplicationFactor)
	return nil
}
