package kafka

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// Config holds Kafka consumer options.
type Config struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	Group         string   `mapstructure:"group"`
	ClientID      string   `mapstructure:"client-id"`
	Version       string   `mapstructure:"version"`
	FromBeginning bool     `mapstructure:"from-beginning"`
}

func (c *Config) Default() {
	c.Brokers = []string{"localhost:9092"}
	c.Topic = "posts"
	c.Group = "post-consumer-group"
	c.ClientID = "post-consumer"
	c.Version = sarama.V2_8_0_0.String()
	c.FromBeginning = true
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("source.kafka.brokers must not be empty")
	}
	if c.Topic == "" || c.Group == "" {
		return errors.New("source.kafka requires topic and group")
	}
	if c.Version != "" {
		if _, err := sarama.ParseKafkaVersion(c.Version); err != nil {
			return fmt.Errorf("invalid source.kafka.version: %w", err)
		}
	}
	return nil
}

// SaramaConfig translates c into a consumer group configuration.
func (c Config) SaramaConfig() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = v
	}
	sc.Metadata.Retry.Max = 3
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	if c.FromBeginning {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, nil
}
