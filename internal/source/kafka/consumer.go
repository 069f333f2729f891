// Package kafka consumes post records from a Kafka topic through a consumer
// group and hands each decoded record to a handler.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/loykin/batchsink/internal/record"
)

// Handler receives every decoded record. It must not block for long; the
// partition is not advanced until it returns.
type Handler func(record.Record)

// Consumer runs a consumer group session loop for a single topic.
type Consumer struct {
	cfg     Config
	group   sarama.ConsumerGroup
	handler *groupHandler
	wg      sync.WaitGroup
}

// New connects to the brokers and joins the consumer group.
func New(cfg Config, handle Handler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return NewWithGroup(cfg, group, handle)
}

// NewWithGroup wraps an existing consumer group.
func NewWithGroup(cfg Config, group sarama.ConsumerGroup, handle Handler) (*Consumer, error) {
	if handle == nil {
		return nil, errors.New("kafka consumer requires a handler")
	}
	c := &Consumer{
		cfg:     cfg,
		group:   group,
		handler: &groupHandler{topic: cfg.Topic, handle: handle},
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			slog.Error("kafka consumer error", "topic", cfg.Topic, "group", cfg.Group, "error", err)
		}
	}()
	return c, nil
}

// Run consumes until ctx is cancelled or the group is closed. Consume returns
// on every rebalance, so it is called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("kafka consumer started", "topic", c.cfg.Topic, "group", c.cfg.Group, "brokers", c.cfg.Brokers)
	for {
		if err := c.group.Consume(ctx, []string{c.cfg.Topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", c.cfg.Topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the group and waits for the error logger to finish.
func (c *Consumer) Close() error {
	err := c.group.Close()
	c.wg.Wait()
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	topic  string
	handle Handler
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	slog.Info("kafka session started", "member", s.MemberID(), "generation", s.GenerationID(), "claims", s.Claims())
	return nil
}

func (h *groupHandler) Cleanup(s sarama.ConsumerGroupSession) error {
	slog.Info("kafka session ended", "member", s.MemberID(), "generation", s.GenerationID())
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// process decodes one message. Empty and undecodable messages are logged and
// skipped; they are still marked so the partition keeps moving.
func (h *groupHandler) process(msg *sarama.ConsumerMessage) {
	if len(msg.Value) == 0 {
		slog.Warn("received empty message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return
	}
	rec, err := record.Decode(msg.Value)
	if err != nil {
		slog.Error("error parsing message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		return
	}
	h.handle(rec)
}
