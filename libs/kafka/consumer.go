package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// Consumer wraps a sarama consumer group. Handler errors are split two ways:
// a *DLQError is forwarded to the dead-letter topic and the message is
// marked, while any other error halts consumption without marking the
// message, since the command path must stop rather than skip a command.
type Consumer struct {
	group    sarama.ConsumerGroup
	logger   *slog.Logger
	dlq      Publisher
	dlqTopic string
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
	}, nil
}

func (c *Consumer) WithDLQ(publisher Publisher, topic string) {
	c.dlq = publisher
	c.dlqTopic = topic
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:  handler,
		logger:   c.logger,
		dlq:      c.dlq,
		dlqTopic: c.dlqTopic,
	}

	for {
		err := c.group.Consume(ctx, topics, cgHandler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			var halt *haltError
			if errors.As(err, &halt) {
				return halt.err
			}
			c.logger.Error("kafka consume error", "error", err)
			time.Sleep(2 * time.Second)
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type haltError struct {
	err error
}

func (e *haltError) Error() string { return e.err.Error() }
func (e *haltError) Unwrap() error { return e.err }

type consumerGroupHandler struct {
	handler  MessageHandler
	logger   *slog.Logger
	dlq      Publisher
	dlqTopic string
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			session.MarkMessage(msg, "")
			continue
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			h.sendToDLQ(msg, dlqErr)
			session.MarkMessage(msg, "")
			continue
		}

		h.logger.Error("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return &haltError{err: err}
	}
	return nil
}

func (h *consumerGroupHandler) sendToDLQ(msg *sarama.ConsumerMessage, dlqErr *DLQError) {
	h.logger.Warn("kafka message dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", dlqErr.Reason)
	if h.dlq == nil || h.dlqTopic == "" {
		return
	}
	payload := BuildDLQPayload(msg, dlqErr)
	h.dlq.PublishAsync(h.dlqTopic, string(msg.Key), payload, func(err error) {
		if err != nil {
			h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", err)
		}
	})
}
