// Package kafka carries domain events over Kafka topics keyed by subject id.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"retailops.org/internal/events"
	"retailops.org/internal/obs"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (skafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher writes envelopes to the topic mapped from their type.
type Publisher struct {
	writer Writer
}

// NewPublisher dials brokers with acks from all in-sync replicas and hashes
// keys so a subject always lands on one partition.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	return NewPublisherWithWriter(&skafka.Writer{
		Addr:                   skafka.TCP(brokers...),
		RequiredAcks:           skafka.RequireAll,
		Balancer:               &skafka.Hash{},
		AllowAutoTopicCreation: true,
	}), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w}
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(ctx context.Context, evt events.Event) error {
	payload, err := events.Encode(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, skafka.Message{
		Topic: events.TopicFor(evt.Type),
		Key:   []byte(evt.PartitionKey()),
		Value: payload,
		Time:  evt.OccurredAt,
		Headers: []skafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "event_id", Value: []byte(evt.ID)},
		},
	})
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.writer.Close() }

// Consumer feeds a consumer group into a dispatcher, committing offsets only
// after the dispatcher accepted the message.
type Consumer struct {
	reader     Reader
	logger     *slog.Logger
	retryDelay events.Backoff
}

// NewConsumer joins groupID on the topics carrying the dispatcher's types.
func NewConsumer(brokers []string, groupID string, topics []string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer requires group id")
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka consumer requires at least one topic")
	}
	return NewConsumerWithReader(skafka.NewReader(skafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		StartOffset: skafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	}), nil), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r Reader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Consumer{
		reader:     r,
		logger:     logger,
		retryDelay: events.ExponentialBackoff(200*time.Millisecond, 30*time.Second),
	}
}

// Run blocks until ctx ends. A message whose handling fails is not
// committed; it is handed to the dispatcher again after a pause, which keeps
// per-partition order intact.
func (c *Consumer) Run(ctx context.Context, d *events.Dispatcher) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WarnContext(ctx, "kafka fetch failed",
				"module", "events.kafka",
				"consumer", d.Name(),
				"error", err,
			)
			sleep(ctx, time.Second)
			continue
		}
		for attempt := 1; ; attempt++ {
			err := d.Handle(ctx, msg.Value)
			if err == nil {
				break
			}
			c.logger.WarnContext(ctx, "kafka message not committed; redelivering",
				"module", "events.kafka",
				"consumer", d.Name(),
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"attempt", attempt,
				"error", err,
			)
			sleep(ctx, c.retryDelay(attempt))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// WithRetryDelay overrides the pause between redeliveries of a failed message.
func (c *Consumer) WithRetryDelay(b events.Backoff) *Consumer {
	if b != nil {
		c.retryDelay = b
	}
	return c
}

// Close leaves the group.
func (c *Consumer) Close() error { return c.reader.Close() }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
