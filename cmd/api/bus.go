package main

import (
	"context"
	"fmt"

	"retailops.org/internal/config"
	"retailops.org/internal/events"
	"retailops.org/internal/events/kafka"
	"retailops.org/internal/events/rabbitmq"
)

// bus publishes relayed events and feeds dispatchers.
type bus interface {
	events.Publisher
	// Consume feeds d from a named, durable subscription.
	Consume(ctx context.Context, d *events.Dispatcher) error
	// ConsumeTransient feeds d from a subscription private to this process.
	ConsumeTransient(ctx context.Context, d *events.Dispatcher) error
	Close() error
}

func openBus(cfg config.Config) (bus, error) {
	switch cfg.Bus {
	case config.BusKafka:
		pub, err := kafka.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		return &kafkaBus{Publisher: pub, brokers: cfg.KafkaBrokers}, nil
	case config.BusRabbitMQ:
		return rabbitmq.Dial(cfg.RabbitURL, cfg.RabbitExchange)
	case config.BusMemory:
		return memoryBus{events.NewMemoryBus()}, nil
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}

type memoryBus struct {
	*events.MemoryBus
}

func (m memoryBus) Consume(ctx context.Context, d *events.Dispatcher) error {
	m.Attach(d)
	<-ctx.Done()
	return nil
}

func (m memoryBus) ConsumeTransient(ctx context.Context, d *events.Dispatcher) error {
	return m.Consume(ctx, d)
}

func (memoryBus) Close() error { return nil }

type kafkaBus struct {
	*kafka.Publisher
	brokers []string
}

// Consume joins the consumer group named after d.
func (k *kafkaBus) Consume(ctx context.Context, d *events.Dispatcher) error {
	c, err := kafka.NewConsumer(k.brokers, d.Name(), events.Topics(d.Types()...))
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Run(ctx, d)
}

// ConsumeTransient relies on d carrying a process-unique name: a fresh group
// starts from the oldest retained offset and replays the topic.
func (k *kafkaBus) ConsumeTransient(ctx context.Context, d *events.Dispatcher) error {
	return k.Consume(ctx, d)
}
