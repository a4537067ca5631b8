// Package rabbitmq carries domain events over a durable topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"retailops.org/internal/events"
	"retailops.org/internal/obs"
)

// DefaultExchange receives every domain event, routed by event type.
const DefaultExchange = "retail.events"

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Client owns one connection and channel.
type Client struct {
	conn       *amqp.Connection
	ch         Channel
	exchange   string
	logger     *slog.Logger
	retryDelay events.Backoff
}

// Dial opens a connection and declares the durable exchange. An empty
// exchange selects DefaultExchange.
func Dial(url, exchange string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c, err := NewClient(ch, exchange, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// NewClient wraps an open channel.
func NewClient(ch Channel, exchange string, logger *slog.Logger) (*Client, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = obs.Logger()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Client{
		ch:         ch,
		exchange:   exchange,
		logger:     logger,
		retryDelay: events.ExponentialBackoff(200*time.Millisecond, 30*time.Second),
	}, nil
}

// WithRetryDelay overrides the pause before a failed delivery is requeued.
// The attempt number counts consecutive failures on the queue.
func (c *Client) WithRetryDelay(b events.Backoff) *Client {
	if b != nil {
		c.retryDelay = b
	}
	return c
}

// Publish implements events.Publisher with persistent delivery.
func (c *Client) Publish(ctx context.Context, evt events.Event) error {
	body, err := events.Encode(evt)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, c.exchange, evt.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Type:         evt.Type,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
}

// Consume binds a durable queue named after the dispatcher to every type it
// handles and feeds deliveries into it until ctx ends. Successful or skipped
// deliveries are acked; failures are nacked with requeue after the retry
// delay.
func (c *Client) Consume(ctx context.Context, d *events.Dispatcher) error {
	if d.Name() == "" {
		return errors.New("rabbitmq consumer requires a dispatcher name")
	}
	q, err := c.ch.QueueDeclare(d.Name(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", d.Name(), err)
	}
	return c.consume(ctx, d, q.Name)
}

// ConsumeTransient feeds d from an exclusive server-named queue that is
// deleted when the connection closes. In-memory read models use it; they
// only see events published after they connect.
func (c *Client) ConsumeTransient(ctx context.Context, d *events.Dispatcher) error {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare transient queue: %w", err)
	}
	return c.consume(ctx, d, q.Name)
}

func (c *Client) consume(ctx context.Context, d *events.Dispatcher, queue string) error {
	for _, typ := range d.Types() {
		if err := c.ch.QueueBind(queue, typ, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, typ, err)
		}
	}
	if err := c.ch.Qos(32, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := d.Handle(ctx, msg.Body); err != nil {
				failures++
				delay := c.retryDelay(failures)
				c.logger.WarnContext(ctx, "rabbitmq delivery requeued",
					"module", "events.rabbitmq",
					"consumer", queue,
					"delivery_tag", msg.DeliveryTag,
					"attempt", failures,
					"retry_in", delay,
					"error", err,
				)
				sleep(ctx, delay)
				if nerr := msg.Nack(false, true); nerr != nil {
					return fmt.Errorf("nack: %w", nerr)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			failures = 0
			if err := msg.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}

// Close releases the channel and connection.
func (c *Client) Close() error {
	err := c.ch.Close()
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
