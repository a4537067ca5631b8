package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"retailops.org/internal/events"
)

type fakeChannel struct {
	published  []amqp.Publishing
	keys       []string
	bindings   []string
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, key)
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error { return nil }

type fakeAck struct {
	acked  []uint64
	nacked []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, _ bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAck) Reject(tag uint64, _ bool) error { return nil }

func TestPublishIsPersistentAndRoutedByType(t *testing.T) {
	ch := &fakeChannel{}
	c, err := NewClient(ch, "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	evt := events.MustNew(events.Spec{
		Type:      events.TypeTenantDeactivated,
		SubjectID: "t-1",
		Version:   2,
		Payload:   events.TenantPayload{TenantID: "t-1", Status: "INACTIVE"},
	}, time.Now())
	if err := c.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ch.published) != 1 || ch.keys[0] != events.TypeTenantDeactivated {
		t.Fatalf("unexpected publish %v", ch.keys)
	}
	if ch.published[0].DeliveryMode != amqp.Persistent || ch.published[0].MessageId != evt.ID {
		t.Fatalf("publishing not persistent or missing id: %+v", ch.published[0])
	}
}

func TestConsumeAcksSuccessAndRequeuesFailure(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	c, _ := NewClient(ch, "", nil)
	c.WithRetryDelay(func(int) time.Duration { return time.Millisecond })
	ack := &fakeAck{}

	evt := events.MustNew(events.Spec{
		Type:      events.TypeUserDeactivated,
		SubjectID: "u-1",
		Version:   1,
		Payload:   events.UserPayload{UserID: "u-1"},
	}, time.Now())
	raw, _ := events.Encode(evt)
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: raw}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: raw}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	d := events.NewDispatcher("outlet-service", nil, nil).On(events.TypeUserDeactivated, func(context.Context, events.Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		cancel()
		return nil
	})

	if err := c.Consume(ctx, d); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(ch.bindings) != 1 || ch.bindings[0] != events.TypeUserDeactivated {
		t.Fatalf("unexpected bindings %v", ch.bindings)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 1 {
		t.Fatalf("expected first delivery requeued, got %v", ack.nacked)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 2 {
		t.Fatalf("expected second delivery acked, got %v", ack.acked)
	}
}

func TestConsumeBacksOffBeforeRequeue(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
	c, _ := NewClient(ch, "", nil)
	var attempts []int
	c.WithRetryDelay(func(attempt int) time.Duration {
		attempts = append(attempts, attempt)
		return 20 * time.Millisecond
	})
	ack := &fakeAck{}

	evt := events.MustNew(events.Spec{
		Type:      events.TypeUserDeactivated,
		SubjectID: "u-2",
		Version:   1,
		Payload:   events.UserPayload{UserID: "u-2"},
	}, time.Now())
	raw, _ := events.Encode(evt)
	for tag := uint64(1); tag <= 4; tag++ {
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: raw}
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	d := events.NewDispatcher("pos-service", nil, nil).On(events.TypeUserDeactivated, func(context.Context, events.Event) error {
		calls++
		if calls < 4 {
			return errors.New("database down")
		}
		cancel()
		return nil
	})

	start := time.Now()
	if err := c.Consume(ctx, d); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("requeues must wait for the retry delay, took %v", elapsed)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("expected growing attempt numbers, got %v", attempts)
	}
	if len(ack.nacked) != 3 || len(ack.acked) != 1 {
		t.Fatalf("nacked=%v acked=%v", ack.nacked, ack.acked)
	}
}
