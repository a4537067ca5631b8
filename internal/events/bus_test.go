package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBusRedeliversUntilConsumerSucceeds(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	bus := NewMemoryBus()

	healthy := NewDispatcher("healthy", nil, nil)
	healthyCalls := 0
	healthy.On(TypeStockChanged, func(context.Context, Event) error {
		healthyCalls++
		return nil
	})
	flaky := NewDispatcher("flaky", nil, nil)
	flakyFailures := 1
	flakyCalls := 0
	flaky.On(TypeStockChanged, func(context.Context, Event) error {
		if flakyFailures > 0 {
			flakyFailures--
			return errors.New("transient")
		}
		flakyCalls++
		return nil
	})
	bus.Attach(healthy)
	bus.Attach(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tap := bus.Subscribe(ctx)

	outbox := NewMemoryOutbox()
	_ = outbox.Append(context.Background(), testEvent(t, "p-3", 1))
	relay := NewRelay(nil, outbox, bus, RelayConfig{
		Backoff: func(int) time.Duration { return time.Millisecond },
	}).WithClock(func() time.Time { return now })

	_, _ = relay.RunOnce(context.Background())
	now = now.Add(time.Second)
	if _, err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if healthyCalls != 1 {
		t.Fatalf("healthy consumer applied %d times, want 1", healthyCalls)
	}
	if flakyCalls != 1 {
		t.Fatalf("flaky consumer applied %d times, want 1", flakyCalls)
	}
	select {
	case evt := <-tap:
		if evt.SubjectID != "p-3" {
			t.Fatalf("unexpected tapped event %+v", evt)
		}
	default:
		t.Fatal("expected tap to observe the event")
	}
}
