package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	mu       sync.Mutex
	failures int
	got      []Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, evt)
	return nil
}

func testEvent(t *testing.T, subject string, version int64) Event {
	t.Helper()
	return MustNew(Spec{
		Type:      TypeStockChanged,
		SubjectID: subject,
		Version:   version,
		Payload:   StockPayload{ProductID: subject, After: version},
	}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestRelayPublishesInCommitOrder(t *testing.T) {
	outbox := NewMemoryOutbox()
	first, second := testEvent(t, "p-1", 1), testEvent(t, "p-1", 2)
	if err := outbox.Append(context.Background(), first, second); err != nil {
		t.Fatalf("Append: %v", err)
	}
	pub := &recordingPublisher{}
	relay := NewRelay(nil, outbox, pub, RelayConfig{})

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 || len(pub.got) != 2 {
		t.Fatalf("expected 2 published, got %d", n)
	}
	if pub.got[0].ID != first.ID || pub.got[1].ID != second.ID {
		t.Fatal("events published out of order")
	}
	if len(outbox.Pending()) != 0 {
		t.Fatal("expected outbox drained")
	}
}

func TestRelayRetriesWithBackoffThenDeadLetters(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	outbox := NewMemoryOutbox()
	evt := testEvent(t, "p-9", 1)
	if err := outbox.Append(context.Background(), evt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	pub := &recordingPublisher{failures: 10}
	relay := NewRelay(nil, outbox, pub, RelayConfig{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Second },
	}).WithClock(clock)

	if _, err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	pending := outbox.Pending()
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Fatalf("expected one scheduled retry, got %+v", pending)
	}

	// Not due yet.
	pub.failures = 10
	if _, err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outbox.Pending()[0].Attempts != 1 {
		t.Fatal("retry attempted before backoff elapsed")
	}

	now = now.Add(2 * time.Second)
	_, _ = relay.RunOnce(context.Background())
	now = now.Add(2 * time.Second)
	_, _ = relay.RunOnce(context.Background())

	if len(outbox.Pending()) != 0 {
		t.Fatal("expected nothing pending after dead-letter")
	}
	dead := outbox.DeadLettered()
	if len(dead) != 1 || dead[0].Event.ID != evt.ID || dead[0].Attempts != 3 {
		t.Fatalf("expected dead-lettered record, got %+v", dead)
	}
}

func TestRelayRecoversAfterTransientFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	outbox := NewMemoryOutbox()
	_ = outbox.Append(context.Background(), testEvent(t, "p-2", 1))
	pub := &recordingPublisher{failures: 1}
	relay := NewRelay(nil, outbox, pub, RelayConfig{
		Backoff: func(int) time.Duration { return time.Millisecond },
	}).WithClock(func() time.Time { return now })

	_, _ = relay.RunOnce(context.Background())
	now = now.Add(time.Second)
	n, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 1 || len(pub.got) != 1 {
		t.Fatalf("expected delivery after retry, got %d", n)
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	b := ExponentialBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}
