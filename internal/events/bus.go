package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryBus is an in-process transport. Attached dispatchers receive every
// envelope synchronously, so a failing consumer fails the publish and the
// relay retries it. Taps receive a best-effort copy for live feeds.
type MemoryBus struct {
	mu          sync.RWMutex
	dispatchers []*Dispatcher
	taps        map[int]chan Event
	next        int
}

// NewMemoryBus creates a bus with no consumers.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{taps: make(map[int]chan Event)}
}

// Attach subscribes a dispatcher for reliable delivery.
func (b *MemoryBus) Attach(d *Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, d)
}

// Subscribe registers a tap. The channel is closed when ctx ends.
func (b *MemoryBus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.taps[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.taps, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every attached dispatcher and then to the taps.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	raw, err := Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.ID, err)
	}
	b.mu.RLock()
	dispatchers := append([]*Dispatcher(nil), b.dispatchers...)
	b.mu.RUnlock()

	var errs []error
	for _, d := range dispatchers {
		if err := d.Handle(ctx, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}

	b.mu.RLock()
	for _, ch := range b.taps {
		select {
		case ch <- evt:
		default:
			// Slow taps miss events; they are not consumers of record.
		}
	}
	b.mu.RUnlock()

	return errors.Join(errs...)
}
