package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"retailops.org/internal/obs"
)

// Handler applies one event to local state. Returning an error leaves the
// delivery unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, evt Event) error

// Deduper remembers which event ids a consumer already applied.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// Dispatcher routes decoded envelopes to handlers with duplicate suppression.
type Dispatcher struct {
	name     string
	logger   *slog.Logger
	dedup    Deduper
	timeout  time.Duration
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher builds a dispatcher for the named consumer group.
func NewDispatcher(name string, dedup Deduper, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = obs.Logger()
	}
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Dispatcher{
		name:     name,
		logger:   logger,
		dedup:    dedup,
		timeout:  10 * time.Second,
		handlers: make(map[string]Handler),
	}
}

// Name identifies the consumer group.
func (d *Dispatcher) Name() string { return d.name }

// On registers h for eventType, replacing any previous handler.
func (d *Dispatcher) On(eventType string, h Handler) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
	return d
}

// Types lists the event types with a registered handler.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for typ := range d.handlers {
		out = append(out, typ)
	}
	return out
}

// Handle decodes raw and delivers it. A nil result means the message may be
// acknowledged: malformed and unknown messages are logged and skipped rather
// than redelivered forever.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) error {
	evt, err := Decode(raw)
	if err != nil {
		obs.EventsConsumed.WithLabelValues("unknown", "skipped").Inc()
		d.logger.WarnContext(ctx, "skipping malformed event",
			"module", "events.dispatcher",
			"consumer", d.name,
			"payload_bytes", len(raw),
			"error", err,
		)
		return nil
	}
	return d.Deliver(ctx, evt)
}

// Deliver applies an already decoded envelope.
func (d *Dispatcher) Deliver(ctx context.Context, evt Event) error {
	d.mu.RLock()
	h, ok := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !ok {
		obs.EventsConsumed.WithLabelValues(evt.Type, "skipped").Inc()
		d.logger.DebugContext(ctx, "skipping unhandled event type",
			"module", "events.dispatcher",
			"consumer", d.name,
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		return nil
	}

	seen, err := d.dedup.Seen(ctx, evt.ID)
	if err != nil {
		return fmt.Errorf("dedup lookup %s: %w", evt.ID, err)
	}
	if seen {
		obs.EventsConsumed.WithLabelValues(evt.Type, "duplicate").Inc()
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	err = h(hctx, evt)
	cancel()
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			obs.EventsConsumed.WithLabelValues(evt.Type, "skipped").Inc()
			d.logger.WarnContext(ctx, "skipping event with malformed payload",
				"module", "events.dispatcher",
				"consumer", d.name,
				"event_id", evt.ID,
				"event_type", evt.Type,
				"error", err,
			)
			return d.dedup.MarkProcessed(ctx, evt.ID)
		}
		obs.EventsConsumed.WithLabelValues(evt.Type, "failed").Inc()
		d.logger.ErrorContext(ctx, "event handler failed",
			"module", "events.dispatcher",
			"consumer", d.name,
			"event_id", evt.ID,
			"event_type", evt.Type,
			"subject_id", evt.SubjectID,
			"error", err,
		)
		return err
	}
	if err := d.dedup.MarkProcessed(ctx, evt.ID); err != nil {
		return fmt.Errorf("mark processed %s: %w", evt.ID, err)
	}
	obs.EventsConsumed.WithLabelValues(evt.Type, "processed").Inc()
	return nil
}

// MemoryDeduper keeps processed ids in process memory.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper creates an empty deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (m *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *MemoryDeduper) MarkProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = struct{}{}
	return nil
}
