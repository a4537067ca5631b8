package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Publisher hands an envelope to a transport.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Emitter records events for asynchronous publication. Stores that own a
// transaction write outbox rows themselves; Emitter covers events that have no
// accompanying state change.
type Emitter interface {
	Append(ctx context.Context, evts ...Event) error
}

// OutboxRecord is one pending envelope plus its delivery bookkeeping.
type OutboxRecord struct {
	Event          Event
	Attempts       int
	LastError      string
	NextAttemptAt  time.Time
	PublishedAt    time.Time
	DeadLetteredAt time.Time
	ClaimToken     string
	ClaimUntil     time.Time
}

// Outbox persists envelopes until the relay confirms delivery.
type Outbox interface {
	Emitter
	Claim(ctx context.Context, limit int, claimToken string, claimUntil, now time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, eventID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, claimToken, errMsg string, retryAt time.Time) error
	MarkDeadLettered(ctx context.Context, eventID, claimToken, errMsg string, at time.Time) error
}

// ErrClaimLost is returned when a record is no longer held by the claim token,
// typically because the claim expired and another relay took it over.
var ErrClaimLost = errors.New("events: outbox claim lost")

// MemoryOutbox is an in-process Outbox used by the in-memory stores and tests.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
	seq     map[string]int
	next    int
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		records: make(map[string]*OutboxRecord),
		seq:     make(map[string]int),
	}
}

// Append stores events in insertion order. Re-appending an id is a no-op.
func (o *MemoryOutbox) Append(_ context.Context, evts ...Event) error {
	for _, evt := range evts {
		if err := evt.Validate(); err != nil {
			return err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, evt := range evts {
		if _, ok := o.records[evt.ID]; ok {
			continue
		}
		o.records[evt.ID] = &OutboxRecord{Event: evt}
		o.seq[evt.ID] = o.next
		o.next++
	}
	return nil
}

// Claim reserves up to limit deliverable records for claimToken.
func (o *MemoryOutbox) Claim(_ context.Context, limit int, claimToken string, claimUntil, now time.Time) ([]OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var ready []*OutboxRecord
	for _, rec := range o.records {
		if !rec.PublishedAt.IsZero() || !rec.DeadLetteredAt.IsZero() {
			continue
		}
		if rec.ClaimToken != "" && rec.ClaimUntil.After(now) {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, rec)
	}
	sort.Slice(ready, func(i, j int) bool {
		return o.seq[ready[i].Event.ID] < o.seq[ready[j].Event.ID]
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]OutboxRecord, 0, len(ready))
	for _, rec := range ready {
		rec.ClaimToken = claimToken
		rec.ClaimUntil = claimUntil
		out = append(out, *rec)
	}
	return out, nil
}

// MarkPublished completes a claimed record.
func (o *MemoryOutbox) MarkPublished(_ context.Context, eventID, claimToken string, at time.Time) error {
	return o.update(eventID, claimToken, func(rec *OutboxRecord) {
		rec.PublishedAt = at
	})
}

// MarkFailed releases a claimed record for a later attempt.
func (o *MemoryOutbox) MarkFailed(_ context.Context, eventID, claimToken, errMsg string, retryAt time.Time) error {
	return o.update(eventID, claimToken, func(rec *OutboxRecord) {
		rec.Attempts++
		rec.LastError = errMsg
		rec.NextAttemptAt = retryAt
	})
}

// MarkDeadLettered parks a record that exhausted its attempts.
func (o *MemoryOutbox) MarkDeadLettered(_ context.Context, eventID, claimToken, errMsg string, at time.Time) error {
	return o.update(eventID, claimToken, func(rec *OutboxRecord) {
		rec.Attempts++
		rec.LastError = errMsg
		rec.DeadLetteredAt = at
	})
}

func (o *MemoryOutbox) update(eventID, claimToken string, fn func(*OutboxRecord)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[eventID]
	if !ok || rec.ClaimToken != claimToken {
		return ErrClaimLost
	}
	fn(rec)
	rec.ClaimToken = ""
	rec.ClaimUntil = time.Time{}
	return nil
}

// Pending lists records not yet published or dead-lettered, oldest first.
func (o *MemoryOutbox) Pending() []OutboxRecord {
	return o.filter(func(rec *OutboxRecord) bool {
		return rec.PublishedAt.IsZero() && rec.DeadLetteredAt.IsZero()
	})
}

// DeadLettered lists records that exhausted their attempts.
func (o *MemoryOutbox) DeadLettered() []OutboxRecord {
	return o.filter(func(rec *OutboxRecord) bool { return !rec.DeadLetteredAt.IsZero() })
}

// Events returns every appended envelope in insertion order.
func (o *MemoryOutbox) Events() []Event {
	recs := o.filter(func(*OutboxRecord) bool { return true })
	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Event)
	}
	return out
}

func (o *MemoryOutbox) filter(keep func(*OutboxRecord) bool) []OutboxRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxRecord
	for _, rec := range o.records {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return o.seq[out[i].Event.ID] < o.seq[out[j].Event.ID]
	})
	return out
}
