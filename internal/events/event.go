package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"retailops.org/internal/ids"
)

var (
	// ErrMalformedEvent marks a payload that cannot be decoded into an envelope.
	ErrMalformedEvent = errors.New("events: malformed event")
	// ErrUnknownType marks an envelope whose type has no registered handler.
	ErrUnknownType = errors.New("events: unknown event type")
	// ErrPublishFailure is reported when an event could not be handed to the bus
	// after the retry budget was spent. The state change it describes is already
	// committed, so every occurrence is a reconciliation gap.
	ErrPublishFailure = errors.New("events: publish failure")
)

// Event is the immutable envelope carried on the bus.
type Event struct {
	ID          string          `json:"event_id"`
	Type        string          `json:"event_type"`
	Source      string          `json:"source"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Version     int64           `json:"version"`
	Action      string          `json:"action,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Spec describes an event before it receives an identity and timestamp.
type Spec struct {
	Type        string
	Source      string
	SubjectType string
	SubjectID   string
	TenantID    string
	Version     int64
	Action      string
	Actor       string
	Payload     any
}

// New builds an envelope with a fresh id. The payload is marshalled eagerly so
// the envelope never changes after construction.
func New(spec Spec, at time.Time) (Event, error) {
	raw, err := json.Marshal(spec.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", spec.Type, err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	evt := Event{
		ID:          ids.New(),
		Type:        spec.Type,
		Source:      spec.Source,
		SubjectType: spec.SubjectType,
		SubjectID:   spec.SubjectID,
		TenantID:    spec.TenantID,
		Version:     spec.Version,
		Action:      spec.Action,
		Actor:       spec.Actor,
		OccurredAt:  at.UTC(),
		Payload:     raw,
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// MustNew is New for static specs in tests and fixtures.
func MustNew(spec Spec, at time.Time) Event {
	evt, err := New(spec, at)
	if err != nil {
		panic(err)
	}
	return evt
}

// IdempotencyKey identifies the logical change independently of delivery.
func (e Event) IdempotencyKey() string {
	return e.Type + "|" + e.SubjectID + "|" + fmt.Sprint(e.Version)
}

// PartitionKey keeps every change of one subject on the same partition.
func (e Event) PartitionKey() string {
	if e.SubjectID != "" {
		return e.SubjectID
	}
	return e.ID
}

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: event_id is required", ErrMalformedEvent)
	case strings.TrimSpace(e.Type) == "":
		return fmt.Errorf("%w: event_type is required", ErrMalformedEvent)
	case strings.TrimSpace(e.SubjectID) == "":
		return fmt.Errorf("%w: subject_id is required", ErrMalformedEvent)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrMalformedEvent)
	case e.Version < 0:
		return fmt.Errorf("%w: version must not be negative", ErrMalformedEvent)
	}
	return nil
}

// Decode parses the payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

// Encode serialises the envelope for transport.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a transport message into a validated envelope.
func Decode(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Newer reports whether e supersedes a snapshot stamped with version and at.
// Versions win when both sides carry one; timestamps break the tie otherwise.
func (e Event) Newer(version int64, at time.Time) bool {
	if e.Version > 0 && version > 0 {
		return e.Version > version
	}
	return e.OccurredAt.After(at)
}
