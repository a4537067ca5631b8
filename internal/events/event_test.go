package events

import (
	"errors"
	"testing"
	"time"
)

func TestNewEventCarriesIdentityAndKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	evt, err := New(Spec{
		Type:        TypeStaffAssigned,
		Source:      "outlet-service",
		SubjectType: SubjectAssignment,
		SubjectID:   "u-1:o-1",
		Version:     3,
		Payload:     StaffPayload{OutletID: "o-1", UserID: "u-1", Role: "STAFF", Status: "ACTIVE"},
	}, at)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if evt.ID == "" {
		t.Fatal("expected event id")
	}
	if got := evt.IdempotencyKey(); got != "staff.assigned|u-1:o-1|3" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if evt.PartitionKey() != "u-1:o-1" {
		t.Fatalf("unexpected partition key %q", evt.PartitionKey())
	}

	raw, err := Encode(evt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var payload StaffPayload
	if err := decoded.Decode(&payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Status != "ACTIVE" || payload.OutletID != "o-1" {
		t.Fatalf("payload not preserved: %+v", payload)
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event_id":`,
		"missing type":  `{"event_id":"e1","subject_id":"s","occurred_at":"2026-01-01T00:00:00Z"}`,
		"missing time":  `{"event_id":"e1","event_type":"user.created","subject_id":"s"}`,
		"missing subj":  `{"event_id":"e1","event_type":"user.created","occurred_at":"2026-01-01T00:00:00Z"}`,
		"negative vers": `{"event_id":"e1","event_type":"user.created","subject_id":"s","version":-1,"occurred_at":"2026-01-01T00:00:00Z"}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%s: expected ErrMalformedEvent, got %v", name, err)
		}
	}
}

func TestNewerPrefersVersionsOverTimestamps(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	evt := Event{Version: 2, OccurredAt: base}
	if evt.Newer(3, base.Add(-time.Hour)) {
		t.Fatal("older version must not win on timestamp")
	}
	if !evt.Newer(1, base.Add(time.Hour)) {
		t.Fatal("newer version must win despite earlier timestamp")
	}
	unversioned := Event{OccurredAt: base}
	if !unversioned.Newer(0, base.Add(-time.Second)) {
		t.Fatal("later timestamp should win without versions")
	}
	if unversioned.Newer(0, base) {
		t.Fatal("equal timestamp is not newer")
	}
}

func TestTopicsAreDistinct(t *testing.T) {
	topics := Topics(TypeUserCreated, TypeUserDeactivated, TypeTenantDeactivated)
	if len(topics) != 2 || topics[0] != TopicUsers || topics[1] != TopicTenants {
		t.Fatalf("unexpected topics %v", topics)
	}
	if TopicFor("custom.thing") != "custom.thing" {
		t.Fatal("unmapped type should be its own topic")
	}
}
