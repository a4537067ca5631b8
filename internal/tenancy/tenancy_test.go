package tenancy

import (
	"context"
	"errors"
	"testing"
	"time"

	"retailops.org/internal/events"
)

func newAdmin(t *testing.T) (*Admin, *events.MemoryOutbox, *time.Time) {
	t.Helper()
	outbox := events.NewMemoryOutbox()
	admin, err := NewAdmin(NewMemoryStore(outbox))
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	admin.WithClock(func() time.Time { return now })
	return admin, outbox, &now
}

func TestAdminLifecycle(t *testing.T) {
	admin, outbox, now := newAdmin(t)
	ctx := context.Background()

	if _, err := admin.Create(ctx, "root", " ", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := admin.Create(ctx, "root", "Corner Shop", "gold"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unsupported plan, got %v", err)
	}
	tenant, err := admin.Create(ctx, "root", "Corner Shop", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tenant.Plan != PlanBasic || !tenant.Active() {
		t.Fatalf("unexpected tenant %+v", tenant)
	}
	if _, err := admin.Create(ctx, "root", "corner shop", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected name conflict, got %v", err)
	}

	*now = now.Add(time.Minute)
	off, err := admin.Deactivate(ctx, "root", tenant.ID)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if off.Active() || off.Version != 2 {
		t.Fatalf("unexpected tenant %+v", off)
	}
	if _, err := admin.Deactivate(ctx, "root", tenant.ID); err != nil {
		t.Fatalf("Deactivate again: %v", err)
	}
	active, err := admin.TenantActive(ctx, tenant.ID)
	if err != nil || active {
		t.Fatalf("TenantActive = %v, %v", active, err)
	}
	if active, err := admin.TenantActive(ctx, "missing"); err != nil || active {
		t.Fatalf("unknown tenant must be inactive, got %v, %v", active, err)
	}

	if _, err := admin.ChangePlan(ctx, "root", tenant.ID, "premium"); err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if _, err := admin.Activate(ctx, "root", tenant.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	var types []string
	for _, evt := range outbox.Events() {
		types = append(types, evt.Type)
	}
	want := []string{
		events.TypeTenantCreated,
		events.TypeTenantDeactivated,
		events.TypeTenantPlanChanged,
		events.TypeTenantActivated,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestDirectoryFollowsEventsAndDiscardsStale(t *testing.T) {
	admin, outbox, now := newAdmin(t)
	ctx := context.Background()
	tenant, err := admin.Create(ctx, "root", "Kiosk", "standard")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	*now = now.Add(time.Minute)
	if _, err := admin.Deactivate(ctx, "root", tenant.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	dir := NewDirectory()
	if _, err := dir.Require(ctx, tenant.ID); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("unknown tenant must be rejected, got %v", err)
	}

	evts := outbox.Events()
	// Deliver the deactivation before the creation.
	if err := dir.Apply(ctx, evts[1]); err != nil {
		t.Fatalf("Apply deactivated: %v", err)
	}
	if err := dir.Apply(ctx, evts[0]); err != nil {
		t.Fatalf("Apply created: %v", err)
	}
	if _, err := dir.Require(ctx, tenant.ID); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("stale creation must not reactivate the tenant, got %v", err)
	}

	*now = now.Add(time.Minute)
	if _, err := admin.Activate(ctx, "root", tenant.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	evts = outbox.Events()
	if err := dir.Apply(ctx, evts[len(evts)-1]); err != nil {
		t.Fatalf("Apply activated: %v", err)
	}
	limits, err := dir.Require(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if limits.StaffPerOutlet != 25 || !limits.Expenses {
		t.Fatalf("unexpected STANDARD limits %+v", limits)
	}
	if plan, ok := dir.Plan(tenant.ID); !ok || plan != PlanStandard {
		t.Fatalf("Plan = %q, %v", plan, ok)
	}
}

func TestDirectoryRejectsMalformedPayload(t *testing.T) {
	dir := NewDirectory()
	evt := events.MustNew(events.Spec{
		Type:      events.TypeTenantCreated,
		SubjectID: "t1",
		Version:   1,
		Payload:   events.TenantPayload{TenantID: "t1", Status: StatusActive, Plan: "platinum"},
	}, time.Now())
	if err := dir.Apply(context.Background(), evt); !errors.Is(err, events.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
}

func TestLimitsFor(t *testing.T) {
	if l := LimitsFor(PlanBasic); l.StaffPerOutlet != 5 || l.Expenses {
		t.Fatalf("unexpected BASIC limits %+v", l)
	}
	if l := LimitsFor(PlanPremium); l.StaffPerOutlet != 0 || !l.Expenses {
		t.Fatalf("unexpected PREMIUM limits %+v", l)
	}
	if l := LimitsFor("unknown"); l != LimitsFor(PlanBasic) {
		t.Fatalf("unknown plans must fall back to BASIC, got %+v", l)
	}
}

func TestDirectorySeedKeepsNewerEvents(t *testing.T) {
	admin, outbox, now := newAdmin(t)
	ctx := context.Background()
	tenant, err := admin.Create(ctx, "root", "Depot", "basic")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	*now = now.Add(time.Minute)
	off, err := admin.Deactivate(ctx, "root", tenant.ID)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	dir := NewDirectory()
	evts := outbox.Events()
	if err := dir.Apply(ctx, evts[len(evts)-1]); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// The seed snapshot predates the deactivation already applied.
	dir.Seed([]Tenant{tenant})
	if _, err := dir.Require(ctx, tenant.ID); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("seed must not override a newer event, got %v", err)
	}

	fresh := NewDirectory()
	fresh.Seed([]Tenant{off, {ID: "bad", Plan: "gold", Status: StatusActive, Version: 1}})
	if _, err := fresh.Require(ctx, off.ID); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("seeded inactive tenant must be rejected, got %v", err)
	}
	if _, err := fresh.Require(ctx, "bad"); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("unsupported plan must not be seeded, got %v", err)
	}
}
