package outlet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/tenancy"
)

type fakeGate map[string]tenancy.Limits

func (g fakeGate) Require(_ context.Context, tenantID string) (tenancy.Limits, error) {
	l, ok := g[tenantID]
	if !ok {
		return tenancy.Limits{}, tenancy.ErrTenantInactive
	}
	return l, nil
}

func newService(t *testing.T, gate TenantGate) (*Service, *events.MemoryOutbox) {
	t.Helper()
	outbox := events.NewMemoryOutbox()
	svc, err := NewService(NewMemoryStore(outbox), gate)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	return svc, outbox
}

func TestAssignmentStateMachine(t *testing.T) {
	svc, outbox := newService(t, nil)
	ctx := context.Background()
	req := AssignRequest{TenantID: "t1", OutletID: "o1", UserID: "u1", Role: "cashier", Actor: "m1"}

	a, err := svc.Assign(ctx, req)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !a.Active() || a.Role != "CASHIER" || a.Version != 1 {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if _, err := svc.Assign(ctx, req); !errors.Is(err, ErrDuplicateActiveAssignment) {
		t.Fatalf("expected duplicate active assignment, got %v", err)
	}

	off, err := svc.Unassign(ctx, "t1", "o1", "u1", "m1")
	if err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if off.Active() || off.Version != 2 {
		t.Fatalf("unexpected assignment %+v", off)
	}
	if _, err := svc.Unassign(ctx, "t1", "o1", "u1", "m1"); err != nil {
		t.Fatalf("repeated Unassign: %v", err)
	}

	again, err := svc.Assign(ctx, req)
	if err != nil {
		t.Fatalf("re-Assign: %v", err)
	}
	if !again.Active() || again.Version != 3 {
		t.Fatalf("unexpected re-assignment %+v", again)
	}

	if _, err := svc.Unassign(ctx, "t1", "o1", "nobody", "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Unassign(ctx, "t2", "o1", "u1", "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign tenant must not see the assignment, got %v", err)
	}
	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: "o1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	var types []string
	for _, evt := range outbox.Events() {
		types = append(types, evt.Type+"@"+evt.Action)
	}
	want := []string{"staff.assigned@assign", "staff.unassigned@unassign", "staff.assigned@assign"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestConcurrentAssignKeepsSingleActive(t *testing.T) {
	svc, outbox := newService(t, nil)
	req := AssignRequest{TenantID: "t1", OutletID: "o1", UserID: "u1", Actor: "m1"}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Assign(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateActiveAssignment):
				dupes++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dupes != 15 {
		t.Fatalf("expected 1 success and 15 duplicates, got %d and %d", ok, dupes)
	}
	if n := len(outbox.Events()); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestStaffQuotaIgnoresOtherTenants(t *testing.T) {
	gate := fakeGate{"t1": {StaffPerOutlet: 1}, "t2": {StaffPerOutlet: 1}}
	svc, _ := newService(t, gate)
	ctx := context.Background()

	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t2", OutletID: "o1", UserID: "u2"}); err != nil {
		t.Fatalf("Assign t2: %v", err)
	}
	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: "o1", UserID: "u1"}); err != nil {
		t.Fatalf("another tenant's staff must not use up the quota: %v", err)
	}
	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: "o1", UserID: "u3"}); !errors.Is(err, tenancy.ErrPlanLimit) {
		t.Fatalf("expected plan limit, got %v", err)
	}
}

func TestAssignHonoursTenantGate(t *testing.T) {
	gate := fakeGate{"t1": {StaffPerOutlet: 2}}
	svc, _ := newService(t, gate)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: "o1", UserID: user}); err != nil {
			t.Fatalf("Assign %s: %v", user, err)
		}
	}
	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: "o1", UserID: "u3"}); !errors.Is(err, tenancy.ErrPlanLimit) {
		t.Fatalf("expected plan limit, got %v", err)
	}
	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: "o2", UserID: "u3"}); err != nil {
		t.Fatalf("other outlet has its own quota: %v", err)
	}
	if _, err := svc.Assign(ctx, AssignRequest{TenantID: "gone", OutletID: "o1", UserID: "u9"}); !errors.Is(err, tenancy.ErrTenantInactive) {
		t.Fatalf("expected inactive tenant rejection, got %v", err)
	}

	staff, err := svc.Staff(ctx, "t1", "o1")
	if err != nil || len(staff) != 2 {
		t.Fatalf("Staff = %v, %v", staff, err)
	}
}

func TestUserDeactivatedUnassignsEverywhere(t *testing.T) {
	svc, outbox := newService(t, nil)
	ctx := context.Background()
	for _, outletID := range []string{"o1", "o2"} {
		if _, err := svc.Assign(ctx, AssignRequest{TenantID: "t1", OutletID: outletID, UserID: "u1"}); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}

	d := events.NewDispatcher("outlet", nil, nil)
	svc.Register(d)
	evt := events.MustNew(events.Spec{
		Type:        events.TypeUserDeactivated,
		Source:      "auth-service",
		SubjectType: events.SubjectUser,
		SubjectID:   "u1",
		Version:     4,
		Payload:     events.UserPayload{UserID: "u1", TenantID: "t1"},
	}, time.Now())
	raw, err := events.Encode(evt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// At-least-once delivery hands the same envelope over twice.
	for i := 0; i < 2; i++ {
		if err := d.Handle(ctx, raw); err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}

	staff, _ := svc.Staff(ctx, "", "o1")
	if len(staff) != 1 || staff[0].Active() {
		t.Fatalf("expected inactive assignment at o1, got %+v", staff)
	}
	unassigned := 0
	for _, e := range outbox.Events() {
		if e.Type == events.TypeStaffUnassigned {
			unassigned++
			if e.Actor != SystemActor {
				t.Fatalf("unexpected actor %s", e.Actor)
			}
		}
	}
	if unassigned != 2 {
		t.Fatalf("expected 2 unassignments, got %d", unassigned)
	}
}
