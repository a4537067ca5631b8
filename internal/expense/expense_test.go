package expense

import (
	"context"
	"errors"
	"testing"

	"retailops.org/internal/events"
	"retailops.org/internal/tenancy"
)

type plans map[string]string

func (p plans) Require(_ context.Context, tenantID string) (tenancy.Limits, error) {
	plan, ok := p[tenantID]
	if !ok {
		return tenancy.Limits{}, tenancy.ErrTenantInactive
	}
	return tenancy.LimitsFor(plan), nil
}

func TestRecordExpense(t *testing.T) {
	outbox := events.NewMemoryOutbox()
	svc, err := NewService(NewMemoryStore(outbox), plans{"basic": tenancy.PlanBasic, "std": tenancy.PlanStandard})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	valid := Expense{TenantID: "std", OutletID: "o1", Category: " Rent ", Amount: 125000, Currency: "kzt", RecordedBy: "m1"}

	e, err := svc.Record(ctx, valid)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.ID == "" || e.Category != "rent" || e.Currency != "KZT" {
		t.Fatalf("unexpected expense %+v", e)
	}

	basic := valid
	basic.TenantID = "basic"
	if _, err := svc.Record(ctx, basic); !errors.Is(err, tenancy.ErrPlanLimit) {
		t.Fatalf("expected plan limit for BASIC, got %v", err)
	}
	bad := valid
	bad.Amount = 0
	if _, err := svc.Record(ctx, bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	evts := outbox.Events()
	if len(evts) != 1 || evts[0].Type != events.TypeExpenseRecorded || evts[0].SubjectID != e.ID {
		t.Fatalf("unexpected events %+v", evts)
	}
	list, err := svc.List(ctx, "std", "o1")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if other, _ := svc.List(ctx, "basic", ""); len(other) != 0 {
		t.Fatalf("expected no expenses for other tenant, got %v", other)
	}
}
