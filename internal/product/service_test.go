package product

import (
	"context"
	"errors"
	"testing"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/tenancy"
)

type gate map[string]bool

func (g gate) Require(_ context.Context, tenantID string) (tenancy.Limits, error) {
	if !g[tenantID] {
		return tenancy.Limits{}, tenancy.ErrTenantInactive
	}
	return tenancy.LimitsFor(tenancy.PlanBasic), nil
}

func TestAdjustStock(t *testing.T) {
	outbox := events.NewMemoryOutbox()
	svc, err := NewService(NewMemoryStore(outbox), gate{"t1": true})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	ctx := context.Background()
	adj := func(action string, qty int64) (Level, error) {
		return svc.Adjust(ctx, Adjustment{TenantID: "t1", ProductID: "p1", OutletID: "o1", Action: action, Quantity: qty, Actor: "m1"})
	}

	if l, err := adj("increase", 10); err != nil || l.Quantity != 10 || l.Version != 1 {
		t.Fatalf("INCREASE = %+v, %v", l, err)
	}
	if l, err := adj(events.StockDecrease, 4); err != nil || l.Quantity != 6 {
		t.Fatalf("DECREASE = %+v, %v", l, err)
	}
	if _, err := adj(events.StockDecrease, 7); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if l, err := adj(events.StockSet, 50); err != nil || l.Quantity != 50 || l.Version != 3 {
		t.Fatalf("SET = %+v, %v", l, err)
	}
	for _, bad := range []struct {
		action string
		qty    int64
	}{{events.StockIncrease, 0}, {events.StockSet, -1}, {"TRANSFER", 1}} {
		if _, err := adj(bad.action, bad.qty); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s %d: expected invalid input, got %v", bad.action, bad.qty, err)
		}
	}
	if _, err := svc.Adjust(ctx, Adjustment{TenantID: "t2", ProductID: "p1", OutletID: "o1", Action: events.StockSet, Quantity: 1}); !errors.Is(err, tenancy.ErrTenantInactive) {
		t.Fatalf("expected tenant gate rejection, got %v", err)
	}

	evts := outbox.Events()
	if len(evts) != 3 {
		t.Fatalf("expected 3 stock events, got %d", len(evts))
	}
	var p events.StockPayload
	if err := evts[1].Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Before != 10 || p.After != 6 || p.Delta != -4 || evts[1].Action != events.StockDecrease {
		t.Fatalf("unexpected decrease payload %+v", p)
	}
	if evts[2].SubjectID != StockSubject("p1", "o1") || evts[2].Version != 3 {
		t.Fatalf("unexpected SET envelope %+v", evts[2])
	}

	level, err := svc.Level(ctx, "t1", "p1", "o1")
	if err != nil || level.Quantity != 50 {
		t.Fatalf("Level = %+v, %v", level, err)
	}
	if empty, err := svc.Level(ctx, "t1", "p1", "o9"); err != nil || empty.Quantity != 0 {
		t.Fatalf("unstocked Level = %+v, %v", empty, err)
	}
	if _, err := svc.Level(ctx, "t2", "p1", "o1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign tenant must not read the level, got %v", err)
	}
}
