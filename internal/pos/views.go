// Package pos holds the point-of-sale read models. They are built only from
// events published by the outlet, product and expense services and never
// query those services directly.
package pos

import (
	"context"
	"sort"
	"sync"
	"time"

	"retailops.org/internal/events"
)

// StockSnapshot is the locally known stock of one product at one outlet.
type StockSnapshot struct {
	ProductID string    `json:"product_id"`
	OutletID  string    `json:"outlet_id"`
	TenantID  string    `json:"tenant_id"`
	Quantity  int64     `json:"quantity"`
	Version   int64     `json:"version"`
	AsOf      time.Time `json:"as_of"`
}

// StockView projects stock.changed events. Each event carries the quantity
// after the change, so applying it twice lands on the same level, and an
// event older than the current snapshot is discarded.
type StockView struct {
	mu     sync.RWMutex
	levels map[string]StockSnapshot
}

// NewStockView creates an empty projection.
func NewStockView() *StockView {
	return &StockView{levels: make(map[string]StockSnapshot)}
}

// Apply folds one stock.changed event into the view.
func (v *StockView) Apply(_ context.Context, evt events.Event) error {
	var p events.StockPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.levels[evt.SubjectID]; ok && !evt.Newer(cur.Version, cur.AsOf) {
		return nil
	}
	v.levels[evt.SubjectID] = StockSnapshot{
		ProductID: p.ProductID,
		OutletID:  p.OutletID,
		TenantID:  evt.TenantID,
		Quantity:  p.After,
		Version:   evt.Version,
		AsOf:      evt.OccurredAt,
	}
	return nil
}

// Stock returns the snapshot stored under subject.
func (v *StockView) Stock(subject string) (StockSnapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.levels[subject]
	return s, ok
}

// Assignment is the locally known staff placement.
type Assignment struct {
	OutletID string    `json:"outlet_id"`
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id"`
	Role     string    `json:"role"`
	Active   bool      `json:"active"`
	Version  int64     `json:"version"`
	AsOf     time.Time `json:"as_of"`
}

// StaffView projects staff.assigned and staff.unassigned events.
type StaffView struct {
	mu   sync.RWMutex
	rows map[string]Assignment
}

// NewStaffView creates an empty projection.
func NewStaffView() *StaffView {
	return &StaffView{rows: make(map[string]Assignment)}
}

// Apply folds one staff event into the view.
func (v *StaffView) Apply(_ context.Context, evt events.Event) error {
	var p events.StaffPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.rows[evt.SubjectID]; ok && !evt.Newer(cur.Version, cur.AsOf) {
		return nil
	}
	v.rows[evt.SubjectID] = Assignment{
		OutletID: p.OutletID,
		UserID:   p.UserID,
		TenantID: evt.TenantID,
		Role:     p.Role,
		Active:   evt.Type == events.TypeStaffAssigned,
		Version:  evt.Version,
		AsOf:     evt.OccurredAt,
	}
	return nil
}

// CanOperate reports whether userID is actively assigned at outletID within
// tenantID. An empty tenantID matches any tenant.
func (v *StaffView) CanOperate(tenantID, outletID, userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, a := range v.rows {
		if a.OutletID == outletID && a.UserID == userID && inTenant(a.TenantID, tenantID) {
			return a.Active
		}
	}
	return false
}

// ActiveStaff lists the users actively assigned at outletID within tenantID.
func (v *StaffView) ActiveStaff(tenantID, outletID string) []Assignment {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []Assignment
	for _, a := range v.rows {
		if a.OutletID == outletID && a.Active && inTenant(a.TenantID, tenantID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func inTenant(owner, tenantID string) bool {
	return tenantID == "" || owner == tenantID
}

// ExpenseTotals sums recorded expenses per tenant, outlet and currency. Expense ids
// already counted are ignored so redelivery never double counts.
type ExpenseTotals struct {
	mu      sync.Mutex
	counted map[string]struct{}
	totals  map[string]int64
}

// NewExpenseTotals creates an empty projection.
func NewExpenseTotals() *ExpenseTotals {
	return &ExpenseTotals{counted: make(map[string]struct{}), totals: make(map[string]int64)}
}

// Apply folds one expense.recorded event into the totals.
func (x *ExpenseTotals) Apply(_ context.Context, evt events.Event) error {
	var p events.ExpensePayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	id := p.ExpenseID
	if id == "" {
		id = evt.SubjectID
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.counted[id]; ok {
		return nil
	}
	x.counted[id] = struct{}{}
	x.totals[totalKey(evt.TenantID, p.OutletID, p.Currency)] += p.Amount
	return nil
}

// Total returns the expenses tenantID recorded at outletID in currency.
func (x *ExpenseTotals) Total(tenantID, outletID, currency string) int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.totals[totalKey(tenantID, outletID, currency)]
}

func totalKey(tenantID, outletID, currency string) string {
	return tenantID + "|" + outletID + "|" + currency
}
