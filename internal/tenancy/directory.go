package tenancy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"retailops.org/internal/events"
)

// Directory is the tenant read model kept by services other than auth. It is
// built only from tenant events and discards stale snapshots.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]snapshot
}

type snapshot struct {
	status  string
	plan    string
	version int64
	at      time.Time
}

// NewDirectory creates an empty read model.
func NewDirectory() *Directory {
	return &Directory{tenants: make(map[string]snapshot)}
}

// Register subscribes the directory to tenant events on d.
func (dir *Directory) Register(d *events.Dispatcher) {
	for _, typ := range []string{
		events.TypeTenantCreated,
		events.TypeTenantActivated,
		events.TypeTenantDeactivated,
		events.TypeTenantPlanChanged,
	} {
		d.On(typ, dir.Apply)
	}
}

// Apply folds one tenant event into the read model.
func (dir *Directory) Apply(_ context.Context, evt events.Event) error {
	var p events.TenantPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	if p.TenantID == "" {
		p.TenantID = evt.SubjectID
	}
	plan, ok := NormalizePlan(p.Plan)
	if !ok {
		return fmt.Errorf("%w: unsupported plan %q", events.ErrMalformedEvent, p.Plan)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if cur, ok := dir.tenants[p.TenantID]; ok && !evt.Newer(cur.version, cur.at) {
		return nil
	}
	dir.tenants[p.TenantID] = snapshot{
		status:  p.Status,
		plan:    plan,
		version: evt.Version,
		at:      evt.OccurredAt,
	}
	return nil
}

// Require fails with ErrTenantInactive unless the tenant is known and active.
func (dir *Directory) Require(_ context.Context, tenantID string) (Limits, error) {
	dir.mu.RLock()
	s, ok := dir.tenants[tenantID]
	dir.mu.RUnlock()
	if !ok {
		return Limits{}, fmt.Errorf("%w: tenant %q unknown", ErrTenantInactive, tenantID)
	}
	if s.status != StatusActive {
		return Limits{}, fmt.Errorf("%w: tenant %q", ErrTenantInactive, tenantID)
	}
	return LimitsFor(s.plan), nil
}

// TenantActive reports the locally known status.
func (dir *Directory) TenantActive(ctx context.Context, tenantID string) (bool, error) {
	_, err := dir.Require(ctx, tenantID)
	return err == nil, nil
}

// Plan returns the locally known plan of a tenant.
func (dir *Directory) Plan(tenantID string) (string, bool) {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	s, ok := dir.tenants[tenantID]
	return s.plan, ok
}

// Seed loads tenants read from the authoritative store at startup. Entries
// already known at a newer version are kept.
func (dir *Directory) Seed(tenants []Tenant) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	for _, t := range tenants {
		plan, ok := NormalizePlan(t.Plan)
		if !ok {
			continue
		}
		if cur, ok := dir.tenants[t.ID]; ok && cur.version >= t.Version {
			continue
		}
		dir.tenants[t.ID] = snapshot{status: t.Status, plan: plan, version: t.Version, at: t.UpdatedAt}
	}
}
