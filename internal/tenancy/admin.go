package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/ids"
	"retailops.org/internal/obs"
)

// EventSource names the tenant administration component on envelopes.
const EventSource = "auth-service"

// Admin owns the authoritative tenant records. It runs inside the auth
// service and doubles as its tenant lookup.
type Admin struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAdmin builds the administrative service.
func NewAdmin(store Store) (*Admin, error) {
	if store == nil {
		return nil, errors.New("tenancy: store is required")
	}
	return &Admin{store: store, logger: obs.Logger(), now: time.Now}, nil
}

// WithClock overrides the time source.
func (a *Admin) WithClock(now func() time.Time) *Admin {
	if now != nil {
		a.now = now
	}
	return a
}

// Create registers an active tenant.
func (a *Admin) Create(ctx context.Context, actor, name, plan string) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	plan, ok := NormalizePlan(plan)
	if !ok {
		return Tenant{}, fmt.Errorf("%w: unsupported plan", ErrInvalidInput)
	}
	now := a.now().UTC()
	t := Tenant{
		ID:        ids.NewAt(now),
		Name:      name,
		Status:    StatusActive,
		Plan:      plan,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	evt, err := tenantEvent(events.TypeTenantCreated, "create", actor, t)
	if err != nil {
		return Tenant{}, err
	}
	if err := a.store.CreateTenant(ctx, t, evt); err != nil {
		return Tenant{}, err
	}
	a.logger.InfoContext(ctx, "tenant created",
		"module", "tenancy.admin",
		"tenant_id", t.ID,
		"plan", t.Plan,
		"actor", actor,
	)
	return t, nil
}

// Activate moves a tenant to ACTIVE. Activating an active tenant is a no-op.
func (a *Admin) Activate(ctx context.Context, actor, id string) (Tenant, error) {
	return a.setStatus(ctx, actor, id, StatusActive)
}

// Deactivate moves a tenant to INACTIVE. New sessions and refreshes fail from
// then on; access tokens already issued run until they expire.
func (a *Admin) Deactivate(ctx context.Context, actor, id string) (Tenant, error) {
	return a.setStatus(ctx, actor, id, StatusInactive)
}

func (a *Admin) setStatus(ctx context.Context, actor, id, status string) (Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	typ, action := events.TypeTenantActivated, "activate"
	if status == StatusInactive {
		typ, action = events.TypeTenantDeactivated, "deactivate"
	}
	return a.store.MutateTenant(ctx, id, func(t *Tenant) ([]events.Event, error) {
		if t.Status == status {
			return nil, nil
		}
		t.Status = status
		a.touch(t)
		evt, err := tenantEvent(typ, action, actor, *t)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
}

// ChangePlan switches the subscription plan.
func (a *Admin) ChangePlan(ctx context.Context, actor, id, plan string) (Tenant, error) {
	plan, ok := NormalizePlan(plan)
	if !ok {
		return Tenant{}, fmt.Errorf("%w: unsupported plan", ErrInvalidInput)
	}
	return a.store.MutateTenant(ctx, strings.TrimSpace(id), func(t *Tenant) ([]events.Event, error) {
		if t.Plan == plan {
			return nil, nil
		}
		t.Plan = plan
		a.touch(t)
		evt, err := tenantEvent(events.TypeTenantPlanChanged, "change_plan", actor, *t)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
}

// Tenant returns one tenant.
func (a *Admin) Tenant(ctx context.Context, id string) (Tenant, error) {
	return a.store.TenantByID(ctx, strings.TrimSpace(id))
}

// Tenants lists every tenant.
func (a *Admin) Tenants(ctx context.Context) ([]Tenant, error) {
	return a.store.ListTenants(ctx)
}

// TenantActive implements the token authority's tenant lookup. Unknown
// tenants are reported inactive.
func (a *Admin) TenantActive(ctx context.Context, id string) (bool, error) {
	t, err := a.store.TenantByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Active(), nil
}

func (a *Admin) touch(t *Tenant) {
	t.Version++
	t.UpdatedAt = a.now().UTC()
}

func tenantEvent(typ, action, actor string, t Tenant) (events.Event, error) {
	return events.New(events.Spec{
		Type:        typ,
		Source:      EventSource,
		SubjectType: events.SubjectTenant,
		SubjectID:   t.ID,
		TenantID:    t.ID,
		Version:     t.Version,
		Action:      action,
		Actor:       actor,
		Payload: events.TenantPayload{
			TenantID: t.ID,
			Name:     t.Name,
			Status:   t.Status,
			Plan:     t.Plan,
		},
	}, t.UpdatedAt)
}
