package outlet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/obs"
	"retailops.org/internal/tenancy"
)

// EventSource names the outlet service on envelopes.
const EventSource = "outlet-service"

// SystemActor is recorded when a change is driven by another service's event.
const SystemActor = "system"

// TenantGate checks that a tenant may write and returns its plan limits.
type TenantGate interface {
	Require(ctx context.Context, tenantID string) (tenancy.Limits, error)
}

// AssignRequest places UserID at OutletID.
type AssignRequest struct {
	TenantID string
	OutletID string
	UserID   string
	Role     string
	Actor    string
}

// Service owns staff assignments.
type Service struct {
	store   Store
	tenants TenantGate
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds the assignment service. tenants may be nil to skip tenant
// gating.
func NewService(store Store, tenants TenantGate) (*Service, error) {
	if store == nil {
		return nil, errors.New("outlet: store is required")
	}
	return &Service{store: store, tenants: tenants, logger: obs.Logger(), now: time.Now}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Assign activates the (user, outlet) assignment. A pair that is already
// ACTIVE fails with ErrDuplicateActiveAssignment; an INACTIVE pair is
// re-activated.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (Assignment, error) {
	req.OutletID = strings.TrimSpace(req.OutletID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Role = strings.ToUpper(strings.TrimSpace(req.Role))
	if req.OutletID == "" || req.UserID == "" {
		return Assignment{}, fmt.Errorf("%w: outlet_id and user_id are required", ErrInvalidInput)
	}
	if req.Role == "" {
		req.Role = "STAFF"
	}
	limits := tenancy.Limits{}
	if s.tenants != nil {
		var err error
		if limits, err = s.tenants.Require(ctx, req.TenantID); err != nil {
			return Assignment{}, err
		}
	}

	a, err := s.store.MutateAssignment(ctx, req.TenantID, req.OutletID, req.UserID, func(slot *Slot) ([]events.Event, error) {
		if slot.Exists && req.TenantID != "" && slot.TenantID != req.TenantID {
			return nil, ErrNotFound
		}
		if slot.Exists && slot.Active() {
			return nil, ErrDuplicateActiveAssignment
		}
		if limits.StaffPerOutlet > 0 && slot.ActiveAtOutlet >= limits.StaffPerOutlet {
			return nil, fmt.Errorf("%w: outlet has %d active staff", tenancy.ErrPlanLimit, slot.ActiveAtOutlet)
		}
		now := s.now().UTC()
		if !slot.Exists {
			slot.Assignment = Assignment{OutletID: req.OutletID, UserID: req.UserID}
		}
		slot.TenantID = req.TenantID
		slot.Role = req.Role
		slot.Status = StatusActive
		slot.AssignedAt = now
		slot.UpdatedAt = now
		slot.Version++
		evt, err := assignmentEvent(events.TypeStaffAssigned, "assign", req.Actor, slot.Assignment)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
	if err != nil {
		return Assignment{}, err
	}
	s.logger.InfoContext(ctx, "staff assigned",
		"module", "outlet.service",
		"outlet_id", a.OutletID,
		"user_id", a.UserID,
		"version", a.Version,
		"actor", req.Actor,
	)
	return a, nil
}

// Unassign deactivates the (user, outlet) assignment. Unassigning an inactive
// assignment is a no-op.
func (s *Service) Unassign(ctx context.Context, tenantID, outletID, userID, actor string) (Assignment, error) {
	outletID = strings.TrimSpace(outletID)
	userID = strings.TrimSpace(userID)
	if outletID == "" || userID == "" {
		return Assignment{}, fmt.Errorf("%w: outlet_id and user_id are required", ErrInvalidInput)
	}
	if s.tenants != nil && actor != SystemActor {
		if _, err := s.tenants.Require(ctx, tenantID); err != nil {
			return Assignment{}, err
		}
	}
	return s.store.MutateAssignment(ctx, tenantID, outletID, userID, func(slot *Slot) ([]events.Event, error) {
		if !slot.Exists {
			return nil, ErrNotFound
		}
		if tenantID != "" && slot.TenantID != tenantID {
			return nil, ErrNotFound
		}
		if !slot.Active() {
			return nil, nil
		}
		slot.Status = StatusInactive
		slot.UpdatedAt = s.now().UTC()
		slot.Version++
		evt, err := assignmentEvent(events.TypeStaffUnassigned, "unassign", actor, slot.Assignment)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
}

// Staff lists every assignment of an outlet, active or not, visible to
// tenantID. An empty tenantID lists all.
func (s *Service) Staff(ctx context.Context, tenantID, outletID string) ([]Assignment, error) {
	outletID = strings.TrimSpace(outletID)
	if outletID == "" {
		return nil, fmt.Errorf("%w: outlet_id is required", ErrInvalidInput)
	}
	all, err := s.store.ListByOutlet(ctx, outletID)
	if err != nil || tenantID == "" {
		return all, err
	}
	out := all[:0]
	for _, a := range all {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Register subscribes the service to the events it reacts to.
func (s *Service) Register(d *events.Dispatcher) {
	d.On(events.TypeUserDeactivated, s.onUserDeactivated)
}

// onUserDeactivated unassigns every active assignment of the user. Replays
// find nothing active and change nothing.
func (s *Service) onUserDeactivated(ctx context.Context, evt events.Event) error {
	var p events.UserPayload
	if err := evt.Decode(&p); err != nil {
		return err
	}
	userID := p.UserID
	if userID == "" {
		userID = evt.SubjectID
	}
	active, err := s.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, a := range active {
		if _, err := s.Unassign(ctx, "", a.OutletID, a.UserID, SystemActor); err != nil {
			return fmt.Errorf("unassign %s at %s: %w", a.UserID, a.OutletID, err)
		}
	}
	if len(active) > 0 {
		s.logger.InfoContext(ctx, "deactivated user unassigned",
			"module", "outlet.service",
			"user_id", userID,
			"event_id", evt.ID,
			"assignments", len(active),
		)
	}
	return nil
}

func assignmentEvent(typ, action, actor string, a Assignment) (events.Event, error) {
	return events.New(events.Spec{
		Type:        typ,
		Source:      EventSource,
		SubjectType: events.SubjectAssignment,
		SubjectID:   a.OutletID + ":" + a.UserID,
		TenantID:    a.TenantID,
		Version:     a.Version,
		Action:      action,
		Actor:       actor,
		Payload: events.StaffPayload{
			OutletID: a.OutletID,
			UserID:   a.UserID,
			Role:     a.Role,
			Status:   a.Status,
		},
	}, a.UpdatedAt)
}
