package outlet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"retailops.org/internal/events"
)

var (
	ErrNotFound     = errors.New("outlet: assignment not found")
	ErrInvalidInput = errors.New("outlet: invalid input")
	// ErrDuplicateActiveAssignment is returned when a (user, outlet) pair
	// already has an ACTIVE assignment.
	ErrDuplicateActiveAssignment = errors.New("outlet: duplicate active assignment")
)

// Assignment states. There is no terminal state: INACTIVE assignments can be
// activated again.
const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

// Assignment places a user at an outlet with an outlet-level role.
type Assignment struct {
	OutletID   string    `json:"outlet_id"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
	Role       string    `json:"role"`
	Status     string    `json:"status"`
	AssignedAt time.Time `json:"assigned_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Version    int64     `json:"version"`
}

// Active reports whether the assignment is in the ACTIVE state.
func (a Assignment) Active() bool { return a.Status == StatusActive }

// Slot is the locked view a mutation works on.
type Slot struct {
	Assignment
	Exists bool
	// ActiveAtOutlet counts the ACTIVE assignments the mutating tenant holds
	// at the outlet.
	ActiveAtOutlet int
}

// Mutation edits the slot of one (user, outlet) pair and returns the events
// describing the change.
type Mutation func(s *Slot) ([]events.Event, error)

// Store persists assignments. MutateAssignment serialises writers of the same
// outlet so the single-active invariant and staff quotas hold under
// concurrency. An empty tenantID counts every tenant's staff.
type Store interface {
	MutateAssignment(ctx context.Context, tenantID, outletID, userID string, fn Mutation) (Assignment, error)
	Assignment(ctx context.Context, outletID, userID string) (Assignment, error)
	ListByOutlet(ctx context.Context, outletID string) ([]Assignment, error)
	ListActiveByUser(ctx context.Context, userID string) ([]Assignment, error)
}

type key struct{ outlet, user string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[key]Assignment
	outbox events.Emitter
}

// NewMemoryStore creates an empty store appending events to outbox.
func NewMemoryStore(outbox events.Emitter) *MemoryStore {
	return &MemoryStore{rows: make(map[key]Assignment), outbox: outbox}
}

func (s *MemoryStore) MutateAssignment(ctx context.Context, tenantID, outletID, userID string, fn Mutation) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{outletID, userID}
	cur, ok := s.rows[k]
	slot := &Slot{Assignment: cur, Exists: ok}
	for rk, row := range s.rows {
		if rk.outlet == outletID && row.Active() && (tenantID == "" || row.TenantID == tenantID) {
			slot.ActiveAtOutlet++
		}
	}
	evts, err := fn(slot)
	if err != nil {
		return Assignment{}, err
	}
	if len(evts) == 0 {
		return slot.Assignment, nil
	}
	if s.outbox != nil {
		if err := s.outbox.Append(ctx, evts...); err != nil {
			return Assignment{}, err
		}
	}
	s.rows[k] = slot.Assignment
	return slot.Assignment, nil
}

func (s *MemoryStore) Assignment(_ context.Context, outletID, userID string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[key{outletID, userID}]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) ListByOutlet(_ context.Context, outletID string) ([]Assignment, error) {
	return s.list(func(a Assignment) bool { return a.OutletID == outletID }), nil
}

func (s *MemoryStore) ListActiveByUser(_ context.Context, userID string) ([]Assignment, error) {
	return s.list(func(a Assignment) bool { return a.UserID == userID && a.Active() }), nil
}

func (s *MemoryStore) list(keep func(Assignment) bool) []Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.rows {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OutletID != out[j].OutletID {
			return out[i].OutletID < out[j].OutletID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
