package tenancy

import (
	"context"
	"sort"
	"strings"
	"sync"

	"retailops.org/internal/events"
)

// Mutation edits a tenant and returns the events describing the change.
type Mutation func(t *Tenant) ([]events.Event, error)

// Store persists tenants together with their outbox events.
type Store interface {
	CreateTenant(ctx context.Context, t Tenant, evts ...events.Event) error
	TenantByID(ctx context.Context, id string) (Tenant, error)
	MutateTenant(ctx context.Context, id string, fn Mutation) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
	outbox  events.Emitter
}

// NewMemoryStore creates an empty store appending events to outbox.
func NewMemoryStore(outbox events.Emitter) *MemoryStore {
	return &MemoryStore{tenants: make(map[string]Tenant), outbox: outbox}
}

func (s *MemoryStore) CreateTenant(ctx context.Context, t Tenant, evts ...events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.tenants {
		if strings.EqualFold(existing.Name, t.Name) {
			return ErrConflict
		}
	}
	if err := s.append(ctx, evts); err != nil {
		return err
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *MemoryStore) TenantByID(_ context.Context, id string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) MutateTenant(ctx context.Context, id string, fn Mutation) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	evts, err := fn(&t)
	if err != nil {
		return Tenant{}, err
	}
	if err := s.append(ctx, evts); err != nil {
		return Tenant{}, err
	}
	s.tenants[id] = t
	return t, nil
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) append(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 || s.outbox == nil {
		return nil
	}
	return s.outbox.Append(ctx, evts...)
}
