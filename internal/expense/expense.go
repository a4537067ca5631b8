package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/ids"
	"retailops.org/internal/obs"
	"retailops.org/internal/tenancy"
)

// EventSource names the expense service on envelopes.
const EventSource = "expense-service"

var ErrInvalidInput = errors.New("expense: invalid input")

// Expense is one recorded outlet expense. Amount is in minor currency units.
type Expense struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	OutletID   string    `json:"outlet_id"`
	Category   string    `json:"category"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Note       string    `json:"note,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists expenses with their outbox events.
type Store interface {
	CreateExpense(ctx context.Context, e Expense, evts ...events.Event) error
	ListExpenses(ctx context.Context, tenantID, outletID string) ([]Expense, error)
}

// TenantGate checks that a tenant may write and returns its plan limits.
type TenantGate interface {
	Require(ctx context.Context, tenantID string) (tenancy.Limits, error)
}

// Service records expenses.
type Service struct {
	store   Store
	tenants TenantGate
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds the expense service. tenants may be nil.
func NewService(store Store, tenants TenantGate) (*Service, error) {
	if store == nil {
		return nil, errors.New("expense: store is required")
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

// Record stores e and emits expense.recorded. Tenants on plans without
// expense tracking get tenancy.ErrPlanLimit.
func (s *Service) Record(ctx context.Context, e Expense) (Expense, error) {
	e.OutletID = strings.TrimSpace(e.OutletID)
	e.Category = strings.ToLower(strings.TrimSpace(e.Category))
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	switch {
	case e.OutletID == "":
		return Expense{}, fmt.Errorf("%w: outlet_id is required", ErrInvalidInput)
	case e.Category == "":
		return Expense{}, fmt.Errorf("%w: category is required", ErrInvalidInput)
	case e.Amount <= 0:
		return Expense{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case len(e.Currency) != 3:
		return Expense{}, fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
	}
	if s.tenants != nil {
		limits, err := s.tenants.Require(ctx, e.TenantID)
		if err != nil {
			return Expense{}, err
		}
		if !limits.Expenses {
			return Expense{}, fmt.Errorf("%w: expense tracking requires STANDARD or PREMIUM", tenancy.ErrPlanLimit)
		}
	}

	now := s.now().UTC()
	e.ID = ids.NewAt(now)
	e.Note = strings.TrimSpace(e.Note)
	e.RecordedAt = now
	evt, err := events.New(events.Spec{
		Type:        events.TypeExpenseRecorded,
		Source:      EventSource,
		SubjectType: events.SubjectExpense,
		SubjectID:   e.ID,
		TenantID:    e.TenantID,
		Version:     1,
		Action:      "record",
		Actor:       e.RecordedBy,
		Payload: events.ExpensePayload{
			ExpenseID: e.ID,
			OutletID:  e.OutletID,
			Category:  e.Category,
			Amount:    e.Amount,
			Currency:  e.Currency,
			Note:      e.Note,
		},
	}, now)
	if err != nil {
		return Expense{}, err
	}
	if err := s.store.CreateExpense(ctx, e, evt); err != nil {
		return Expense{}, err
	}
	s.logger.InfoContext(ctx, "expense recorded",
		"module", "expense.service",
		"expense_id", e.ID,
		"outlet_id", e.OutletID,
		"amount", e.Amount,
		"currency", e.Currency,
	)
	return e, nil
}

// List returns a tenant's expenses, optionally for one outlet.
func (s *Service) List(ctx context.Context, tenantID, outletID string) ([]Expense, error) {
	return s.store.ListExpenses(ctx, tenantID, strings.TrimSpace(outletID))
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	expenses []Expense
	outbox   events.Emitter
}

// NewMemoryStore creates an empty store appending events to outbox.
func NewMemoryStore(outbox events.Emitter) *MemoryStore {
	return &MemoryStore{outbox: outbox}
}

func (m *MemoryStore) CreateExpense(ctx context.Context, e Expense, evts ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(evts) > 0 && m.outbox != nil {
		if err := m.outbox.Append(ctx, evts...); err != nil {
			return err
		}
	}
	m.expenses = append(m.expenses, e)
	return nil
}

func (m *MemoryStore) ListExpenses(_ context.Context, tenantID, outletID string) ([]Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Expense
	for _, e := range m.expenses {
		if e.TenantID != tenantID {
			continue
		}
		if outletID != "" && e.OutletID != outletID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
