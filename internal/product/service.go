package product

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

// EventSource names the product service on envelopes.
const EventSource = "product-service"

// TenantGate checks that a tenant may write.
type TenantGate interface {
	Require(ctx context.Context, tenantID string) (tenancy.Limits, error)
}

// Adjustment changes the stock of a product at an outlet. Quantity is the
// amount to add or remove, or the absolute level for SET.
type Adjustment struct {
	TenantID  string
	ProductID string
	OutletID  string
	Action    string
	Quantity  int64
	Reason    string
	Actor     string
}

// Service owns stock levels.
type Service struct {
	store   Store
	tenants TenantGate
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds the stock service. tenants may be nil.
func NewService(store Store, tenants TenantGate) (*Service, error) {
	if store == nil {
		return nil, errors.New("product: store is required")
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

// Adjust applies one INCREASE, DECREASE or SET and emits stock.changed with
// the quantities before and after.
func (s *Service) Adjust(ctx context.Context, adj Adjustment) (Level, error) {
	adj.ProductID = strings.TrimSpace(adj.ProductID)
	adj.OutletID = strings.TrimSpace(adj.OutletID)
	adj.Action = strings.ToUpper(strings.TrimSpace(adj.Action))
	if adj.ProductID == "" || adj.OutletID == "" {
		return Level{}, fmt.Errorf("%w: product_id and outlet_id are required", ErrInvalidInput)
	}
	switch adj.Action {
	case events.StockIncrease, events.StockDecrease:
		if adj.Quantity <= 0 {
			return Level{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
		}
	case events.StockSet:
		if adj.Quantity < 0 {
			return Level{}, fmt.Errorf("%w: quantity must not be negative", ErrInvalidInput)
		}
	default:
		return Level{}, fmt.Errorf("%w: unsupported action %q", ErrInvalidInput, adj.Action)
	}
	if s.tenants != nil {
		if _, err := s.tenants.Require(ctx, adj.TenantID); err != nil {
			return Level{}, err
		}
	}

	level, err := s.store.MutateLevel(ctx, adj.ProductID, adj.OutletID, func(l *Level, exists bool) ([]events.Event, error) {
		if exists && adj.TenantID != "" && l.TenantID != adj.TenantID {
			return nil, ErrNotFound
		}
		before := l.Quantity
		after := before
		switch adj.Action {
		case events.StockIncrease:
			after = before + adj.Quantity
		case events.StockDecrease:
			if adj.Quantity > before {
				return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientStock, before, adj.Quantity)
			}
			after = before - adj.Quantity
		case events.StockSet:
			after = adj.Quantity
		}
		l.TenantID = adj.TenantID
		l.Quantity = after
		l.Version++
		l.UpdatedAt = s.now().UTC()
		evt, err := events.New(events.Spec{
			Type:        events.TypeStockChanged,
			Source:      EventSource,
			SubjectType: events.SubjectStock,
			SubjectID:   StockSubject(l.ProductID, l.OutletID),
			TenantID:    l.TenantID,
			Version:     l.Version,
			Action:      adj.Action,
			Actor:       adj.Actor,
			Payload: events.StockPayload{
				ProductID: l.ProductID,
				OutletID:  l.OutletID,
				Delta:     after - before,
				Before:    before,
				After:     after,
				Reason:    strings.TrimSpace(adj.Reason),
			},
		}, l.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
	if err != nil {
		return Level{}, err
	}
	s.logger.InfoContext(ctx, "stock adjusted",
		"module", "product.service",
		"product_id", level.ProductID,
		"outlet_id", level.OutletID,
		"action", adj.Action,
		"quantity", level.Quantity,
		"version", level.Version,
	)
	return level, nil
}

// Level returns the stock of a product at one outlet. A product never stocked
// there has quantity zero.
func (s *Service) Level(ctx context.Context, tenantID, productID, outletID string) (Level, error) {
	l, err := s.store.Level(ctx, strings.TrimSpace(productID), strings.TrimSpace(outletID))
	if errors.Is(err, ErrNotFound) {
		return Level{ProductID: productID, OutletID: outletID, TenantID: tenantID}, nil
	}
	if err != nil {
		return Level{}, err
	}
	if tenantID != "" && l.TenantID != tenantID {
		return Level{}, ErrNotFound
	}
	return l, nil
}

// Levels lists the stock of a product across outlets of tenantID.
func (s *Service) Levels(ctx context.Context, tenantID, productID string) ([]Level, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrInvalidInput)
	}
	all, err := s.store.Levels(ctx, productID)
	if err != nil || tenantID == "" {
		return all, err
	}
	out := all[:0]
	for _, l := range all {
		if l.TenantID == tenantID {
			out = append(out, l)
		}
	}
	return out, nil
}

// StockSubject is the event subject of one product at one outlet.
func StockSubject(productID, outletID string) string {
	return productID + "@" + outletID
}
