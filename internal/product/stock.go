package product

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"retailops.org/internal/events"
)

var (
	ErrNotFound     = errors.New("product: stock level not found")
	ErrInvalidInput = errors.New("product: invalid input")
	// ErrInsufficientStock rejects a decrease below zero.
	ErrInsufficientStock = errors.New("product: insufficient stock")
)

// Level is the quantity of one product at one outlet.
type Level struct {
	ProductID string    `json:"product_id"`
	OutletID  string    `json:"outlet_id"`
	TenantID  string    `json:"tenant_id"`
	Quantity  int64     `json:"quantity"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mutation edits a level and returns the events describing the change. exists
// is false for a product never stocked at the outlet.
type Mutation func(l *Level, exists bool) ([]events.Event, error)

// Store persists stock levels with their outbox events.
type Store interface {
	MutateLevel(ctx context.Context, productID, outletID string, fn Mutation) (Level, error)
	Level(ctx context.Context, productID, outletID string) (Level, error)
	Levels(ctx context.Context, productID string) ([]Level, error)
}

type key struct{ product, outlet string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	levels map[key]Level
	outbox events.Emitter
}

// NewMemoryStore creates an empty store appending events to outbox.
func NewMemoryStore(outbox events.Emitter) *MemoryStore {
	return &MemoryStore{levels: make(map[key]Level), outbox: outbox}
}

func (s *MemoryStore) MutateLevel(ctx context.Context, productID, outletID string, fn Mutation) (Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{productID, outletID}
	l, ok := s.levels[k]
	if !ok {
		l = Level{ProductID: productID, OutletID: outletID}
	}
	evts, err := fn(&l, ok)
	if err != nil {
		return Level{}, err
	}
	if len(evts) > 0 && s.outbox != nil {
		if err := s.outbox.Append(ctx, evts...); err != nil {
			return Level{}, err
		}
	}
	s.levels[k] = l
	return l, nil
}

func (s *MemoryStore) Level(_ context.Context, productID, outletID string) (Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.levels[key{productID, outletID}]
	if !ok {
		return Level{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Levels(_ context.Context, productID string) ([]Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Level
	for k, l := range s.levels {
		if k.product == productID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutletID < out[j].OutletID })
	return out, nil
}
