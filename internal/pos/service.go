package pos

import (
	"errors"

	"retailops.org/internal/events"
	"retailops.org/internal/product"
)

// ErrUnknownStock is returned for a product never seen at an outlet.
var ErrUnknownStock = errors.New("pos: stock unknown")

// Service bundles the POS read models.
type Service struct {
	Stock    *StockView
	Staff    *StaffView
	Expenses *ExpenseTotals
}

// NewService creates empty read models.
func NewService() *Service {
	return &Service{
		Stock:    NewStockView(),
		Staff:    NewStaffView(),
		Expenses: NewExpenseTotals(),
	}
}

// Register subscribes every read model on d.
func (s *Service) Register(d *events.Dispatcher) {
	d.On(events.TypeStockChanged, s.Stock.Apply)
	d.On(events.TypeStaffAssigned, s.Staff.Apply)
	d.On(events.TypeStaffUnassigned, s.Staff.Apply)
	d.On(events.TypeExpenseRecorded, s.Expenses.Apply)
}

// StockAt returns the projected stock of productID at outletID visible to
// tenantID.
func (s *Service) StockAt(tenantID, outletID, productID string) (StockSnapshot, error) {
	snap, ok := s.Stock.Stock(product.StockSubject(productID, outletID))
	if !ok || (tenantID != "" && snap.TenantID != tenantID) {
		return StockSnapshot{}, ErrUnknownStock
	}
	return snap, nil
}
