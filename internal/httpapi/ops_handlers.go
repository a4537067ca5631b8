package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"retailops.org/internal/expense"
	"retailops.org/internal/outlet"
	"retailops.org/internal/pos"
	"retailops.org/internal/product"
)

type assignRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

type adjustRequest struct {
	OutletID string `json:"outlet_id"`
	Action   string `json:"action"`
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason,omitempty"`
}

type expenseRequest struct {
	OutletID string `json:"outlet_id"`
	Category string `json:"category"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Note     string `json:"note,omitempty"`
}

func (a *API) assignStaff(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	asg, err := a.svc.Outlets.Assign(r.Context(), outlet.AssignRequest{
		TenantID: tenantOf(r),
		OutletID: chi.URLParam(r, "id"),
		UserID:   req.UserID,
		Role:     req.Role,
		Actor:    actorOf(r),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "outlet.staff.assign", map[string]any{"outlet_id": asg.OutletID, "user": asg.UserID, "role": asg.Role})
	writeJSON(w, http.StatusCreated, asg)
}

func (a *API) unassignStaff(w http.ResponseWriter, r *http.Request) {
	asg, err := a.svc.Outlets.Unassign(r.Context(), tenantOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "userID"), actorOf(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "outlet.staff.unassign", map[string]any{"outlet_id": asg.OutletID, "user": asg.UserID})
	writeJSON(w, http.StatusOK, asg)
}

func (a *API) listStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := a.svc.Outlets.Staff(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("status"), outlet.StatusActive) {
		active := staff[:0]
		for _, s := range staff {
			if s.Status == outlet.StatusActive {
				active = append(active, s)
			}
		}
		staff = active
	}
	writeJSON(w, http.StatusOK, map[string]any{"staff": staff})
}

func (a *API) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	level, err := a.svc.Stock.Adjust(r.Context(), product.Adjustment{
		TenantID:  tenantOf(r),
		ProductID: chi.URLParam(r, "id"),
		OutletID:  req.OutletID,
		Action:    req.Action,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Actor:     actorOf(r),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) listStock(w http.ResponseWriter, r *http.Request) {
	levels, err := a.svc.Stock.Levels(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": levels})
}

func (a *API) getStock(w http.ResponseWriter, r *http.Request) {
	level, err := a.svc.Stock.Level(r.Context(), tenantOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "outletID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) recordExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.svc.Expenses.Record(r.Context(), expense.Expense{
		TenantID:   tenantOf(r),
		OutletID:   req.OutletID,
		Category:   req.Category,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Note:       req.Note,
		RecordedBy: actorOf(r),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) listExpenses(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.Expenses.List(r.Context(), tenantOf(r), r.URL.Query().Get("outlet_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": list})
}

func (a *API) posStock(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.POS.StockAt(tenantOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "productID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// remoteStock asks the POS service over gRPC. The caller's token travels
// with the request and the remote side applies its own tenant scope.
func (a *API) remoteStock(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.RemoteStock.StockAt(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) posStaff(w http.ResponseWriter, r *http.Request) {
	staff := append(make([]pos.Assignment, 0), a.svc.POS.Staff.ActiveStaff(tenantOf(r), chi.URLParam(r, "id"))...)
	writeJSON(w, http.StatusOK, map[string]any{"staff": staff})
}

func (a *API) posStaffMember(w http.ResponseWriter, r *http.Request) {
	outletID, userID := chi.URLParam(r, "id"), chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, map[string]any{
		"outlet_id":   outletID,
		"user_id":     userID,
		"can_operate": a.svc.POS.Staff.CanOperate(tenantOf(r), outletID, userID),
	})
}

func (a *API) posExpenses(w http.ResponseWriter, r *http.Request) {
	outletID := chi.URLParam(r, "id")
	currency := strings.ToUpper(chi.URLParam(r, "currency"))
	writeJSON(w, http.StatusOK, map[string]any{
		"outlet_id": outletID,
		"currency":  currency,
		"total":     a.svc.POS.Expenses.Total(tenantOf(r), outletID, currency),
	})
}
