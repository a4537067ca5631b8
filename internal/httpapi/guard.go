package httpapi

import (
	"errors"
	"net/http"

	"retailops.org/internal/auth"
	"retailops.org/internal/obs"
)

var (
	opLogout        = auth.Operation{Name: "auth.logout", Requirement: auth.Authenticated()}
	opMe            = auth.Operation{Name: "auth.me", Requirement: auth.Authenticated()}
	opUsersManage   = auth.Operation{Name: "users.manage", Requirement: auth.RequireRole(auth.RoleAdmin)}
	opRolesManage   = auth.Operation{Name: "roles.manage", Requirement: auth.RequireRole(auth.RoleAdmin)}
	opTenantsManage = auth.Operation{Name: "tenants.manage", Requirement: auth.RequirePermission(auth.PermTenantsManage)}
	opTenantView    = auth.Operation{Name: "tenants.view", Requirement: auth.RequireRole(auth.RoleAdmin, auth.RolePlatformAdmin)}
	opStaffAssign   = auth.Operation{Name: "outlet.staff.assign", Requirement: auth.ManagerTier()}
	opStaffView     = auth.Operation{Name: "outlet.staff.view", Requirement: auth.Authenticated()}
	opStockAdjust   = auth.Operation{Name: "product.stock.adjust", Requirement: auth.ManagerTier()}
	opStockView     = auth.Operation{Name: "product.stock.view", Requirement: auth.Authenticated()}
	opExpenseRecord = auth.Operation{Name: "expense.record", Requirement: auth.ManagerTier()}
	opExpenseView   = auth.Operation{Name: "expense.view", Requirement: auth.RequirePermission(auth.PermExpenseView)}
	opPOSView       = auth.Operation{Name: "pos.view", Requirement: auth.Authenticated()}
	opEventsStream  = auth.Operation{Name: "events.stream", Requirement: auth.RequireRole(auth.RoleAdmin)}
)

// protect authorizes op before h runs. A missing or invalid token answers 401
// and a valid token lacking the requirement answers 403; the two are never
// conflated.
func (a *API) protect(op auth.Operation, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := auth.BearerToken(r.Header.Get("Authorization"))
		claims, err := a.svc.Guard.Authorize(r.Context(), token, op)
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			challenge := `Bearer realm="retailops"`
			if token != "" {
				challenge += `, error="invalid_token"`
			}
			w.Header().Set("WWW-Authenticate", challenge)
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		case errors.Is(err, auth.ErrForbidden):
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		case err != nil:
			obs.Logger().ErrorContext(r.Context(), "authorization failed", "operation", op.Name, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		ctx := auth.ContextWithToken(auth.ContextWithClaims(r.Context(), claims), token)
		h(w, r.WithContext(ctx))
	}
}
