// Package httpapi is the HTTP surface of every service binary. Each protected
// route authorizes the caller itself through auth.Guard.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"retailops.org/internal/auth"
	"retailops.org/internal/events"
	"retailops.org/internal/expense"
	"retailops.org/internal/obs"
	"retailops.org/internal/outlet"
	"retailops.org/internal/pos"
	"retailops.org/internal/product"
	"retailops.org/internal/tenancy"
)

const defaultMaxBody = 1 << 20

// ReadyProbe checks dependencies before the service reports ready.
type ReadyProbe struct {
	DB     *sql.DB
	Checks []func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Tap streams a live copy of published events.
type Tap interface {
	Subscribe(ctx context.Context) <-chan events.Event
}

// StockReader answers POS stock lookups on behalf of a process that does not
// hold the read models itself.
type StockReader interface {
	StockAt(ctx context.Context, outletID, productID string) (pos.StockSnapshot, error)
}

// Services are the domain services a binary exposes. Routes are mounted only
// for the services that are set.
type Services struct {
	Guard     *auth.Guard
	Authority *auth.Authority
	Directory *auth.Directory
	Tenants   *tenancy.Admin
	Outlets   *outlet.Service
	Stock     *product.Service
	Expenses  *expense.Service
	POS       *pos.Service
	Tap       Tap

	// RemoteStock serves POS stock reads when POS runs elsewhere.
	RemoteStock StockReader
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	svc        Services
	readyProbe ReadyProbe
	service    string
	version    string
	maxBody    int64
}

// New mounts the routes for svc. A guard is required as soon as any
// protected service is present.
func New(service, version string, rp ReadyProbe, svc Services) (*API, error) {
	protected := svc.Authority != nil || svc.Directory != nil || svc.Tenants != nil ||
		svc.Outlets != nil || svc.Stock != nil || svc.Expenses != nil || svc.POS != nil || svc.Tap != nil || svc.RemoteStock != nil
	if protected && svc.Guard == nil {
		return nil, errors.New("httpapi: guard is required")
	}
	a := &API{
		router:     chi.NewRouter(),
		svc:        svc,
		readyProbe: rp,
		service:    service,
		version:    version,
		maxBody:    defaultMaxBody,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.Use(RequestID)
	r.Use(Recover)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(MaxBodyBytes(a.maxBody))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(methodNotAllowed)

	if a.svc.Authority != nil {
		r.Route("/v1/auth", func(r chi.Router) {
			r.Post("/login", a.login)
			r.Post("/refresh", a.refresh)
			r.Post("/logout", a.protect(opLogout, a.logout))
			r.Get("/me", a.protect(opMe, a.me))
		})
	}
	if a.svc.Directory != nil {
		r.Route("/v1/users", func(r chi.Router) {
			r.Post("/", a.protect(opUsersManage, a.createUser))
			r.Get("/", a.protect(opUsersManage, a.listUsers))
			r.Get("/{id}", a.protect(opUsersManage, a.getUser))
			r.Patch("/{id}", a.protect(opUsersManage, a.updateUser))
			r.Post("/{id}/deactivate", a.protect(opUsersManage, a.deactivateUser))
			r.Put("/{id}/roles/{role}", a.protect(opUsersManage, a.grantRole))
			r.Delete("/{id}/roles/{role}", a.protect(opUsersManage, a.revokeRole))
		})
		r.Route("/v1/roles", func(r chi.Router) {
			r.Post("/", a.protect(opRolesManage, a.createRole))
			r.Get("/", a.protect(opRolesManage, a.listRoles))
			r.Put("/{name}/permissions", a.protect(opRolesManage, a.setRolePermissions))
		})
	}
	if a.svc.Tenants != nil {
		r.Route("/v1/tenants", func(r chi.Router) {
			r.Post("/", a.protect(opTenantsManage, a.createTenant))
			r.Get("/", a.protect(opTenantsManage, a.listTenants))
			r.Get("/{id}", a.protect(opTenantView, a.getTenant))
			r.Post("/{id}/activate", a.protect(opTenantsManage, a.activateTenant))
			r.Post("/{id}/deactivate", a.protect(opTenantsManage, a.deactivateTenant))
			r.Put("/{id}/plan", a.protect(opTenantsManage, a.changePlan))
		})
	}
	if a.svc.Outlets != nil {
		r.Route("/v1/outlets/{id}/staff", func(r chi.Router) {
			r.Post("/", a.protect(opStaffAssign, a.assignStaff))
			r.Get("/", a.protect(opStaffView, a.listStaff))
			r.Delete("/{userID}", a.protect(opStaffAssign, a.unassignStaff))
		})
	}
	if a.svc.Stock != nil {
		r.Route("/v1/products/{id}/stock", func(r chi.Router) {
			r.Post("/", a.protect(opStockAdjust, a.adjustStock))
			r.Get("/", a.protect(opStockView, a.listStock))
			r.Get("/{outletID}", a.protect(opStockView, a.getStock))
		})
	}
	if a.svc.Expenses != nil {
		r.Route("/v1/expenses", func(r chi.Router) {
			r.Post("/", a.protect(opExpenseRecord, a.recordExpense))
			r.Get("/", a.protect(opExpenseView, a.listExpenses))
		})
	}
	if a.svc.POS != nil {
		r.Route("/v1/pos/outlets/{id}", func(r chi.Router) {
			r.Get("/stock/{productID}", a.protect(opPOSView, a.posStock))
			r.Get("/staff", a.protect(opPOSView, a.posStaff))
			r.Get("/staff/{userID}", a.protect(opPOSView, a.posStaffMember))
			r.Get("/expenses/{currency}", a.protect(opPOSView, a.posExpenses))
		})
	} else if a.svc.RemoteStock != nil {
		r.Get("/v1/pos/outlets/{id}/stock/{productID}", a.protect(opPOSView, a.remoteStock))
	}
	if a.svc.Tap != nil {
		r.Get("/v1/events/stream", a.protect(opEventsStream, a.Stream))
	}
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": a.service,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    a.service,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
