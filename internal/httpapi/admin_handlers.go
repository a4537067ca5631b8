package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"retailops.org/internal/auth"
)

type createUserRequest struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name,omitempty"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
}

type updateUserRequest struct {
	Email    *string `json:"email,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Password *string `json:"password,omitempty"`
	Verified *bool   `json:"verified,omitempty"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createTenantRequest struct {
	Name string `json:"name"`
	Plan string `json:"plan"`
}

type planRequest struct {
	Plan string `json:"plan"`
}

// scopeTenant resolves the tenant a request acts on. Administrators act on
// their own tenant unless they also hold tenants.manage.
func scopeTenant(r *http.Request, requested string) (string, error) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == claims.TenantID {
		return claims.TenantID, nil
	}
	if !claims.HasPermission(auth.PermTenantsManage) {
		return "", fmt.Errorf("%w: tenant %s is outside the caller's scope", auth.ErrForbidden, requested)
	}
	return requested, nil
}

// checkGrantable refuses platform roles to callers that do not administer
// tenants themselves.
func checkGrantable(r *http.Request, roles ...string) error {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims.HasPermission(auth.PermTenantsManage) {
		return nil
	}
	for _, role := range roles {
		if auth.NormalizeRole(role) == auth.RolePlatformAdmin {
			return fmt.Errorf("%w: role %s is reserved for platform administrators", auth.ErrForbidden, auth.RolePlatformAdmin)
		}
	}
	return nil
}

// scopedUser loads the user named in the path and checks it is in scope.
func (a *API) scopedUser(r *http.Request) (auth.User, error) {
	u, err := a.svc.Directory.User(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return auth.User{}, err
	}
	if _, err := scopeTenant(r, u.TenantID); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantID, err := scopeTenant(r, req.TenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := checkGrantable(r, req.Roles...); err != nil {
		handleError(w, r, err)
		return
	}
	user, err := a.svc.Directory.RegisterUser(r.Context(), actorOf(r), auth.NewUser{
		TenantID: tenantID,
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
		Roles:    req.Roles,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "users.create", map[string]any{"user_id": user.ID, "tenant_id": user.TenantID, "roles": user.Roles})
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	tenantID, err := scopeTenant(r, r.URL.Query().Get("tenant_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	users, err := a.svc.Directory.Users(r.Context(), tenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.scopedUser(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.scopedUser(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	u, err = a.svc.Directory.UpdateUser(r.Context(), actorOf(r), u.ID, auth.UserUpdate{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
		Verified: req.Verified,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "users.update", map[string]any{"user_id": u.ID, "password_changed": req.Password != nil})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.scopedUser(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	u, err = a.svc.Directory.DeactivateUser(r.Context(), actorOf(r), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "users.deactivate", map[string]any{"user_id": u.ID})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, "users.roles.grant", a.svc.Directory.GrantRole)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, "users.roles.revoke", a.svc.Directory.RevokeRole)
}

type roleChange func(ctx context.Context, actor, userID, role string) (auth.User, error)

func (a *API) changeRole(w http.ResponseWriter, r *http.Request, event string, change roleChange) {
	u, err := a.scopedUser(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	role := chi.URLParam(r, "role")
	if err := checkGrantable(r, role); err != nil {
		handleError(w, r, err)
		return
	}
	u, err = change(r.Context(), actorOf(r), u.ID, role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, event, map[string]any{"user_id": u.ID, "role": auth.NormalizeRole(role), "roles": u.Roles})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.Directory.CreateRole(r.Context(), tenantOf(r), req.Name, req.Description, req.Permissions)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "roles.create", map[string]any{"role": role.Name, "permissions": role.Permissions})
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.Directory.Roles(r.Context(), tenantOf(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	if err := a.svc.Directory.SetRolePermissions(r.Context(), tenantOf(r), name, req.Permissions); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "roles.permissions.set", map[string]any{"role": auth.NormalizeRole(name), "permissions": req.Permissions})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.svc.Tenants.Create(r.Context(), actorOf(r), req.Name, req.Plan)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "tenants.create", map[string]any{"tenant": t.ID, "plan": t.Plan})
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.svc.Tenants.Tenants(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (a *API) getTenant(w http.ResponseWriter, r *http.Request) {
	id, err := scopeTenant(r, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	t, err := a.svc.Tenants.Tenant(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) activateTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Tenants.Activate(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "tenants.activate", map[string]any{"tenant": t.ID})
	writeJSON(w, http.StatusOK, t)
}

func (a *API) deactivateTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Tenants.Deactivate(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "tenants.deactivate", map[string]any{"tenant": t.ID})
	writeJSON(w, http.StatusOK, t)
}

func (a *API) changePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.svc.Tenants.ChangePlan(r.Context(), actorOf(r), chi.URLParam(r, "id"), req.Plan)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "tenants.plan", map[string]any{"tenant": t.ID, "plan": t.Plan})
	writeJSON(w, http.StatusOK, t)
}
