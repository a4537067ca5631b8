package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"retailops.org/internal/audit"
	"retailops.org/internal/auth"
	"retailops.org/internal/expense"
	"retailops.org/internal/obs"
	"retailops.org/internal/outlet"
	"retailops.org/internal/pos"
	"retailops.org/internal/product"
	"retailops.org/internal/tenancy"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := audit.RequestID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// statusFor maps domain errors onto HTTP statuses. Zero means unmapped.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, tenancy.ErrTenantInactive),
		errors.Is(err, tenancy.ErrPlanLimit):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrConflict),
		errors.Is(err, tenancy.ErrConflict),
		errors.Is(err, outlet.ErrDuplicateActiveAssignment),
		errors.Is(err, product.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, tenancy.ErrInvalidInput),
		errors.Is(err, outlet.ErrInvalidInput),
		errors.Is(err, product.ErrInvalidInput),
		errors.Is(err, expense.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, tenancy.ErrNotFound),
		errors.Is(err, outlet.ErrNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, pos.ErrUnknownStock):
		return http.StatusNotFound
	}
	return 0
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	switch code {
	case 0:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", audit.RequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="retailops"`)
		writeError(w, r, code, err.Error())
	default:
		writeError(w, r, code, err.Error())
	}
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	if err := audit.LogEvent(r.Context(), event, fields); err != nil {
		obs.Logger().WarnContext(r.Context(), "audit log failed", "event", event, "error", err)
	}
}

func actorOf(r *http.Request) string {
	if id, ok := auth.UserIDFromContext(r.Context()); ok {
		return id
	}
	return ""
}

func tenantOf(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.TenantID
	}
	return ""
}
