package httpapi

import (
	"net/http"
	"strings"
	"time"

	"retailops.org/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	Token            string    `json:"token"`
	TokenType        string    `json:"token_type"`
	RefreshToken     string    `json:"refresh_token"`
	UserID           string    `json:"user_id"`
	TenantID         string    `json:"tenant_id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	FullName         string    `json:"full_name,omitempty"`
	Roles            []string  `json:"roles"`
	Permissions      []string  `json:"permissions"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func newSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		Token:            s.AccessToken,
		TokenType:        s.TokenType,
		RefreshToken:     s.RefreshToken,
		UserID:           s.User.ID,
		TenantID:         s.User.TenantID,
		Username:         s.User.Username,
		Email:            s.User.Email,
		FullName:         s.User.FullName,
		Roles:            s.Roles,
		Permissions:      s.Permissions,
		IssuedAt:         s.IssuedAt,
		ExpiresAt:        s.ExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	login := strings.TrimSpace(req.Login)
	if login == "" {
		login = strings.TrimSpace(req.Username)
	}
	if login == "" {
		login = strings.TrimSpace(req.Email)
	}
	if login == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "login and password are required")
		return
	}

	session, err := a.svc.Authority.IssueToken(r.Context(), auth.Credentials{Login: login, Password: req.Password})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	session, err := a.svc.Authority.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Authority.Revoke(r.Context(), req.RefreshToken); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	resp := map[string]any{
		"user_id":     claims.Subject,
		"username":    claims.Username,
		"tenant_id":   claims.TenantID,
		"roles":       claims.Roles,
		"permissions": claims.Permissions,
	}
	if claims.ExpiresAt != nil {
		resp["expires_at"] = claims.ExpiresAt.Time.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}
