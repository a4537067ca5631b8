package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the body of a session token. It is never persisted; services
// trust it until it expires.
type Claims struct {
	Username    string   `json:"username"`
	TenantID    string   `json:"tid,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c Claims) UserID() string { return c.Subject }

// HasRole reports whether role is embedded in the token.
func (c Claims) HasRole(role string) bool {
	role = NormalizeRole(role)
	if role == "" {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether at least one of roles is embedded in the token.
func (c Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the token carries permission key.
func (c Claims) HasPermission(key string) bool {
	key = strings.TrimSpace(key)
	for _, p := range c.Permissions {
		if p == key {
			return true
		}
	}
	return false
}
