package auth

import (
	"strings"
	"time"
)

// Built-in role names.
const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleStaff   = "STAFF"
	RoleCashier = "CASHIER"

	// RolePlatformAdmin administers tenants across the platform. Only
	// bootstrap and other platform administrators grant it.
	RolePlatformAdmin = "PLATFORM_ADMIN"
)

// User is an account in a tenant. Users are deactivated, never deleted, and
// hold the names of their roles.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name,omitempty"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	Verified     bool      `json:"verified"`
	Roles        []string  `json:"roles"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRole reports whether the user currently holds role.
func (u User) HasRole(role string) bool {
	role = NormalizeRole(role)
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Role groups permissions. Built-in roles have an empty TenantID.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// RefreshToken is the persisted half of a refresh token; only the hash of
// the secret is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// Credentials is a login request; Login is a username or an email.
type Credentials struct {
	Login    string
	Password string
}

// Session is the result of a successful issuance or refresh.
type Session struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	User             User
	Roles            []string
	Permissions      []string
}

// NormalizeRole canonicalises a role name.
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

const roleTenantSep = "@"

// TenantRoleName qualifies a tenant-defined role name with its tenant so two
// tenants can both define SUPERVISOR. Built-in and already qualified names
// pass through unchanged.
func TenantRoleName(tenantID, name string) string {
	name = NormalizeRole(name)
	tenantID = strings.TrimSpace(tenantID)
	if name == "" || tenantID == "" || IsBuiltinRole(name) || strings.Contains(name, roleTenantSep) {
		return name
	}
	return NormalizeRole(name + roleTenantSep + tenantID)
}

// normalizeRoles upper-cases, trims and dedupes role names keeping order.
func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = NormalizeRole(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
