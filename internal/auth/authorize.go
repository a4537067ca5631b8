package auth

import (
	"context"
	"fmt"
	"strings"

	"retailops.org/internal/obs"
)

type requirementKind int

const (
	kindAuthenticated requirementKind = iota
	kindAnyRole
	kindPermission
)

// Requirement describes who may invoke an operation.
type Requirement struct {
	kind       requirementKind
	roles      []string
	permission string
	label      string
}

// Authenticated accepts any valid session.
func Authenticated() Requirement {
	return Requirement{kind: kindAuthenticated, label: "authenticated"}
}

// RequireRole accepts sessions holding at least one of roles.
func RequireRole(roles ...string) Requirement {
	norm := normalizeRoles(roles)
	return Requirement{kind: kindAnyRole, roles: norm, label: "role " + strings.Join(norm, "|")}
}

// ManagerTier accepts administrators and managers.
func ManagerTier() Requirement {
	r := RequireRole(RoleAdmin, RoleManager)
	r.label = "manager tier"
	return r
}

// RequirePermission accepts sessions carrying permission key.
func RequirePermission(key string) Requirement {
	key = strings.TrimSpace(key)
	return Requirement{kind: kindPermission, permission: key, label: "permission " + key}
}

// Satisfied evaluates the requirement against validated claims.
func (r Requirement) Satisfied(c Claims) bool {
	switch r.kind {
	case kindAuthenticated:
		return true
	case kindAnyRole:
		return c.HasAnyRole(r.roles...)
	case kindPermission:
		return c.HasPermission(r.permission)
	default:
		return false
	}
}

func (r Requirement) String() string { return r.label }

// Operation binds a named entry point to its requirement.
type Operation struct {
	Name        string
	Requirement Requirement
}

// TokenValidator validates a raw session token.
type TokenValidator interface {
	Validate(token string) (Claims, error)
}

// Guard authorizes operations inside a service. It is stateless and safe for
// concurrent use.
type Guard struct {
	validator TokenValidator
}

// NewGuard builds a guard over a validator.
func NewGuard(v TokenValidator) *Guard {
	return &Guard{validator: v}
}

// Authorize validates rawToken and checks op's requirement. Token problems
// yield ErrUnauthenticated wrapping the cause; a valid token lacking the
// required role yields ErrForbidden.
func (g *Guard) Authorize(_ context.Context, rawToken string, op Operation) (Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		obs.GuardDecisions.WithLabelValues(op.Name, "unauthenticated").Inc()
		return Claims{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims, err := g.validator.Validate(rawToken)
	if err != nil {
		obs.GuardDecisions.WithLabelValues(op.Name, "unauthenticated").Inc()
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !op.Requirement.Satisfied(claims) {
		obs.GuardDecisions.WithLabelValues(op.Name, "forbidden").Inc()
		return claims, fmt.Errorf("%w: %s requires %s", ErrForbidden, op.Name, op.Requirement)
	}
	obs.GuardDecisions.WithLabelValues(op.Name, "allowed").Inc()
	return claims, nil
}
