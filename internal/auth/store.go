package auth

import (
	"context"

	"retailops.org/internal/events"
)

// UserMutation edits a user in place and returns the events describing the
// change. Returning no events and an unchanged user makes the write a no-op.
type UserMutation func(u *User) ([]events.Event, error)

// UserStore persists users. Writes that carry events store them in the same
// transaction as the row so the outbox never diverges from state.
type UserStore interface {
	CreateUser(ctx context.Context, u User, evts ...events.Event) error
	UserByID(ctx context.Context, id string) (User, error)
	UserByLogin(ctx context.Context, login string) (User, error)
	MutateUser(ctx context.Context, id string, fn UserMutation) (User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
}

// RoleStore resolves role names to their permission sets.
type RoleStore interface {
	RolesOf(ctx context.Context, userID string) ([]Role, error)
	PermissionsOf(ctx context.Context, roleNames []string) ([]string, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, role Role) error
	SetPermissions(ctx context.Context, roleName string, perms []string) error
	ListRoles(ctx context.Context) ([]Role, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, tok RefreshToken) error
	RefreshTokenByID(ctx context.Context, id string) (RefreshToken, error)
	// RevokeRefreshToken reports whether this call performed the revocation,
	// so two concurrent refreshes cannot both rotate the same token.
	RevokeRefreshToken(ctx context.Context, id string) (bool, error)
	// RotateRefreshToken revokes oldID and stores next as one change. It
	// reports false, storing nothing, when oldID was already revoked.
	RotateRefreshToken(ctx context.Context, oldID string, next RefreshToken) (bool, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string) error
}

// Store is everything the token authority and directory need.
type Store interface {
	UserStore
	RoleStore
	RefreshTokenStore
}

// TenantLookup reports whether a tenant may obtain new sessions.
type TenantLookup interface {
	TenantActive(ctx context.Context, tenantID string) (bool, error)
}
