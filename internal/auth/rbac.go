package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/ids"
	"retailops.org/internal/obs"
)

// NewUser is a registration request.
type NewUser struct {
	TenantID string
	Username string
	Email    string
	FullName string
	Password string
	Roles    []string
}

// UserUpdate carries optional profile changes.
type UserUpdate struct {
	Email    *string
	FullName *string
	Password *string
	Verified *bool
}

// Directory administers users and roles. Every user change is stored together
// with the event describing it.
type Directory struct {
	store   Store
	revoker interface {
		RevokeAll(ctx context.Context, userID string) error
	}
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory builds the administrative service over store.
func NewDirectory(store Store) (*Directory, error) {
	if store == nil {
		return nil, errors.New("auth: directory store is required")
	}
	return &Directory{store: store, logger: obs.Logger(), now: time.Now}, nil
}

// WithClock overrides the time source used for timestamps.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	if now != nil {
		d.now = now
	}
	return d
}

// WithRevoker routes deactivation through the authority so every refresh
// token of the user dies with the account.
func (d *Directory) WithRevoker(a *Authority) *Directory {
	if a != nil {
		d.revoker = a
	}
	return d
}

// RegisterUser creates an active user with the requested roles.
func (d *Directory) RegisterUser(ctx context.Context, actor string, in NewUser) (User, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	if in.TenantID == "" {
		return User{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || strings.ContainsAny(in.Username, " @\t") {
		return User{}, fmt.Errorf("%w: valid username is required", ErrInvalidInput)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	if len(in.Password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	var roles []string
	for _, name := range normalizeRoles(in.Roles) {
		role, err := d.tenantRole(ctx, in.TenantID, name)
		if err != nil {
			return User{}, err
		}
		roles = append(roles, role.Name)
	}
	hash, err := hashArgon2id(in.Password)
	if err != nil {
		return User{}, err
	}

	now := d.now().UTC()
	user := User{
		ID:           ids.NewAt(now),
		TenantID:     in.TenantID,
		Username:     in.Username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		Active:       true,
		Roles:        roles,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	evt, err := d.userEvent(events.TypeUserCreated, "create", actor, user)
	if err != nil {
		return User{}, err
	}
	if err := d.store.CreateUser(ctx, user, evt); err != nil {
		return User{}, err
	}
	d.logger.InfoContext(ctx, "user registered",
		"module", "auth.directory",
		"user_id", user.ID,
		"tenant_id", user.TenantID,
		"actor", actor,
	)
	return user, nil
}

// UpdateUser applies profile changes. An update that changes nothing emits
// nothing.
func (d *Directory) UpdateUser(ctx context.Context, actor, userID string, upd UserUpdate) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	var email string
	if upd.Email != nil {
		var err error
		if email, err = normalizeEmail(*upd.Email); err != nil {
			return User{}, err
		}
	}
	var hash string
	if upd.Password != nil {
		if len(*upd.Password) < 8 {
			return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
		}
		var err error
		if hash, err = hashArgon2id(*upd.Password); err != nil {
			return User{}, err
		}
	}
	return d.store.MutateUser(ctx, userID, func(u *User) ([]events.Event, error) {
		changed := false
		if upd.Email != nil && email != u.Email {
			u.Email = email
			changed = true
		}
		if upd.FullName != nil {
			if name := strings.TrimSpace(*upd.FullName); name != u.FullName {
				u.FullName = name
				changed = true
			}
		}
		if upd.Verified != nil && *upd.Verified != u.Verified {
			u.Verified = *upd.Verified
			changed = true
		}
		if hash != "" {
			u.PasswordHash = hash
			changed = true
		}
		if !changed {
			return nil, nil
		}
		d.touch(u)
		evt, err := d.userEvent(events.TypeUserUpdated, "update", actor, *u)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
}

// DeactivateUser disables the account and revokes its refresh tokens.
// Deactivating an inactive user succeeds without emitting anything. Access
// tokens already issued stay valid until they expire.
func (d *Directory) DeactivateUser(ctx context.Context, actor, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := d.store.MutateUser(ctx, userID, func(u *User) ([]events.Event, error) {
		if !u.Active {
			return nil, nil
		}
		u.Active = false
		d.touch(u)
		evt, err := d.userEvent(events.TypeUserDeactivated, "deactivate", actor, *u)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
	if err != nil {
		return User{}, err
	}
	if d.revoker != nil {
		err = d.revoker.RevokeAll(ctx, userID)
	} else {
		err = d.store.RevokeUserRefreshTokens(ctx, userID)
	}
	if err != nil {
		return user, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return user, nil
}

// GrantRole adds role to the user. Live access tokens keep their old roles
// until refresh.
func (d *Directory) GrantRole(ctx context.Context, actor, userID, role string) (User, error) {
	return d.changeRole(ctx, actor, userID, role, true)
}

// RevokeRole removes role from the user.
func (d *Directory) RevokeRole(ctx context.Context, actor, userID, role string) (User, error) {
	return d.changeRole(ctx, actor, userID, role, false)
}

func (d *Directory) changeRole(ctx context.Context, actor, userID, role string, grant bool) (User, error) {
	userID = strings.TrimSpace(userID)
	role = NormalizeRole(role)
	if userID == "" || role == "" {
		return User{}, fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	target, err := d.store.UserByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if grant {
		resolved, err := d.tenantRole(ctx, target.TenantID, role)
		if err != nil {
			return User{}, err
		}
		role = resolved.Name
	} else {
		role = TenantRoleName(target.TenantID, role)
	}
	return d.store.MutateUser(ctx, userID, func(u *User) ([]events.Event, error) {
		if u.HasRole(role) == grant {
			return nil, nil
		}
		if grant {
			u.Roles = append(u.Roles, role)
		} else {
			kept := u.Roles[:0]
			for _, r := range u.Roles {
				if r != role {
					kept = append(kept, r)
				}
			}
			u.Roles = kept
		}
		d.touch(u)
		action := "revoke"
		if grant {
			action = "grant"
		}
		evt, err := events.New(events.Spec{
			Type:        events.TypeUserRolesChanged,
			Source:      EventSource,
			SubjectType: events.SubjectUser,
			SubjectID:   u.ID,
			TenantID:    u.TenantID,
			Version:     u.Version,
			Action:      action,
			Actor:       actor,
			Payload: events.RolesChangedPayload{
				UserID:  u.ID,
				Role:    role,
				Granted: grant,
				Roles:   append([]string(nil), u.Roles...),
			},
		}, u.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
}

// CreateRole defines a tenant role from catalog permissions. The stored name
// is qualified with the tenant, see TenantRoleName.
func (d *Directory) CreateRole(ctx context.Context, tenantID, name, description string, perms []string) (Role, error) {
	name = NormalizeRole(name)
	tenantID = strings.TrimSpace(tenantID)
	switch {
	case name == "" || strings.Contains(name, roleTenantSep):
		return Role{}, fmt.Errorf("%w: valid role name is required", ErrInvalidInput)
	case IsBuiltinRole(name):
		return Role{}, fmt.Errorf("%w: %s is a built-in role", ErrConflict, name)
	}
	perms, err := checkTenantPermissions(tenantID, perms)
	if err != nil {
		return Role{}, err
	}
	role := Role{
		ID:          ids.New(),
		Name:        TenantRoleName(tenantID, name),
		Description: strings.TrimSpace(description),
		TenantID:    tenantID,
		Permissions: perms,
		CreatedAt:   d.now().UTC(),
	}
	if err := d.store.CreateRole(ctx, role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// SetRolePermissions replaces the permission set of a role owned by
// tenantID. Built-in roles are immutable.
func (d *Directory) SetRolePermissions(ctx context.Context, tenantID, name string, perms []string) error {
	name = NormalizeRole(name)
	if name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	tenantID = strings.TrimSpace(tenantID)
	role, err := d.store.RoleByName(ctx, TenantRoleName(tenantID, name))
	if err != nil {
		return err
	}
	if role.TenantID == "" {
		return fmt.Errorf("%w: built-in role %s cannot be changed", ErrForbidden, role.Name)
	}
	if role.TenantID != tenantID {
		return fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	perms, err = checkTenantPermissions(tenantID, perms)
	if err != nil {
		return err
	}
	return d.store.SetPermissions(ctx, role.Name, perms)
}

// User returns one user.
func (d *Directory) User(ctx context.Context, userID string) (User, error) {
	return d.store.UserByID(ctx, strings.TrimSpace(userID))
}

// Users lists the users of a tenant.
func (d *Directory) Users(ctx context.Context, tenantID string) ([]User, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return d.store.ListUsers(ctx, tenantID)
}

// Roles lists the built-in roles and those defined by tenantID.
func (d *Directory) Roles(ctx context.Context, tenantID string) ([]Role, error) {
	all, err := d.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	visible := all[:0]
	for _, role := range all {
		if role.TenantID == "" || role.TenantID == tenantID {
			visible = append(visible, role)
		}
	}
	return visible, nil
}

// tenantRole resolves name as seen from tenantID and refuses roles owned by
// another tenant.
func (d *Directory) tenantRole(ctx context.Context, tenantID, name string) (Role, error) {
	role, err := d.store.RoleByName(ctx, TenantRoleName(tenantID, name))
	if errors.Is(err, ErrNotFound) {
		return Role{}, fmt.Errorf("%w: unknown role %s", ErrInvalidInput, NormalizeRole(name))
	}
	if err != nil {
		return Role{}, err
	}
	if role.TenantID != "" && role.TenantID != tenantID {
		return Role{}, fmt.Errorf("%w: role %s belongs to another tenant", ErrForbidden, role.Name)
	}
	return role, nil
}

func (d *Directory) touch(u *User) {
	u.Version++
	u.UpdatedAt = d.now().UTC()
}

func (d *Directory) userEvent(typ, action, actor string, u User) (events.Event, error) {
	return events.New(events.Spec{
		Type:        typ,
		Source:      EventSource,
		SubjectType: events.SubjectUser,
		SubjectID:   u.ID,
		TenantID:    u.TenantID,
		Version:     u.Version,
		Action:      action,
		Actor:       actor,
		Payload: events.UserPayload{
			UserID:    u.ID,
			TenantID:  u.TenantID,
			Username:  u.Username,
			Email:     u.Email,
			FullName:  u.FullName,
			Active:    u.Active,
			Roles:     append([]string(nil), u.Roles...),
			UpdatedAt: u.UpdatedAt,
		},
	}, u.UpdatedAt)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}

// checkTenantPermissions also keeps platform permissions out of tenant roles.
func checkTenantPermissions(tenantID string, perms []string) ([]string, error) {
	perms, err := checkPermissions(perms)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return perms, nil
	}
	for _, p := range perms {
		if p == PermTenantsManage {
			return nil, fmt.Errorf("%w: %s is reserved to platform roles", ErrForbidden, p)
		}
	}
	return perms, nil
}

func checkPermissions(perms []string) ([]string, error) {
	perms = dedupeStrings(perms)
	for _, p := range perms {
		if !KnownPermission(p) {
			return nil, fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, p)
		}
	}
	return perms, nil
}
