package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"retailops.org/internal/auth"
)

func (s *Store) RolesOf(ctx context.Context, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `select 1 from users where id = $1`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, coalesce(r.tenant_id, ''), r.created_at
		from user_roles ur
		join roles r on r.name = ur.role_name
		where ur.user_id = $1
		order by ur.position, r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	return roles, s.attachPermissions(ctx, roles)
}

func (s *Store) PermissionsOf(ctx context.Context, roleNames []string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	names := make([]any, 0, len(roleNames))
	for _, name := range roleNames {
		if name = auth.NormalizeRole(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct permission from role_permissions
		where role_name in (`+placeholders(1, len(names))+`)
		order by permission
	`, names...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) RoleByName(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, coalesce(tenant_id, ''), created_at from roles where name = $1
	`, auth.NormalizeRole(name)).Scan(&role.ID, &role.Name, &role.Description, &role.TenantID, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	roles := []auth.Role{role}
	if err := s.attachPermissions(ctx, roles); err != nil {
		return auth.Role{}, err
	}
	return roles[0], nil
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, name, description, tenant_id, created_at) values ($1, $2, $3, $4, $5)
		`, role.ID, role.Name, role.Description, nullIfEmpty(role.TenantID), role.CreatedAt); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
		}
		return writePermissions(ctx, tx, role.Name, role.Permissions)
	})
}

func (s *Store) SetPermissions(ctx context.Context, roleName string, perms []string) error {
	roleName = auth.NormalizeRole(roleName)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `select 1 from roles where name = $1 for update`, roleName).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_name = $1`, roleName); err != nil {
			return err
		}
		return writePermissions(ctx, tx, roleName, perms)
	})
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, coalesce(tenant_id, ''), created_at from roles order by name
	`)
	if err != nil {
		return nil, err
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	return roles, s.attachPermissions(ctx, roles)
}

func writePermissions(ctx context.Context, tx *sql.Tx, roleName string, perms []string) error {
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_name, permission) values ($1, $2) on conflict do nothing
		`, roleName, p); err != nil {
			return err
		}
	}
	return nil
}

func scanRoles(rows *sql.Rows) ([]auth.Role, error) {
	defer rows.Close()
	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.TenantID, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// attachPermissions loads the permission sets of roles in one query.
func (s *Store) attachPermissions(ctx context.Context, roles []auth.Role) error {
	if len(roles) == 0 {
		return nil
	}
	names := make([]any, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	rows, err := s.db.QueryContext(ctx, `
		select role_name, permission from role_permissions
		where role_name in (`+placeholders(1, len(names))+`)
	`, names...)
	if err != nil {
		return err
	}
	defer rows.Close()
	perms := make(map[string][]string, len(roles))
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return err
		}
		perms[role] = append(perms[role], perm)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range roles {
		p := perms[roles[i].Name]
		sort.Strings(p)
		roles[i].Permissions = p
	}
	return nil
}
