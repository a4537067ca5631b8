package pg

import (
	"context"
	"database/sql"
	"errors"

	"retailops.org/internal/events"
	"retailops.org/internal/tenancy"
)

var _ tenancy.Store = (*Store)(nil)

const tenantColumns = `id, name, status, plan, version, created_at, updated_at`

func scanTenant(row rowScanner) (tenancy.Tenant, error) {
	var t tenancy.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Plan, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Tenant{}, tenancy.ErrNotFound
	}
	return t, err
}

func (s *Store) CreateTenant(ctx context.Context, t tenancy.Tenant, evts ...events.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into tenants (`+tenantColumns+`) values ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, t.Name, t.Status, t.Plan, t.Version, t.CreatedAt, t.UpdatedAt); err != nil {
			return translate(err, tenancy.ErrConflict, tenancy.ErrInvalidInput)
		}
		return insertOutbox(ctx, tx, evts)
	})
}

func (s *Store) TenantByID(ctx context.Context, id string) (tenancy.Tenant, error) {
	if s.db == nil {
		return tenancy.Tenant{}, errNoDB
	}
	return scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id))
}

func (s *Store) MutateTenant(ctx context.Context, id string, fn tenancy.Mutation) (tenancy.Tenant, error) {
	var out tenancy.Tenant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTenant(tx.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1 for update`, id))
		if err != nil {
			return err
		}
		evts, err := fn(&t)
		if err != nil {
			return err
		}
		out = t
		if len(evts) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			update tenants set name = $2, status = $3, plan = $4, version = $5, updated_at = $6
			where id = $1
		`, id, t.Name, t.Status, t.Plan, t.Version, t.UpdatedAt); err != nil {
			return translate(err, tenancy.ErrConflict, tenancy.ErrInvalidInput)
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		return tenancy.Tenant{}, err
	}
	return out, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenancy.Tenant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+tenantColumns+` from tenants order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tenancy.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
