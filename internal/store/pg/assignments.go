package pg

import (
	"context"
	"database/sql"
	"errors"

	"retailops.org/internal/outlet"
)

var _ outlet.Store = (*Store)(nil)

const assignmentColumns = `outlet_id, user_id, tenant_id, role, status, assigned_at, updated_at, version`

func scanAssignment(row rowScanner) (outlet.Assignment, error) {
	var a outlet.Assignment
	err := row.Scan(&a.OutletID, &a.UserID, &a.TenantID, &a.Role, &a.Status, &a.AssignedAt, &a.UpdatedAt, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return outlet.Assignment{}, outlet.ErrNotFound
	}
	return a, err
}

// MutateAssignment takes a transaction-scoped advisory lock on the outlet so
// writers of the same outlet run one at a time. The row lock alone would not
// serialise two first-time assignments, and the staff count must not change
// between reading it and writing.
func (s *Store) MutateAssignment(ctx context.Context, tenantID, outletID, userID string, fn outlet.Mutation) (outlet.Assignment, error) {
	var out outlet.Assignment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, outletID); err != nil {
			return err
		}
		slot := &outlet.Slot{}
		cur, err := scanAssignment(tx.QueryRowContext(ctx, `
			select `+assignmentColumns+` from staff_assignments
			where outlet_id = $1 and user_id = $2
			for update
		`, outletID, userID))
		switch {
		case err == nil:
			slot.Assignment, slot.Exists = cur, true
		case errors.Is(err, outlet.ErrNotFound):
		default:
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			select count(*) from staff_assignments
			where outlet_id = $1 and status = 'ACTIVE' and ($2 = '' or tenant_id = $2)
		`, outletID, tenantID).Scan(&slot.ActiveAtOutlet); err != nil {
			return err
		}
		evts, err := fn(slot)
		if err != nil {
			return err
		}
		out = slot.Assignment
		if len(evts) == 0 {
			return nil
		}
		a := slot.Assignment
		if _, err := tx.ExecContext(ctx, `
			insert into staff_assignments (`+assignmentColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
			on conflict (outlet_id, user_id) do update
			set tenant_id = excluded.tenant_id, role = excluded.role, status = excluded.status,
			    assigned_at = excluded.assigned_at, updated_at = excluded.updated_at, version = excluded.version
		`, a.OutletID, a.UserID, a.TenantID, a.Role, a.Status, a.AssignedAt, a.UpdatedAt, a.Version); err != nil {
			return translate(err, outlet.ErrDuplicateActiveAssignment, outlet.ErrInvalidInput)
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		return outlet.Assignment{}, err
	}
	return out, nil
}

func (s *Store) Assignment(ctx context.Context, outletID, userID string) (outlet.Assignment, error) {
	if s.db == nil {
		return outlet.Assignment{}, errNoDB
	}
	return scanAssignment(s.db.QueryRowContext(ctx, `
		select `+assignmentColumns+` from staff_assignments where outlet_id = $1 and user_id = $2
	`, outletID, userID))
}

func (s *Store) ListByOutlet(ctx context.Context, outletID string) ([]outlet.Assignment, error) {
	return s.listAssignments(ctx, `
		select `+assignmentColumns+` from staff_assignments where outlet_id = $1 order by user_id
	`, outletID)
}

func (s *Store) ListActiveByUser(ctx context.Context, userID string) ([]outlet.Assignment, error) {
	return s.listAssignments(ctx, `
		select `+assignmentColumns+` from staff_assignments
		where user_id = $1 and status = 'ACTIVE'
		order by outlet_id
	`, userID)
}

func (s *Store) listAssignments(ctx context.Context, query string, args ...any) ([]outlet.Assignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []outlet.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
