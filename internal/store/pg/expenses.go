package pg

import (
	"context"
	"database/sql"

	"retailops.org/internal/events"
	"retailops.org/internal/expense"
)

var _ expense.Store = (*Store)(nil)

func (s *Store) CreateExpense(ctx context.Context, e expense.Expense, evts ...events.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into expenses (id, tenant_id, outlet_id, category, amount, currency, note, recorded_by, recorded_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.ID, e.TenantID, e.OutletID, e.Category, e.Amount, e.Currency, e.Note, e.RecordedBy, e.RecordedAt); err != nil {
			return translate(err, expense.ErrInvalidInput, expense.ErrInvalidInput)
		}
		return insertOutbox(ctx, tx, evts)
	})
}

func (s *Store) ListExpenses(ctx context.Context, tenantID, outletID string) ([]expense.Expense, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, outlet_id, category, amount, currency, note, recorded_by, recorded_at
		from expenses
		where tenant_id = $1 and ($2 = '' or outlet_id = $2)
		order by id
	`, tenantID, outletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []expense.Expense
	for rows.Next() {
		var e expense.Expense
		if err := rows.Scan(&e.ID, &e.TenantID, &e.OutletID, &e.Category, &e.Amount, &e.Currency,
			&e.Note, &e.RecordedBy, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
