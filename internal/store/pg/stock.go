package pg

import (
	"context"
	"database/sql"
	"errors"

	"retailops.org/internal/product"
)

var _ product.Store = (*Store)(nil)

const levelColumns = `product_id, outlet_id, tenant_id, quantity, version, updated_at`

func scanLevel(row rowScanner) (product.Level, error) {
	var l product.Level
	err := row.Scan(&l.ProductID, &l.OutletID, &l.TenantID, &l.Quantity, &l.Version, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return product.Level{}, product.ErrNotFound
	}
	return l, err
}

func (s *Store) MutateLevel(ctx context.Context, productID, outletID string, fn product.Mutation) (product.Level, error) {
	var out product.Level
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Serialises the first stock movement for a pair, which has no row to lock yet.
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, product.StockSubject(productID, outletID)); err != nil {
			return err
		}
		l, err := scanLevel(tx.QueryRowContext(ctx, `
			select `+levelColumns+` from stock_levels where product_id = $1 and outlet_id = $2 for update
		`, productID, outletID))
		exists := true
		switch {
		case errors.Is(err, product.ErrNotFound):
			l, exists = product.Level{ProductID: productID, OutletID: outletID}, false
		case err != nil:
			return err
		}
		evts, err := fn(&l, exists)
		if err != nil {
			return err
		}
		out = l
		if len(evts) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			insert into stock_levels (`+levelColumns+`) values ($1, $2, $3, $4, $5, $6)
			on conflict (product_id, outlet_id) do update
			set tenant_id = excluded.tenant_id, quantity = excluded.quantity,
			    version = excluded.version, updated_at = excluded.updated_at
		`, l.ProductID, l.OutletID, l.TenantID, l.Quantity, l.Version, l.UpdatedAt); err != nil {
			return translate(err, product.ErrInvalidInput, product.ErrInsufficientStock)
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		return product.Level{}, err
	}
	return out, nil
}

func (s *Store) Level(ctx context.Context, productID, outletID string) (product.Level, error) {
	if s.db == nil {
		return product.Level{}, errNoDB
	}
	return scanLevel(s.db.QueryRowContext(ctx, `
		select `+levelColumns+` from stock_levels where product_id = $1 and outlet_id = $2
	`, productID, outletID))
}

func (s *Store) Levels(ctx context.Context, productID string) ([]product.Level, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+levelColumns+` from stock_levels where product_id = $1 order by outlet_id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []product.Level
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
