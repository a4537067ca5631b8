package pg

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"retailops.org/internal/auth"
	"retailops.org/internal/events"
)

var _ auth.Store = (*Store)(nil)

const userColumns = `id, tenant_id, username, email, full_name, password_hash, active, verified, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash,
		&u.Active, &u.Verified, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func userRoleNames(ctx context.Context, q queryer, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		select role_name from user_roles where user_id = $1 order by position, role_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func writeUserRoles(ctx context.Context, tx *sql.Tx, userID string, roles []string) error {
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for i, role := range roles {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_name, position) values ($1, $2, $3)
		`, userID, role, i); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User, evts ...events.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into users (`+userColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, u.ID, u.TenantID, u.Username, u.Email, u.FullName, u.PasswordHash,
			u.Active, u.Verified, u.Version, u.CreatedAt, u.UpdatedAt); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
		}
		for i, role := range u.Roles {
			if _, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_name, position) values ($1, $2, $3)
			`, u.ID, role, i); err != nil {
				return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
			}
		}
		return insertOutbox(ctx, tx, evts)
	})
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if err != nil {
		return auth.User{}, err
	}
	u.Roles, err = userRoleNames(ctx, s.db, u.ID)
	return u, err
}

func (s *Store) UserByLogin(ctx context.Context, login string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users
		where lower(username) = lower($1) or lower(email) = lower($1)
		limit 1
	`, login))
	if err != nil {
		return auth.User{}, err
	}
	u.Roles, err = userRoleNames(ctx, s.db, u.ID)
	return u, err
}

func (s *Store) MutateUser(ctx context.Context, id string, fn auth.UserMutation) (auth.User, error) {
	var out auth.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanUser(tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1 for update`, id))
		if err != nil {
			return err
		}
		if current.Roles, err = userRoleNames(ctx, tx, id); err != nil {
			return err
		}
		next := current
		next.Roles = slices.Clone(current.Roles)
		evts, err := fn(&next)
		if err != nil {
			return err
		}
		out = next
		if len(evts) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			update users
			set email = $2, full_name = $3, password_hash = $4, active = $5, verified = $6,
			    version = $7, updated_at = $8
			where id = $1
		`, id, next.Email, next.FullName, next.PasswordHash, next.Active, next.Verified,
			next.Version, next.UpdatedAt); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
		}
		if !slices.Equal(current.Roles, next.Roles) {
			if err := writeUserRoles(ctx, tx, id, next.Roles); err != nil {
				return err
			}
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		return auth.User{}, err
	}
	return out, nil
}

func (s *Store) ListUsers(ctx context.Context, tenantID string) ([]auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users
		where $1 = '' or tenant_id = $1
		order by id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	var users []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range users {
		if users[i].Roles, err = userRoleNames(ctx, s.db, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, tok auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
}

func (s *Store) RefreshTokenByID(ctx context.Context, id string) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errNoDB
	}
	var (
		tok     auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked_at
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	tok.Revoked = revoked.Valid
	return tok, nil
}

// RevokeRefreshToken relies on the row update being atomic: of two
// concurrent callers only one sees a row affected.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2 where id = $1 and revoked_at is null
	`, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RotateRefreshToken revokes oldID and inserts next in one transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next auth.RefreshToken) (bool, error) {
	rotated := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update refresh_tokens set revoked_at = $2 where id = $1 and revoked_at is null
		`, oldID, time.Now().UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
			values ($1, $2, $3, $4, $5)
		`, next.ID, next.UserID, next.TokenHash, next.ExpiresAt, next.CreatedAt); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrInvalidInput)
		}
		rotated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return rotated, nil
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2 where user_id = $1 and revoked_at is null
	`, userID, time.Now().UTC())
	return err
}
