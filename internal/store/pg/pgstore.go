// Package pg implements the service stores on PostgreSQL. Every write that
// produces events inserts its outbox rows in the same transaction as the
// state change.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"retailops.org/internal/events"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

var errNoDB = errors.New("database connection unavailable")

// Store wraps a connection pool. The relay bookkeeping goes through gorm on
// the same pool; everything else is plain SQL.
type Store struct {
	db  *sql.DB
	gdb *gorm.DB
}

// Open connects to dsn with pool settings sized for one service replica.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errNoDB
	}
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &Store{db: db, gdb: gdb}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Append stores events that have no accompanying state change.
func (s *Store) Append(ctx context.Context, evts ...events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertOutbox(ctx, tx, evts)
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutbox(ctx context.Context, q execer, evts []events.Event) error {
	for _, evt := range evts {
		if err := evt.Validate(); err != nil {
			return err
		}
		raw, err := events.Encode(evt)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			insert into event_outbox (event_id, event_type, subject_id, envelope, next_attempt_at, created_at)
			values ($1, $2, $3, $4, $5, $5)
			on conflict (event_id) do nothing
		`, evt.ID, evt.Type, evt.SubjectID, string(raw), evt.OccurredAt); err != nil {
			return fmt.Errorf("insert outbox %s: %w", evt.ID, err)
		}
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps constraint violations onto the caller's sentinel errors.
func translate(err, conflict, invalid error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", conflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation, pgErrCheckViolation:
			return fmt.Errorf("%w: %s", invalid, pgErr.ConstraintName)
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// placeholders returns "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}
