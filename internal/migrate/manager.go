// Package migrate applies the PostgreSQL schema shared by the retail services.
// Migrations and seeds are embedded in the binary; a directory on disk can be
// used instead with WithFS.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"retailops.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

//go:embed sql/*.sql seeds/*.sql
var embedded embed.FS

// ErrNothingApplied is returned by Down on a fresh database.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager executes SQL migrations and seed files.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	logger          *slog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithFS reads migrations and seeds from fsys instead of the embedded set.
func WithFS(fsys fs.FS, migrationsDir, seedsDir string) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
			m.migrationsDir = migrationsDir
			m.seedsDir = seedsDir
		}
	}
}

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithLogger sets the logger used to report applied files.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager over the embedded schema.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            embedded,
		migrationsDir:   "sql",
		seedsDir:        "seeds",
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		logger:          obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.migrationsTable, m.migrationsDir, ".up.sql", "migration")
}

// Seed applies seed files once each and returns their names.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.seedsTable, m.seedsDir, ".sql", "seed")
}

// Down rolls back the most recent applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	executed, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", ErrNothingApplied
	}
	last := executed[len(executed)-1]
	downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := fs.Stat(m.fsys, downPath); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.exec(ctx, downPath, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	m.logger.Info("migration rolled back", "module", "migrate", "name", last)
	return last, nil
}

// Status returns applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

func (m *Manager) applyPending(ctx context.Context, table, dir, suffix, kind string) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx, table)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, dir, suffix)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		record := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table)
		if err := m.exec(ctx, path.Join(dir, name), record, name, time.Now().UTC()); err != nil {
			return applied, fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
		m.logger.Info(kind+" applied", "module", "migrate", "name", name)
		applied = append(applied, name)
	}
	return applied, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// exec runs every statement of the file plus the bookkeeping statement in one
// transaction.
func (m *Manager) exec(ctx context.Context, file, bookkeeping string, args ...any) error {
	sqlBytes, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(sqlBytes)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context, table string) (map[string]bool, error) {
	names, err := m.history(ctx, table)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, name := range names {
		result[name] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and
// line comments.
func splitStatements(sql string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
		prev      rune
	)
	for _, r := range sql {
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '-' && prev == '-' && !inString:
			s := current.String()
			current.Reset()
			current.WriteString(s[:len(s)-1])
			inComment = true
		case r == '\'':
			current.WriteRune(r)
			inString = !inString
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
		prev = r
		if inComment {
			prev = 0
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
