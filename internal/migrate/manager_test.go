package migrate

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	sql := `-- tenants; owned by auth
create table a (x text default 'a;b');
insert into a values ('c'); -- trailing; comment
select 1`
	stmts := splitStatements(sql)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if want := "create table a (x text default 'a;b');"; trim(stmts[0]) != want {
		t.Fatalf("unexpected first statement %q", stmts[0])
	}
	if trim(stmts[2]) != "select 1" {
		t.Fatalf("unexpected tail %q", stmts[2])
	}
}

func trim(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == ' ') {
		s = s[1:]
	}
	return s
}

func TestEmbeddedSchemaIsPaired(t *testing.T) {
	ups, err := collectSQL(embedded, "sql", ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := "sql/" + up[:len(up)-len(".up.sql")] + ".down.sql"
		if _, err := fs.Stat(embedded, down); err != nil {
			t.Fatalf("migration %s has no down file", up)
		}
	}
	seeds, err := collectSQL(embedded, "seeds", ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds, got %v, %v", seeds, err)
	}
}

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fsys := fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: []byte("create table b (id text); create index b_idx on b (id);")},
		"s/0001_seed.sql":   {Data: []byte("insert into a values ('x');")},
	}
	return NewManager(db, WithFS(fsys, "m", "s")), mock
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPending(t *testing.T) {
	mgr, mock := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied list %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	mgr, mock := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := mgr.Up(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRevertsLatest(t *testing.T) {
	mgr, mock := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_a.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	if err != nil || name != "0001_a.up.sql" {
		t.Fatalf("Down = %q, %v", name, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownOnFreshDatabase(t *testing.T) {
	mgr, mock := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if _, err := mgr.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}
