package mysql

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"
	"testing/fstest"

	"hyperfleet/deploy/migrations"
)

func embedded(t *testing.T) []migration {
	t.Helper()
	all, err := loadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	return all
}

func lockOp(acquired int64) mockOperation {
	return queryOp(`SELECT GET_LOCK(?, ?)`, mockRowsData{
		columns: []string{"GET_LOCK"},
		values:  [][]driver.Value{{acquired}},
	})
}

func appliedOp(rows ...[]driver.Value) mockOperation {
	return queryOp(`SELECT version, name, checksum FROM audit_schema_migrations ORDER BY version`, mockRowsData{
		columns: []string{"version", "name", "checksum"},
		values:  rows,
	})
}

func releaseOp() mockOperation {
	return execOp(`DO RELEASE_LOCK(?)`, mockResult{})
}

func TestRunMigrationsAppliesOnlyNewVersions(t *testing.T) {
	t.Parallel()
	all := embedded(t)

	ops := []mockOperation{
		lockOp(1),
		execOp(createMigrationTableSQL, mockResult{}),
		appliedOp([]driver.Value{int64(1), all[0].name, all[0].checksum}),
		execOp(all[1].statements[0], mockResult{}),
		execOp(`INSERT INTO audit_schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		releaseOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &AuditRepository{db: db}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	seen := drv.ops[4].seen
	if len(seen) != 4 || seen[0] != int64(2) || seen[1] != all[1].name || seen[2] != all[1].checksum {
		t.Fatalf("unexpected registration args: %v", seen)
	}
}

func TestRunMigrationsRejectsEditedMigration(t *testing.T) {
	t.Parallel()
	all := embedded(t)

	ops := []mockOperation{
		lockOp(1),
		execOp(createMigrationTableSQL, mockResult{}),
		appliedOp([]driver.Value{int64(1), all[0].name, strings.Repeat("0", 64)}),
		releaseOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &AuditRepository{db: db}
	err := repo.runMigrations(context.Background())
	if err == nil || !strings.Contains(err.Error(), all[0].name) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestRunMigrationsRejectsNewerSchema(t *testing.T) {
	t.Parallel()
	all := embedded(t)

	ops := []mockOperation{
		lockOp(1),
		execOp(createMigrationTableSQL, mockResult{}),
		appliedOp(
			[]driver.Value{int64(1), all[0].name, all[0].checksum},
			[]driver.Value{int64(2), all[1].name, all[1].checksum},
			[]driver.Value{int64(9), "0009_future.sql", strings.Repeat("f", 64)},
		),
		releaseOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &AuditRepository{db: db}
	err := repo.runMigrations(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0009_future.sql") {
		t.Fatalf("expected unknown version error, got %v", err)
	}
}

func TestRunMigrationsGivesUpWithoutLock(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{lockOp(0)})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &AuditRepository{db: db}
	if err := repo.runMigrations(context.Background()); err == nil {
		t.Fatal("expected lock timeout")
	}
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	all := embedded(t)
	if len(all) != 2 || all[0].version != 1 || all[1].version != 2 {
		t.Fatalf("unexpected migrations: %+v", all)
	}
	if len(all[0].statements) != 3 {
		t.Fatalf("expected table and two indexes, got %d statements", len(all[0].statements))
	}
	if len(all[0].checksum) != 64 || all[0].checksum == all[1].checksum {
		t.Fatalf("unexpected checksums: %q %q", all[0].checksum, all[1].checksum)
	}
}

func TestLoadMigrationsValidatesNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {
			"create_things.sql": {Data: []byte("CREATE TABLE t (id INT)")},
		},
		"duplicate version": {
			"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT)")},
			"0001_b.sql": {Data: []byte("CREATE TABLE b (id INT)")},
		},
		"empty": {
			"0001_a.sql": {Data: []byte("-- nothing yet\n")},
		},
	}
	for name, fsys := range cases {
		if _, err := loadMigrations(fsys); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	fsys := fstest.MapFS{
		"0010_later.sql": {Data: []byte("CREATE TABLE later (id INT)")},
		"0002_early.sql": {Data: []byte("-- 第一张表\nCREATE TABLE early (id INT);\n\nCREATE INDEX idx ON early (id);\n")},
		"README.md":      {Data: []byte("ignored")},
	}
	all, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	if len(all) != 2 || all[0].version != 2 || all[1].version != 10 {
		t.Fatalf("unexpected order: %+v", all)
	}
	if len(all[0].statements) != 2 || all[0].statements[0] != "CREATE TABLE early (id INT)" {
		t.Fatalf("unexpected statements: %q", all[0].statements)
	}
}
