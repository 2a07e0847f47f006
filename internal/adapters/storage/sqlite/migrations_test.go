package sqlite

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/hylla/icsforms/internal/app"
)

func tableExists(t *testing.T, store *Store, name string) bool {
	t.Helper()
	var n int
	err := store.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master lookup error = %v", err)
	}
	return n == 1
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("EmbeddedMigrations() error = %v", err)
	}
	if len(migrations) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Fatalf("migration %d has version %d", i, m.Version)
		}
		if !m.HasRollback() || len(m.Checksum) != 64 {
			t.Fatalf("migration %d missing rollback or checksum: %+v", m.Version, m)
		}
	}
	if migrations[0].Description != "create forms" {
		t.Fatalf("unexpected description %q", migrations[0].Description)
	}
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0001_init.up.sql": {Data: []byte("CREATE TABLE a(id INTEGER);")},
		"m/notes.txt":        {Data: []byte("x")},
	}
	if _, err := LoadMigrations(fsys, "m"); !errors.Is(err, app.ErrMigration) {
		t.Fatalf("LoadMigrations(bad name) error = %v, want migration", err)
	}
	fsys = fstest.MapFS{
		"m/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
	}
	if _, err := LoadMigrations(fsys, "m"); !errors.Is(err, app.ErrMigration) {
		t.Fatalf("LoadMigrations(no up) error = %v, want migration", err)
	}
}

func TestRunMigrationsRecordsTracking(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	applied, err := store.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != 4 {
		t.Fatalf("expected 4 tracking rows, got %d", len(applied))
	}
	for _, a := range applied {
		if !a.Success || a.Drifted || !a.HasRollback || a.AppliedAt.IsZero() {
			t.Fatalf("unexpected tracking row %+v", a)
		}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil || version != 4 {
		t.Fatalf("SchemaVersion() = %d, %v; want 4", version, err)
	}
	pending, err := store.PendingMigrations(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("PendingMigrations() = %d, %v; want none", len(pending), err)
	}
	for _, table := range expectedTables {
		if !tableExists(t, store, table) {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestFailingMigrationRollsBackAndAborts(t *testing.T) {
	ctx := context.Background()
	migrations, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("EmbeddedMigrations() error = %v", err)
	}
	migrations = append(migrations,
		NewMigration(5, "broken", `CREATE TABLE extra(id INTEGER); INSERT INTO missing_table VALUES (1);`, `DROP TABLE IF EXISTS extra;`),
		NewMigration(6, "after broken", `CREATE TABLE later(id INTEGER);`, `DROP TABLE IF EXISTS later;`),
	)
	store, err := OpenInMemory(ctx, Options{Migrations: migrations, SkipMigrations: true})
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	report, err := store.RunMigrations(ctx)
	if !errors.Is(err, app.ErrMigration) {
		t.Fatalf("RunMigrations() error = %v, want migration", err)
	}
	if len(report.Applied) != 4 {
		t.Fatalf("expected 4 migrations applied before the failure, got %v", report.Applied)
	}
	if tableExists(t, store, "extra") || tableExists(t, store, "later") {
		t.Fatal("expected failed and later migrations to leave no tables")
	}

	applied, err := store.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != 5 {
		t.Fatalf("expected 5 tracking rows, got %d", len(applied))
	}
	failed := applied[4]
	if failed.Version != 5 || failed.Success || !failed.RolledBack || failed.ErrorMessage == "" {
		t.Fatalf("unexpected failed tracking row %+v", failed)
	}
	version, _ := store.SchemaVersion(ctx)
	if version != 4 {
		t.Fatalf("SchemaVersion() = %d, want 4", version)
	}
	pending, _ := store.PendingMigrations(ctx)
	if len(pending) != 2 || pending[0].Version != 5 {
		t.Fatalf("expected 5 and 6 pending, got %+v", pending)
	}
}

func TestMigrationDriftDetected(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'stale' WHERE version = 2`); err != nil {
		t.Fatalf("corrupt checksum error = %v", err)
	}
	applied, err := store.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if !applied[1].Drifted || applied[0].Drifted {
		t.Fatalf("unexpected drift flags %+v", applied)
	}

	report, err := store.CheckIntegrity(ctx, IntegrityOptions{Migrations: true})
	if err != nil {
		t.Fatalf("CheckIntegrity() error = %v", err)
	}
	found := findingsFor(report, CheckMigrations)
	if len(found) != 1 || found[0].Severity != FindingMedium || found[0].EntityID != 2 {
		t.Fatalf("unexpected drift findings %+v", found)
	}
}

func TestMigrateDownAndReapply(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	reverted, err := store.MigrateDown(ctx, 2)
	if err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if len(reverted) != 2 || reverted[0] != 4 || reverted[1] != 3 {
		t.Fatalf("unexpected reverted versions %v", reverted)
	}
	if tableExists(t, store, "settings") || tableExists(t, store, "forms_fts") {
		t.Fatal("expected 0003 and 0004 objects to be dropped")
	}
	if version, _ := store.SchemaVersion(ctx); version != 2 {
		t.Fatalf("SchemaVersion() = %d, want 2", version)
	}

	report, err := store.RunMigrations(ctx)
	if err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if len(report.Applied) != 2 || report.From != 2 || report.To != 4 {
		t.Fatalf("unexpected reapply report %+v", report)
	}
	if !tableExists(t, store, "settings") {
		t.Fatal("expected settings table after reapply")
	}
}
