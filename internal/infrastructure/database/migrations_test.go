package database

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

// testMigrations is a two step schema: a table, then an index on it.
var testMigrations = fstest.MapFS{
	"20260101_000000_create_launchers.up.sql": {Data: []byte(`
		CREATE TABLE launchers (name TEXT PRIMARY KEY, path TEXT NOT NULL);`)},
	"20260101_000000_create_launchers.down.sql": {Data: []byte(`DROP TABLE launchers;`)},
	"20260102_000000_index_paths.up.sql":        {Data: []byte(`CREATE INDEX idx_launchers_path ON launchers (path);`)},
	"20260102_000000_index_paths.down.sql":      {Data: []byte(`DROP INDEX idx_launchers_path;`)},
	"README.md":                                 {Data: []byte("not a migration")},
}

// useMigrations registers fsys for the duration of the test.
func useMigrations(t *testing.T, fsys fstest.MapFS) {
	t.Helper()
	prev := registeredMigrations()
	RegisterMigrations(fsys)
	t.Cleanup(func() { RegisterMigrations(prev) })
}

func schemaObjectExists(t *testing.T, db *DB, kind, name string) bool {
	t.Helper()
	n, err := db.ExecuteScalar(context.Background(), Token{},
		"SELECT COUNT(*) FROM sqlite_master WHERE type = @type AND name = @name",
		P("type", kind), P("name", name),
	)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n != int64(0)
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations)
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !schemaObjectExists(t, db, "table", "launchers") {
		t.Error("table launchers not created")
	}
	if !schemaObjectExists(t, db, "index", "idx_launchers_path") {
		t.Error("index idx_launchers_path not created")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Fatalf("applied = %d, pending = %d, want 2 and 0", len(applied), len(pending))
	}
	if applied[0].Version != "20260101_000000" || applied[1].Version != "20260102_000000" {
		t.Errorf("applied out of order: %+v", applied)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}

	// Already applied migrations are skipped.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations)
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Newest first.
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if schemaObjectExists(t, db, "index", "idx_launchers_path") {
		t.Error("index should have been dropped")
	}
	if !schemaObjectExists(t, db, "table", "launchers") {
		t.Error("table should still exist after one rollback")
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("second MigrateDown() error = %v", err)
	}
	if schemaObjectExists(t, db, "table", "launchers") {
		t.Error("table should have been dropped")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 2 {
		t.Errorf("applied = %d, pending = %d, want 0 and 2", len(applied), len(pending))
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

func TestMigrateDownWithoutDownSQL(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_one_way.up.sql": {Data: []byte(`CREATE TABLE one_way (id INTEGER);`)},
	})
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	err := db.MigrateDown(ctx)
	if err == nil || !strings.Contains(err.Error(), "no down SQL") {
		t.Fatalf("MigrateDown() error = %v, want missing down SQL", err)
	}
	if !schemaObjectExists(t, db, "table", "one_way") {
		t.Error("table dropped despite the failed rollback")
	}
}

func TestMigrateFailureRollsBackThatMigration(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_first.up.sql":  {Data: []byte(`CREATE TABLE first (id INTEGER);`)},
		"20260102_000000_broken.up.sql": {Data: []byte(`CREATE TABLE second (id INTEGER); CREATE TABLE first (id INTEGER);`)},
		"20260103_000000_third.up.sql":  {Data: []byte(`CREATE TABLE third (id INTEGER);`)},
	})
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Migrate(ctx)
	if err == nil || !strings.Contains(err.Error(), "20260102_000000") {
		t.Fatalf("Migrate() error = %v, want failure in 20260102_000000", err)
	}

	if !schemaObjectExists(t, db, "table", "first") {
		t.Error("earlier migration should stay committed")
	}
	if schemaObjectExists(t, db, "table", "second") {
		t.Error("failed migration should be rolled back")
	}
	if schemaObjectExists(t, db, "table", "third") {
		t.Error("later migration should not run")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 2 {
		t.Errorf("applied = %d, pending = %d, want 1 and 2", len(applied), len(pending))
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	prev := registeredMigrations()
	RegisterMigrations(nil)
	t.Cleanup(func() { RegisterMigrations(prev) })

	db := openTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no migrations error = %v", err)
	}
	applied, pending, err := db.GetMigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d, want none", len(applied), len(pending))
	}
}

func TestLoadMigrations(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		want    []string
		wantErr bool
	}{
		{
			name: "sorted by version, names kept",
			fsys: testMigrations,
			want: []string{"20260101_000000 create_launchers", "20260102_000000 index_paths"},
		},
		{
			name: "malformed names ignored",
			fsys: fstest.MapFS{
				"invalid.up.sql":                    {Data: []byte("x")},
				"20260101_000000_no_direction.sql":  {Data: []byte("x")},
				"20260101_000000_notes.up.txt":      {Data: []byte("x")},
				"20260101_000000_valid_one.up.sql":  {Data: []byte("SELECT 1;")},
				"2026_000000_short_version.up.sql":  {Data: []byte("x")},
				"20260101_000000_valid_one.down.sq": {Data: []byte("x")},
			},
			want: []string{"20260101_000000 valid_one"},
		},
		{
			name: "down file without up file",
			fsys: fstest.MapFS{
				"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.fsys)

			migrations, err := loadMigrations()
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadMigrations() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got := make([]string, 0, len(migrations))
			for _, m := range migrations {
				got = append(got, m.Version+" "+m.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("loadMigrations() = %v, want %v", got, tt.want)
			}
		})
	}
}
