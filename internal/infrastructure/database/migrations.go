package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// migrationFile matches YYYYMMDD_HHMMSS_name.up.sql and its .down.sql pair.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_(\w+)\.(up|down)\.sql$`)

var (
	migrationsMu sync.RWMutex
	migrationSrc fs.FS
)

// RegisterMigrations sets the filesystem Migrate reads its .sql files from.
// The files must sit at the root of fsys. A nil fsys means no migrations.
//
// The migrations package registers the embedded schema from its init, so
// binaries only need a blank import of it.
func RegisterMigrations(fsys fs.FS) {
	migrationsMu.Lock()
	defer migrationsMu.Unlock()
	migrationSrc = fsys
}

func registeredMigrations() fs.FS {
	migrationsMu.RLock()
	defer migrationsMu.RUnlock()
	return migrationSrc
}

// Migration is one schema change. Version (YYYYMMDD_HHMMSS) orders
// migrations; DownSQL is empty when the change cannot be rolled back.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of the schema_migrations table.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// migrationsTable records which migrations have been applied.
const migrationsTable = "schema_migrations"

// Migrate applies all pending migrations, oldest first.
//
// Each migration runs in its own transaction, in a scope of its own. If
// migration N fails, migrations before it stay committed, N is rolled back
// and later ones are not attempted; re-running Migrate continues from N.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: If any migration fails (that migration is rolled back)
func (d *DB) Migrate(ctx context.Context) error {
	ctx = registry.WithScope(ctx)

	if err := d.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	_, pending, err := d.migrationStatus(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := d.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
		d.log().Info("migration applied", "version", m.Version, "name", m.Name)
	}
	return nil
}

// MigrateDown rolls back the most recent migration. It is a no-op when
// nothing is applied.
func (d *DB) MigrateDown(ctx context.Context) error {
	ctx = registry.WithScope(ctx)

	if err := d.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1]

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == latest.Version })
	if i < 0 {
		return fmt.Errorf("migration %s is applied but has no files", latest.Version)
	}
	migration := migrations[i]
	if migration.DownSQL == "" {
		return fmt.Errorf("migration %s has no down SQL", latest.Version)
	}

	err = d.inTransaction(ctx, func(tok Token) error {
		if _, err := d.ExecuteNonQuery(ctx, tok, migration.DownSQL); err != nil {
			return fmt.Errorf("executing down SQL: %w", err)
		}
		if _, err := d.Delete(ctx, tok, migrationsTable, "version = @version",
			P("version", migration.Version),
		); err != nil {
			return fmt.Errorf("removing migration record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.log().Info("migration rolled back", "version", migration.Version, "name", migration.Name)
	return nil
}

// GetMigrationStatus returns the applied and pending migrations.
func (d *DB) GetMigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	ctx = registry.WithScope(ctx)

	if err := d.createMigrationsTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}
	return d.migrationStatus(ctx)
}

func (d *DB) migrationStatus(ctx context.Context) ([]MigrationRecord, []Migration, error) {
	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("getting applied migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}

	pending := slices.DeleteFunc(migrations, func(m Migration) bool {
		return slices.ContainsFunc(applied, func(r MigrationRecord) bool { return r.Version == m.Version })
	})
	return applied, pending, nil
}

// inTransaction runs fn in a transaction of ctx's scope, committing on
// success and reverting on error.
func (d *DB) inTransaction(ctx context.Context, fn func(Token) error) error {
	tok, err := d.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	if err := fn(tok); err != nil {
		if rerr := d.RevertTransaction(ctx, tok); rerr != nil {
			return errors.Join(err, fmt.Errorf("reverting: %w", rerr))
		}
		return err
	}

	if err := d.CommitTransaction(ctx, tok); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// createMigrationsTable creates schema_migrations on first use.
func (d *DB) createMigrationsTable(ctx context.Context) error {
	_, err := d.ExecuteNonQuery(ctx, Token{}, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// appliedMigrations lists schema_migrations, oldest first.
func (d *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := d.GetReader(ctx, Token{},
		"SELECT version, applied_at FROM "+migrationsTable+" ORDER BY version",
	)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only, errors surface via Err

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // Format is controlled
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

// applyMigration runs the up SQL and records the version in one transaction.
func (d *DB) applyMigration(ctx context.Context, m Migration) error {
	return d.inTransaction(ctx, func(tok Token) error {
		if _, err := d.ExecuteNonQuery(ctx, tok, m.UpSQL); err != nil {
			return fmt.Errorf("executing SQL: %w", err)
		}
		if _, err := d.Insert(ctx, tok, migrationsTable,
			P("version", m.Version),
			P("applied_at", time.Now().UTC().Format(time.RFC3339)),
		); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// loadMigrations reads the registered migrations, oldest first. Files
// not following the naming scheme are ignored.
func loadMigrations() ([]Migration, error) {
	fsys := registeredMigrations()
	if fsys == nil {
		return nil, nil
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		match := migrationFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, name, direction := match[1], match[2], match[3]

		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if direction == "up" {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s (%s) has no up file", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
	return migrations, nil
}
