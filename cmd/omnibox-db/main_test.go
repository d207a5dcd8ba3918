package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/config"
	"github.com/nerrad567/omnibox-core/internal/usage"
)

// testEnv isolates a test from the caller's OmniBox environment and
// returns a fresh database path.
func testEnv(t *testing.T) string {
	t.Helper()

	t.Setenv(configEnv, "")
	t.Setenv("OMNIBOX_DATABASE_PATH", "")
	t.Setenv("OMNIBOX_DATABASE_LOAD_INTO_MEMORY", "")
	t.Setenv("OMNIBOX_LOG_LEVEL", "error")

	return filepath.Join(t.TempDir(), "omnibox.db")
}

// execute runs one command line and returns its standard output.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// mustExecute runs a command line that must succeed.
func mustExecute(t *testing.T, args ...string) string {
	t.Helper()

	out, err := execute(t, context.Background(), args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func decodeEntries(t *testing.T, out string) []usage.Entry {
	t.Helper()

	var entries []usage.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	return entries
}

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	testEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml", "stats"}); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_ConfigFromEnv verifies $OMNIBOX_CONFIG is honoured.
func TestRun_ConfigFromEnv(t *testing.T) {
	dbPath := testEnv(t)
	configPath := filepath.Join(t.TempDir(), "omnibox.yaml")

	configContent := `
instance:
  id: test-desk

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5
  pool:
    enabled: true
    max_size: 4

logging:
  level: error
  format: text
  output: stderr
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(configEnv, configPath)

	mustExecute(t, "record", "firefox")

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created at configured path: %v", err)
	}
}

// TestRun_InvalidDatabaseConfig verifies an invalid config is rejected
// before anything is opened.
func TestRun_InvalidDatabaseConfig(t *testing.T) {
	testEnv(t)
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configPath, []byte("database:\n  sync_mode: SOMETIMES\n"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := execute(t, context.Background(), "--config", configPath, "top"); err == nil {
		t.Fatal("expected validation error for unknown sync mode")
	}
}

func TestRun_UnknownOutput(t *testing.T) {
	dbPath := testEnv(t)

	if _, err := execute(t, context.Background(), "--database", dbPath, "-o", "xml", "top"); err == nil {
		t.Fatal("expected error for unknown output format")
	}
}

func TestVersion(t *testing.T) {
	testEnv(t)

	out := mustExecute(t, "version")
	if !strings.HasPrefix(out, "omnibox-db "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestRecordUsesTop(t *testing.T) {
	dbPath := testEnv(t)
	db := []string{"--database", dbPath, "-o", "json"}

	mustExecute(t, append(db, "record", "firefox", "code")...)
	out := mustExecute(t, append(db, "record", " firefox ")...)

	entries := decodeEntries(t, out)
	if len(entries) != 1 || entries[0] != (usage.Entry{Command: "firefox", Uses: 2}) {
		t.Errorf("record = %+v, want firefox/2", entries)
	}

	entries = decodeEntries(t, mustExecute(t, append(db, "uses", "code", "missing")...))
	want := []usage.Entry{{Command: "code", Uses: 1}, {Command: "missing", Uses: 0}}
	if len(entries) != 2 || entries[0] != want[0] || entries[1] != want[1] {
		t.Errorf("uses = %+v, want %+v", entries, want)
	}

	entries = decodeEntries(t, mustExecute(t, append(db, "top", "-n", "1")...))
	if len(entries) != 1 || entries[0].Command != "firefox" {
		t.Errorf("top -n 1 = %+v, want firefox first", entries)
	}

	if _, err := execute(t, context.Background(), append(db, "top", "-n", "-1")...); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestTop_Table(t *testing.T) {
	dbPath := testEnv(t)

	out := mustExecute(t, "--database", dbPath, "top")
	if !strings.Contains(out, "no commands recorded") {
		t.Errorf("empty top = %q", out)
	}

	mustExecute(t, "--database", dbPath, "record", "htop")
	out = mustExecute(t, "--database", dbPath, "top")
	for _, want := range []string{"Command", "Uses", "htop"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestRecord_EmptyCommand(t *testing.T) {
	dbPath := testEnv(t)

	if _, err := execute(t, context.Background(), "--database", dbPath, "record", "  "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestForgetAndReset(t *testing.T) {
	dbPath := testEnv(t)
	db := []string{"--database", dbPath}

	mustExecute(t, append(db, "record", "gimp", "vlc")...)
	mustExecute(t, append(db, "forget", "gimp")...)

	if _, err := execute(t, context.Background(), append(db, "forget", "gimp")...); err == nil {
		t.Error("second forget should fail")
	}

	if _, err := execute(t, context.Background(), append(db, "reset")...); err == nil {
		t.Error("reset without --yes should fail")
	}
	mustExecute(t, append(db, "reset", "--yes")...)

	entries := decodeEntries(t, mustExecute(t, append(db, "-o", "json", "top", "-n", "0")...))
	if len(entries) != 0 {
		t.Errorf("after reset top = %+v, want empty", entries)
	}
}

func TestImportExport(t *testing.T) {
	dbPath := testEnv(t)
	dir := t.TempDir()
	importPath := filepath.Join(dir, "in.yaml")
	exportPath := filepath.Join(dir, "out.yaml")

	doc := "- command: chrome\n  uses: 7\n- command: code\n  uses: 3\n"
	if err := os.WriteFile(importPath, []byte(doc), 0600); err != nil {
		t.Fatalf("write import file: %v", err)
	}

	out := mustExecute(t, "--database", dbPath, "import", importPath)
	if !strings.Contains(out, "imported 2 commands") {
		t.Errorf("import output = %q", out)
	}

	mustExecute(t, "--database", dbPath, "export", exportPath)
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != doc {
		t.Errorf("export =\n%s\nwant\n%s", data, doc)
	}

	if out := mustExecute(t, "--database", dbPath, "export"); out != doc {
		t.Errorf("export to stdout = %q", out)
	}

	if _, err := execute(t, context.Background(), "--database", dbPath, "import", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing import file")
	}
}

func TestBackup(t *testing.T) {
	dbPath := testEnv(t)
	backupPath := filepath.Join(t.TempDir(), "nested", "backup.db")

	mustExecute(t, "--database", dbPath, "record", "blender")
	mustExecute(t, "--database", dbPath, "backup", backupPath)

	entries := decodeEntries(t, mustExecute(t, "--database", backupPath, "-o", "json", "uses", "blender"))
	if len(entries) != 1 || entries[0].Uses != 1 {
		t.Errorf("backup uses = %+v, want blender/1", entries)
	}
}

func TestMemoryMode_WritesBack(t *testing.T) {
	dbPath := testEnv(t)

	// The file does not exist yet; memory mode creates it first.
	mustExecute(t, "--database", dbPath, "--memory", "record", "slack")
	mustExecute(t, "--database", dbPath, "--memory", "record", "slack")

	entries := decodeEntries(t, mustExecute(t, "--database", dbPath, "-o", "json", "uses", "slack"))
	if len(entries) != 1 || entries[0].Uses != 2 {
		t.Errorf("uses after memory records = %+v, want slack/2", entries)
	}
}

func TestStats(t *testing.T) {
	dbPath := testEnv(t)

	mustExecute(t, "--database", dbPath, "record", "a", "b", "b")

	var v statsView
	out := mustExecute(t, "--database", dbPath, "-o", "json", "stats")
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}

	if v.Path != dbPath || v.Memory {
		t.Errorf("stats path = %q memory = %v", v.Path, v.Memory)
	}
	if v.Commands != 2 || v.TotalUses != 3 {
		t.Errorf("stats commands = %d uses = %d, want 2/3", v.Commands, v.TotalUses)
	}
	if v.Applied < 1 || v.Pending != 0 {
		t.Errorf("stats migrations applied = %d pending = %d", v.Applied, v.Pending)
	}

	table := mustExecute(t, "--database", dbPath, "stats")
	if !strings.Contains(table, "Handles opened") {
		t.Errorf("stats table missing pool rows:\n%s", table)
	}
}

func TestMigrate(t *testing.T) {
	dbPath := testEnv(t)

	out := mustExecute(t, "--database", dbPath, "-o", "yaml", "migrate", "status")
	if !strings.Contains(out, "usage_counters") {
		t.Errorf("fresh status should list the pending migration:\n%s", out)
	}

	out = mustExecute(t, "--database", dbPath, "-o", "json", "migrate")
	var rows []migrationView
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	for _, r := range rows {
		if r.AppliedAt == "" {
			t.Errorf("migration %s still pending after migrate", r.Version)
		}
	}

	mustExecute(t, "--database", dbPath, "migrate", "down")
	out = mustExecute(t, "--database", dbPath, "-o", "json", "migrate", "status")
	if !strings.Contains(out, `"name"`) {
		t.Errorf("status after down should list a pending migration:\n%s", out)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	dbPath := testEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := execute(t, ctx, "--database", dbPath, "serve", "--stats-interval", "20ms")
	if err != nil {
		t.Errorf("serve returned %v, want nil after cancellation", err)
	}

	if _, err := execute(t, context.Background(), "--database", dbPath, "serve", "--stats-interval", "0s"); err == nil {
		t.Error("expected error for zero stats interval")
	}
}

func TestDatabaseConfig(t *testing.T) {
	got := databaseConfig(config.DatabaseConfig{
		Path:           "/data/omnibox.db",
		WALMode:        true,
		SyncMode:       "full",
		BusyTimeout:    10,
		PrepareRetries: 2,
		Pool:           config.PoolConfig{Enabled: true, MaxSize: 8},
	})

	if got.Path != "/data/omnibox.db" || !got.WALMode || got.SyncMode != "full" {
		t.Errorf("databaseConfig() = %+v", got)
	}
	if got.BusyTimeout != 10 || got.PrepareRetries != 2 || !got.Pooling || got.MaxPoolSize != 8 {
		t.Errorf("databaseConfig() = %+v", got)
	}
}

func TestAppClose_FlushesHandlePool(t *testing.T) {
	path := testEnv(t)
	ctx := context.Background()

	a, err := openApp(ctx, &globalFlags{database: path}, appOptions{})
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	if _, err := a.store.Increment(ctx, "term"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	before := a.pool.Counts("").Generation

	if err := a.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	got := a.pool.Counts("")
	if got.Queued != 0 {
		t.Errorf("queued handles after close = %d, want 0", got.Queued)
	}
	if got.Generation <= before {
		t.Errorf("process generation = %d, want above %d", got.Generation, before)
	}
}
