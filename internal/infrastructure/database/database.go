package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// memoryIDPrefix prefixes the shared-memory identity of in-memory databases.
	memoryIDPrefix = "omnibox-"
)

// Config contains database configuration options.
// These map to the database section of config.yaml.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging. When false the rollback journal
	// is used.
	WALMode bool

	// SyncMode is the synchronous pragma (OFF, NORMAL, FULL).
	// Empty means NORMAL.
	SyncMode string

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	// Zero means the five minute default.
	BusyTimeout int

	// PrepareRetries is how often a prepared statement is retried after a
	// concurrent schema change. Negative values are treated as zero.
	PrepareRetries int

	// Pooling recycles raw handles through the handle pool.
	Pooling bool

	// MaxPoolSize caps the idle handles cached for this database.
	MaxPoolSize int
}

// Descriptor converts the configuration to a registry descriptor.
func (c Config) Descriptor() registry.Descriptor {
	d := registry.DefaultDescriptor(c.Path)

	if !c.WALMode {
		d.JournalMode = registry.JournalDelete
	}
	if c.SyncMode != "" {
		d.SyncMode = strings.ToUpper(c.SyncMode)
	}
	if c.BusyTimeout > 0 {
		d.BusyTimeout = time.Duration(c.BusyTimeout) * time.Second
	}
	d.PrepareRetries = max(c.PrepareRetries, 0)
	d.Pooling = c.Pooling
	if c.MaxPoolSize > 0 {
		d.MaxPoolSize = c.MaxPoolSize
	}
	return d
}

// Logger defines the logging interface used by DB.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DB is one logical database with scope-bound transactions.
//
// Thread Safety: All methods are safe for concurrent use. Each scope sees
// its own connection and at most one transaction.
type DB struct {
	reg     *registry.Registry
	key     registry.Key
	path    string
	memory  bool
	retries int

	mu     sync.Mutex
	active map[registry.Scope]*txn

	closed atomic.Bool
	logger Logger
}

func newDB(reg *registry.Registry, key registry.Key, desc registry.Descriptor, path string) *DB {
	return &DB{
		reg:     reg,
		key:     key,
		path:    path,
		memory:  desc.IsMemory(),
		retries: desc.PrepareRetries,
		active:  make(map[registry.Scope]*txn),
		logger:  noopLogger{},
	}
}

// Open registers a file database with reg and opens it.
//
// It performs the following setup:
//  1. Creates the database directory if it doesn't exist
//  2. Registers and opens the canonical connection (creates the file)
//  3. Sets file permissions (0600)
//
// Parameters:
//   - ctx: Context for opening the database
//   - reg: Registry that will own the connections
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Open database
//   - error: If the directory, descriptor or connection fails
func Open(ctx context.Context, reg *registry.Registry, cfg Config) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	desc := cfg.Descriptor()
	key, err := reg.AddConnection(ctx, desc, true)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // File may be created lazily by the engine

	return newDB(reg, key, desc, cfg.Path), nil
}

// OpenMemory creates a private in-memory database. It lives until Close.
func OpenMemory(ctx context.Context, reg *registry.Registry) (*DB, error) {
	desc := registry.SharedMemoryDescriptor(memoryIDPrefix + uuid.NewString())

	key, err := reg.AddConnection(ctx, desc, true)
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	return newDB(reg, key, desc, ""), nil
}

// SetLogger sets the logger for the database.
func (d *DB) SetLogger(logger Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

func (d *DB) log() Logger {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logger
}

// Path returns the database file, or the file a memory snapshot was loaded
// from. It is empty for pure in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// IsMemory reports whether the data lives in memory.
func (d *DB) IsMemory() bool {
	return d.memory
}

// Key returns the registry key of the database.
func (d *DB) Key() registry.Key {
	return d.key
}

// Stats returns the handle pool counters for the database.
func (d *DB) Stats() (handlepool.Counts, error) {
	if d.closed.Load() {
		return handlepool.Counts{}, ErrClosed
	}
	return d.reg.Stats(d.key)
}

// HealthCheck verifies the database is accessible and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (d *DB) HealthCheck(ctx context.Context) error {
	v, err := d.ExecuteScalar(registry.WithoutScope(ctx), Token{}, "SELECT 1")
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if n, ok := v.(int64); !ok || n != 1 {
		return fmt.Errorf("database health check failed: unexpected result %v", v)
	}
	return nil
}

// Close disposes the database: open transactions are rolled back, the
// registry tears every connection down and a garbage collection runs so
// native handles awaiting finalization are released before Close returns.
// Only the first call has any effect.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	open := d.active
	d.active = make(map[registry.Scope]*txn)
	logger := d.logger
	d.mu.Unlock()

	var errs []error
	for scope, t := range open {
		if t.tx == nil || t.tx.Done() {
			continue
		}
		logger.Warn("rolling back abandoned transaction", "scope", scope.String())
		if err := t.tx.Rollback(); err != nil {
			errs = append(errs, fmt.Errorf("rolling back abandoned transaction: %w", err))
		}
	}

	if err := d.reg.RemoveConnection(d.key); err != nil && !errors.Is(err, registry.ErrInvalidKey) {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}

	runtime.GC()

	return errors.Join(errs...)
}

func (d *DB) checkOpen() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return nil
}
