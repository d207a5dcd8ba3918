package registry

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Journal modes understood by SQLite.
const (
	JournalWAL    = "WAL"
	JournalMemory = "MEMORY"
	JournalDelete = "DELETE"
)

// Synchronous modes understood by SQLite.
const (
	SyncOff    = "OFF"
	SyncNormal = "NORMAL"
	SyncFull   = "FULL"
)

// Descriptor defaults, matching what the launcher has always shipped with.
const (
	// DefaultBusyTimeout bounds how long a statement waits on a lock.
	DefaultBusyTimeout = 5 * time.Minute

	// DefaultPrepareRetries is how often a statement is re-prepared after
	// the schema changed underneath it.
	DefaultPrepareRetries = 3

	// DefaultMaxPoolSize is the number of idle raw handles kept per identity.
	DefaultMaxPoolSize = 100
)

// memoryVFS holds in-memory databases. A database named "/<id>" is shared
// by every connection of the process and freed with the last one. It takes
// ordinary file locks, so competing writers wait on the busy timeout.
const memoryVFS = "memdb"

// Descriptor describes how to open one logical database.
type Descriptor struct {
	// Path is the database file. Ignored when SharedMemoryID is set.
	Path string

	// SharedMemoryID names a private in-process database in the memdb VFS.
	// Every connection opened with the same ID sees the same data for as
	// long as at least one of them stays open.
	SharedMemoryID string

	// ReadOnly opens the file without write access.
	ReadOnly bool

	// JournalMode is one of the Journal* constants. Empty keeps SQLite's default.
	JournalMode string

	// SyncMode is one of the Sync* constants. Empty keeps SQLite's default.
	SyncMode string

	// LockingMode is "NORMAL" or "EXCLUSIVE". Empty keeps SQLite's default.
	LockingMode string

	// TempStore is "DEFAULT", "FILE" or "MEMORY". Empty keeps SQLite's default.
	TempStore string

	// BusyTimeout bounds lock waits inside the engine.
	BusyTimeout time.Duration

	// PrepareRetries is how often a prepared statement is retried after a
	// schema change.
	PrepareRetries int

	// ForeignKeys enables foreign key enforcement.
	ForeignKeys bool

	// Pooling routes raw handles through the handle pool.
	Pooling bool

	// MaxPoolSize caps the idle handles cached for this identity.
	MaxPoolSize int
}

// DefaultDescriptor returns a file descriptor with the standard settings:
// WAL journal, NORMAL sync, five minute busy timeout and pooling enabled.
func DefaultDescriptor(path string) Descriptor {
	return Descriptor{
		Path:           path,
		JournalMode:    JournalWAL,
		SyncMode:       SyncNormal,
		BusyTimeout:    DefaultBusyTimeout,
		PrepareRetries: DefaultPrepareRetries,
		ForeignKeys:    true,
		Pooling:        true,
		MaxPoolSize:    DefaultMaxPoolSize,
	}
}

// SharedMemoryDescriptor returns a descriptor for a private in-memory
// database named id, with a MEMORY journal and syncing off.
func SharedMemoryDescriptor(id string) Descriptor {
	d := DefaultDescriptor("")
	d.SharedMemoryID = id
	d.JournalMode = JournalMemory
	d.SyncMode = SyncOff
	return d
}

// IsMemory reports whether the descriptor names a shared-memory database.
func (d Descriptor) IsMemory() bool {
	return d.SharedMemoryID != ""
}

// Name returns the SQLite filename the descriptor targets.
func (d Descriptor) Name() string {
	if d.IsMemory() {
		return "/" + d.SharedMemoryID
	}
	return d.Path
}

// DSN builds the go-sqlite3 connection string.
//
// See: https://github.com/mattn/go-sqlite3#connection-string
func (d Descriptor) DSN() string {
	params := url.Values{}

	switch {
	case d.IsMemory():
		params.Set("vfs", memoryVFS)
	case d.ReadOnly:
		params.Set("mode", "ro")
	}

	if d.JournalMode != "" {
		params.Set("_journal_mode", d.JournalMode)
	}
	if d.SyncMode != "" {
		params.Set("_synchronous", d.SyncMode)
	}
	if d.LockingMode != "" {
		params.Set("_locking_mode", d.LockingMode)
	}
	if d.BusyTimeout > 0 {
		params.Set("_busy_timeout", strconv.FormatInt(d.BusyTimeout.Milliseconds(), 10))
	}
	if d.ForeignKeys {
		params.Set("_foreign_keys", "on")
	}

	// Writers take the write lock at BEGIN so concurrent transactions queue
	// on the busy handler instead of failing on lock upgrade.
	if !d.ReadOnly {
		params.Set("_txlock", "immediate")
	}

	target := uriPath(d.Path)
	if d.IsMemory() {
		target = d.Name()
	}
	return "file:" + target + "?" + params.Encode()
}

// uriPath percent-encodes each segment of path for a file: URI, so '#',
// '?' and '%' in a file name reach SQLite as part of the name.
func uriPath(path string) string {
	segments := strings.Split(filepath.ToSlash(path), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// Identity is the key raw handles are pooled under. It is the full DSN, so
// handles opened with different pragmas never mix.
func (d Descriptor) Identity() string {
	return d.DSN()
}

// Validate checks the descriptor for values SQLite would reject or that
// would end up interpolated into pragma statements.
func (d Descriptor) Validate() error {
	var errs []string

	if d.Path == "" && d.SharedMemoryID == "" {
		errs = append(errs, "path or shared memory id is required")
	}
	if strings.ContainsAny(d.SharedMemoryID, "?#&/%") {
		errs = append(errs, "shared memory id contains reserved characters")
	}
	if !oneOf(d.JournalMode, "", JournalWAL, JournalMemory, JournalDelete, "TRUNCATE", "PERSIST", "OFF") {
		errs = append(errs, fmt.Sprintf("unknown journal mode %q", d.JournalMode))
	}
	if !oneOf(d.SyncMode, "", SyncOff, SyncNormal, SyncFull, "EXTRA") {
		errs = append(errs, fmt.Sprintf("unknown sync mode %q", d.SyncMode))
	}
	if !oneOf(d.LockingMode, "", "NORMAL", "EXCLUSIVE") {
		errs = append(errs, fmt.Sprintf("unknown locking mode %q", d.LockingMode))
	}
	if !oneOf(d.TempStore, "", "DEFAULT", "FILE", "MEMORY") {
		errs = append(errs, fmt.Sprintf("unknown temp store %q", d.TempStore))
	}
	if d.BusyTimeout < 0 {
		errs = append(errs, "busy timeout must not be negative")
	}
	if d.PrepareRetries < 0 {
		errs = append(errs, "prepare retries must not be negative")
	}
	if d.MaxPoolSize < 0 {
		errs = append(errs, "max pool size must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}
