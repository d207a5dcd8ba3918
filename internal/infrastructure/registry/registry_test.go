package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
)

// testRegistry returns a registry with a file database registered.
func testRegistry(t *testing.T) (*Registry, Key) {
	t.Helper()

	reg := New(handlepool.New())
	desc := DefaultDescriptor(filepath.Join(t.TempDir(), "registry.db"))
	desc.BusyTimeout = DefaultBusyTimeout / 60

	key, err := reg.AddConnection(context.Background(), desc, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		reg.Close() //nolint:errcheck // Test cleanup
	})
	return reg, key
}

func TestDescriptor_DSN(t *testing.T) {
	d := DefaultDescriptor("/var/lib/omnibox/usage.db")
	dsn := d.DSN()

	assert.True(t, strings.HasPrefix(dsn, "file:/var/lib/omnibox/usage.db?"))
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
	assert.Contains(t, dsn, "_busy_timeout=300000")
	assert.Contains(t, dsn, "_foreign_keys=on")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.NotContains(t, dsn, "mode=")
	assert.Equal(t, dsn, d.Identity())
}

func TestDescriptor_DSNEscapesPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/tmp/my#usage.db", "file:/tmp/my%23usage.db?"},
		{"/tmp/what?.db", "file:/tmp/what%3F.db?"},
		{"/tmp/100%.db", "file:/tmp/100%25.db?"},
		{"/tmp/launcher data/usage.db", "file:/tmp/launcher%20data/usage.db?"},
		{"./data/omnibox.db", "file:./data/omnibox.db?"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			dsn := DefaultDescriptor(tt.path).DSN()
			assert.True(t, strings.HasPrefix(dsn, tt.want), "DSN %q", dsn)
			// Every pragma survives: nothing after the path is cut off.
			assert.Contains(t, dsn, "_txlock=immediate")
			assert.Contains(t, dsn, "_busy_timeout=300000")
		})
	}
}

func TestAddConnection_PathWithReservedCharacters(t *testing.T) {
	reg := New(handlepool.New())
	t.Cleanup(func() {
		reg.Close() //nolint:errcheck // Test cleanup
	})
	path := filepath.Join(t.TempDir(), "my#usage?.db")

	key, err := reg.AddConnection(context.Background(), DefaultDescriptor(path), true)
	require.NoError(t, err)

	a, err := reg.Checkout(context.Background(), key, WithCommand(CommandText("CREATE TABLE t (v INTEGER)")))
	require.NoError(t, err)
	_, err = a.Command.Exec(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Release())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "my#usage?.db")
	assert.NotContains(t, names, "my")
}

func TestDescriptor_SharedMemoryDSN(t *testing.T) {
	d := SharedMemoryDescriptor("snapshot")

	assert.True(t, d.IsMemory())
	assert.Equal(t, "/snapshot", d.Name())

	dsn := d.DSN()
	assert.True(t, strings.HasPrefix(dsn, "file:/snapshot?"))
	assert.Contains(t, dsn, "vfs=memdb")
	assert.NotContains(t, dsn, "cache=shared")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_journal_mode=MEMORY")
	assert.Contains(t, dsn, "_synchronous=OFF")
}

func TestDescriptor_ReadOnlyDSN(t *testing.T) {
	d := DefaultDescriptor("/tmp/source.db")
	d.ReadOnly = true

	dsn := d.DSN()
	assert.Contains(t, dsn, "mode=ro")
	assert.NotContains(t, dsn, "_txlock")
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Descriptor)
		ok     bool
	}{
		{"defaults", func(*Descriptor) {}, true},
		{"lowercase journal", func(d *Descriptor) { d.JournalMode = "wal" }, true},
		{"no target", func(d *Descriptor) { d.Path = "" }, false},
		{"bad journal", func(d *Descriptor) { d.JournalMode = "WAL; DROP TABLE main" }, false},
		{"bad sync", func(d *Descriptor) { d.SyncMode = "SOMETIMES" }, false},
		{"bad locking", func(d *Descriptor) { d.LockingMode = "SHARED" }, false},
		{"bad temp store", func(d *Descriptor) { d.TempStore = "DISK" }, false},
		{"negative retries", func(d *Descriptor) { d.PrepareRetries = -1 }, false},
		{"negative pool", func(d *Descriptor) { d.MaxPoolSize = -1 }, false},
		{"reserved memory id", func(d *Descriptor) { d.SharedMemoryID = "a?b" }, false},
		{"memory id with a slash", func(d *Descriptor) { d.SharedMemoryID = "a/b" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DefaultDescriptor("/tmp/x.db")
			tt.modify(&d)

			err := d.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDescriptor)
			}
		})
	}
}

func TestAddConnection_InvalidDescriptor(t *testing.T) {
	reg := New(handlepool.New())

	_, err := reg.AddConnection(context.Background(), Descriptor{}, false)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestCheckout_UnknownKey(t *testing.T) {
	reg := New(handlepool.New())

	_, err := reg.Checkout(context.Background(), Key(uuid.New()))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCheckout_AfterRemoveConnection(t *testing.T) {
	reg, key := testRegistry(t)
	require.NoError(t, reg.RemoveConnection(key))

	_, err := reg.Checkout(WithScope(context.Background()), key)
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.ErrorIs(t, reg.RemoveConnection(key), ErrInvalidKey)

	_, err = reg.Stats(key)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCheckout_SameScopeReusesClone(t *testing.T) {
	reg, key := testRegistry(t)
	ctx := WithScope(context.Background())

	outer, err := reg.Checkout(ctx, key)
	require.NoError(t, err)

	inner, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	assert.Same(t, outer.Conn, inner.Conn)

	// Re-entering never disposes the enclosing owner's connection.
	require.NoError(t, inner.Release())
	assert.True(t, outer.Conn.IsOpen())

	require.NoError(t, outer.Release())
	assert.False(t, outer.Conn.IsOpen())

	next, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	defer next.Release() //nolint:errcheck // Test cleanup
	assert.NotSame(t, outer.Conn, next.Conn)
}

func TestCheckout_UnscopedAlwaysFresh(t *testing.T) {
	reg, key := testRegistry(t)
	ctx := context.Background()

	a, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	defer a.Release() //nolint:errcheck // Test cleanup

	b, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	defer b.Release() //nolint:errcheck // Test cleanup

	assert.NotSame(t, a.Conn, b.Conn)
}

func TestCheckout_ConcurrentScopesGetDistinctClones(t *testing.T) {
	const scopes = 8
	reg, key := testRegistry(t)

	var (
		mu    sync.Mutex
		seen  = make(map[*Conn]int)
		ready sync.WaitGroup
		hold  = make(chan struct{})
	)
	ready.Add(scopes)

	var g errgroup.Group
	for i := 0; i < scopes; i++ {
		g.Go(func() error {
			ctx := WithScope(context.Background())

			a, err := reg.Checkout(ctx, key)
			if err != nil {
				ready.Done()
				return err
			}
			defer a.Release() //nolint:errcheck // Test cleanup

			again, err := reg.Checkout(ctx, key)
			if err != nil {
				ready.Done()
				return err
			}
			if again.Conn != a.Conn {
				ready.Done()
				return errors.New("scope observed two different connections")
			}
			again.Release() //nolint:errcheck // Test cleanup

			mu.Lock()
			seen[a.Conn]++
			mu.Unlock()

			ready.Done()
			<-hold
			return nil
		})
	}

	ready.Wait()
	n, err := reg.Outstanding(key)
	require.NoError(t, err)
	assert.Equal(t, scopes, n)
	close(hold)

	require.NoError(t, g.Wait())
	assert.Len(t, seen, scopes)

	n, err = reg.Outstanding(key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelease_Idempotent(t *testing.T) {
	reg, key := testRegistry(t)
	ctx := WithScope(context.Background())

	a, err := reg.Checkout(ctx, key, WithCommand(CommandText("SELECT 1")))
	require.NoError(t, err)

	v, err := a.Command.Scalar(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())

	_, err = a.Command.Exec(ctx)
	assert.ErrorIs(t, err, ErrCommandClosed)

	n, err := reg.Outstanding(key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReset_ClearsSlot(t *testing.T) {
	reg, key := testRegistry(t)
	ctx := WithScope(context.Background())

	a, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	defer a.Release() //nolint:errcheck // Test cleanup

	reg.Reset(ctx, key)

	b, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	defer b.Release() //nolint:errcheck // Test cleanup

	assert.NotSame(t, a.Conn, b.Conn)
}

func TestRemoveConnection_DisposesOutstandingClones(t *testing.T) {
	reg, key := testRegistry(t)

	leaked, err := reg.Checkout(WithScope(context.Background()), key)
	require.NoError(t, err)
	require.True(t, leaked.Conn.IsOpen())

	require.NoError(t, reg.RemoveConnection(key))
	assert.False(t, leaked.Conn.IsOpen())

	// A late release of the leaked access is harmless.
	assert.NoError(t, leaked.Release())
}

func TestCheckout_TransactionBound(t *testing.T) {
	reg, key := testRegistry(t)
	ctx := WithScope(context.Background())

	owner, err := reg.Checkout(ctx, key, SkipDispose(true))
	require.NoError(t, err)

	tx, err := owner.Conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, owner.Release())
	assert.True(t, tx.Conn().IsOpen(), "skip-dispose access must leave the connection open")

	a, err := reg.Checkout(ctx, key, WithTransaction(tx),
		WithCommand(CommandText("CREATE TABLE t (v INTEGER)")))
	require.NoError(t, err)
	assert.Same(t, tx.Conn(), a.Conn)
	_, err = a.Command.Exec(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Release())
	assert.True(t, tx.Conn().IsOpen(), "transaction access defaults to skip-dispose")

	done, err := reg.Checkout(ctx, key, WithTransaction(tx), SkipDispose(false))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, done.Release())
	assert.False(t, tx.Conn().IsOpen())

	n, err := reg.Outstanding(key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckout_TransactionOfAnotherDatabase(t *testing.T) {
	reg, key := testRegistry(t)
	other, err := reg.AddConnection(context.Background(), DefaultDescriptor(filepath.Join(t.TempDir(), "other.db")), false)
	require.NoError(t, err)
	ctx := WithScope(context.Background())

	owner, err := reg.Checkout(ctx, key, SkipDispose(true))
	require.NoError(t, err)
	tx, err := owner.Conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, owner.Release())
	defer reg.Dispose(key, tx.Conn()) //nolint:errcheck // Test cleanup
	defer tx.Rollback()               //nolint:errcheck // Test cleanup

	_, err = reg.Checkout(ctx, other, WithTransaction(tx))
	assert.ErrorIs(t, err, ErrInvalidKey)

	a, err := reg.Checkout(ctx, key, WithTransaction(tx))
	require.NoError(t, err)
	require.NoError(t, a.Release())
}

func TestCheckout_RecyclesRawHandles(t *testing.T) {
	reg, key := testRegistry(t)

	for i := 0; i < 3; i++ {
		a, err := reg.Checkout(context.Background(), key, WithCommand(CommandText("SELECT 1")))
		require.NoError(t, err)
		_, err = a.Command.Scalar(context.Background())
		require.NoError(t, err)
		require.NoError(t, a.Release())
	}

	stats, err := reg.Stats(key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Opened, "second and third checkout reuse the cached handle")
	assert.Equal(t, int64(3), stats.Closed)
	assert.Equal(t, 1, stats.Queued)
}

func TestSharedMemory_OutlivesClones(t *testing.T) {
	reg := New(handlepool.New())
	defer reg.Close() //nolint:errcheck // Test cleanup

	desc := SharedMemoryDescriptor("registry-" + uuid.NewString())
	key, err := reg.AddConnection(context.Background(), desc, false)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := reg.Checkout(ctx, key)
	require.NoError(t, err)
	_, err = NewCommand(a.Conn, nil, "CREATE TABLE t (v INTEGER)").Exec(ctx)
	require.NoError(t, err)
	_, err = NewCommand(a.Conn, nil, "INSERT INTO t VALUES (42)").Exec(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Release())

	b, err := reg.Checkout(ctx, key, WithCommand(CommandText("SELECT v FROM t")))
	require.NoError(t, err)
	defer b.Release() //nolint:errcheck // Test cleanup

	v, err := b.Command.Scalar(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestCommand_PreparedSurvivesRelease(t *testing.T) {
	reg, key := testRegistry(t)
	ctx := WithScope(context.Background())

	owner, err := reg.Checkout(ctx, key, SkipDispose(true))
	require.NoError(t, err)
	tx, err := owner.Conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, owner.Release())

	a, err := reg.Checkout(ctx, key, WithTransaction(tx), SkipDisposeCommand(),
		WithCommand(CommandText("SELECT ? + 1")))
	require.NoError(t, err)
	require.NoError(t, a.Command.Prepare(ctx, DefaultPrepareRetries))
	require.NoError(t, a.Release())

	v, err := a.Command.Scalar(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	require.NoError(t, a.Command.Close())
	require.NoError(t, tx.Rollback())
}
