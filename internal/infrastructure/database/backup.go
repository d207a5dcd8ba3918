package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// backupAllPages copies the whole database in one backup step.
const backupAllPages = -1

// LoadIntoMemory copies the database file at path into a new private
// in-memory database. The file is opened read-only and is not touched
// again; the returned DB reports the file as its Path and IsMemory true.
func LoadIntoMemory(ctx context.Context, reg *registry.Registry, path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("loading %s into memory: %w", path, err)
	}

	mem, err := OpenMemory(ctx, reg)
	if err != nil {
		return nil, err
	}
	mem.path = path

	src := registry.DefaultDescriptor(path)
	src.ReadOnly = true
	src.JournalMode = ""
	src.SyncMode = ""
	src.Pooling = false

	if err := copyDatabase(ctx, reg, src, mem.reg, mem.key); err != nil {
		mem.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("loading %s into memory: %w", path, err)
	}
	return mem, nil
}

// Backup writes a full copy of the database to dest, replacing its
// content. The destination is opened with exclusive locking and a memory
// journal for the duration of the copy.
func (d *DB) Backup(ctx context.Context, dest string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirPermissions); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	target := registry.DefaultDescriptor(dest)
	target.JournalMode = registry.JournalMemory
	target.LockingMode = "EXCLUSIVE"
	target.Pooling = false

	dstKey, err := d.reg.AddConnection(ctx, target, false)
	if err != nil {
		return fmt.Errorf("opening backup destination: %w", err)
	}
	defer d.reg.RemoveConnection(dstKey) //nolint:errcheck // Destination is closed either way

	dst, err := d.reg.Checkout(registry.WithoutScope(ctx), dstKey)
	if err != nil {
		return fmt.Errorf("opening backup destination: %w", err)
	}
	defer dst.Release() //nolint:errcheck // Released before the key is removed

	src, err := d.reg.Checkout(registry.WithoutScope(ctx), d.key)
	if err != nil {
		return d.wrapCheckout(err)
	}
	defer src.Release() //nolint:errcheck // Read-only use

	if err := backupConn(ctx, dst.Conn, src.Conn); err != nil {
		return fmt.Errorf("backing up to %s: %w", dest, err)
	}

	_ = os.Chmod(dest, filePermissions) //nolint:errcheck // Best effort, content is already written

	d.log().Info("database backed up", "dest", dest)
	return nil
}

// copyDatabase registers src temporarily and backs it up into dstKey. The
// copy is taken from a serialized image of src switched to rollback
// journaling: the memdb VFS cannot open a WAL database.
func copyDatabase(ctx context.Context, srcReg *registry.Registry, src registry.Descriptor, dstReg *registry.Registry, dstKey registry.Key) error {
	srcKey, err := srcReg.AddConnection(ctx, src, false)
	if err != nil {
		return err
	}
	defer srcReg.RemoveConnection(srcKey) //nolint:errcheck // Source is read-only

	srcAccess, err := srcReg.Checkout(registry.WithoutScope(ctx), srcKey)
	if err != nil {
		return err
	}
	defer srcAccess.Release() //nolint:errcheck // Read-only use

	dstAccess, err := dstReg.Checkout(registry.WithoutScope(ctx), dstKey)
	if err != nil {
		return err
	}
	defer dstAccess.Release() //nolint:errcheck // Pages are already copied

	return dstAccess.Conn.Raw(ctx, func(dc *sqlite3.SQLiteConn) error {
		return srcAccess.Conn.Raw(ctx, func(sc *sqlite3.SQLiteConn) error {
			if err := detachJournal(sc); err != nil {
				return err
			}
			return backupPages(dc, sc)
		})
	})
}

// detachJournal replaces c's main database with an in-memory image of it
// whose header selects the rollback journal. The file is not modified.
func detachJournal(c *sqlite3.SQLiteConn) error {
	image, err := c.Serialize("main")
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	// Header bytes 18 and 19 are the write and read format versions; 2 is WAL.
	if len(image) < 100 || image[18] != 2 {
		return nil
	}
	image[18], image[19] = 1, 1
	if err := c.Deserialize(image, "main"); err != nil {
		return fmt.Errorf("staging source: %w", err)
	}
	return nil
}

// backupConn runs a page-level backup of src's main database into dst's.
func backupConn(ctx context.Context, dst, src *registry.Conn) error {
	return dst.Raw(ctx, func(dc *sqlite3.SQLiteConn) error {
		return src.Raw(ctx, func(sc *sqlite3.SQLiteConn) error {
			return backupPages(dc, sc)
		})
	})
}

func backupPages(dst, src *sqlite3.SQLiteConn) error {
	b, err := dst.Backup("main", src, "main")
	if err != nil {
		return fmt.Errorf("starting backup: %w", err)
	}

	for {
		done, err := b.Step(backupAllPages)
		if err != nil {
			return errors.Join(fmt.Errorf("copying pages: %w", err), b.Finish())
		}
		if done {
			return b.Finish()
		}
	}
}
