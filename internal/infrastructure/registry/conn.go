package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

var lastConnID atomic.Uint64

// Conn is one logical connection: a *sql.DB limited to a single physical
// handle, opened through the shared connector.
//
// The canonical Conn of a key is a template; clones share its connector and
// therefore its handle pool identity.
type Conn struct {
	id        uint64
	connector *connector

	mu       sync.Mutex
	db       *sql.DB
	disposed atomic.Bool
}

func newConn(c *connector) *Conn {
	return &Conn{id: lastConnID.Add(1), connector: c}
}

// Clone returns a new, unopened connection to the same database.
func (c *Conn) Clone() *Conn {
	return newConn(c.connector)
}

// ID is a process-unique number for log correlation.
func (c *Conn) ID() uint64 {
	return c.id
}

// Descriptor returns the descriptor the connection was created from.
func (c *Conn) Descriptor() Descriptor {
	return c.connector.desc
}

// Open opens the connection if it is not open yet. The physical handle is
// obtained immediately so that open errors surface here.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed.Load() {
		return ErrConnClosed
	}
	if c.db != nil {
		return nil
	}

	db := sql.OpenDB(c.connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("opening connection: %w", err)
	}

	c.db = db
	return nil
}

// IsOpen reports whether Open succeeded and Close has not been called.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db != nil && !c.disposed.Load()
}

// DB returns the underlying pool of one, or nil if the connection is not open.
func (c *Conn) DB() *sql.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// Close disposes the connection. The physical handle is offered back to the
// handle pool. Only the first call has any effect.
func (c *Conn) Close() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

// BeginTx starts a transaction on the open connection.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	db, err := c.open()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{conn: c, tx: tx}, nil
}

// Raw runs fn against the go-sqlite3 connection backing c, for engine
// features database/sql does not expose (backup, autocommit state).
func (c *Conn) Raw(ctx context.Context, fn func(*sqlite3.SQLiteConn) error) error {
	db, err := c.open()
	if err != nil {
		return err
	}

	sc, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring raw connection: %w", err)
	}
	defer sc.Close() //nolint:errcheck // Returned to the single-handle pool

	return sc.Raw(func(dc any) error {
		pc, ok := dc.(*pooledConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		return fn(pc.SQLiteConn)
	})
}

func (c *Conn) open() (*sql.DB, error) {
	if c.disposed.Load() {
		return nil, ErrConnClosed
	}
	db := c.DB()
	if db == nil {
		return nil, ErrConnClosed
	}
	return db, nil
}

// Tx is a transaction bound to one Conn.
type Tx struct {
	conn *Conn
	tx   *sql.Tx
	done atomic.Bool
}

// Conn returns the connection the transaction runs on.
func (t *Tx) Conn() *Conn {
	return t.conn
}

// Done reports whether Commit or Rollback has been called.
func (t *Tx) Done() bool {
	return t.done.Load()
}

// Commit commits the transaction. Only the first Commit or Rollback runs.
func (t *Tx) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return sql.ErrTxDone
	}
	return t.tx.Commit()
}

// Rollback aborts the transaction. Only the first Commit or Rollback runs.
func (t *Tx) Rollback() error {
	if !t.done.CompareAndSwap(false, true) {
		return sql.ErrTxDone
	}
	return t.tx.Rollback()
}
