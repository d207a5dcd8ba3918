package registry

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
)

// connector is the pooling hook between database/sql and the handle pool.
// Every clone of a canonical connection shares its connector.
type connector struct {
	desc     Descriptor
	dsn      string
	identity string
	drv      *sqlite3.SQLiteDriver
	pool     *handlepool.Pool
}

var _ driver.Connector = (*connector)(nil)

func newConnector(desc Descriptor, pool *handlepool.Pool) *connector {
	return &connector{
		desc:     desc,
		dsn:      desc.DSN(),
		identity: desc.Identity(),
		drv:      &sqlite3.SQLiteDriver{},
		pool:     pool,
	}
}

// pooling reports whether raw handles go through the handle pool.
func (c *connector) pooling() bool {
	return c.desc.Pooling && c.pool != nil
}

// Connect returns a cached raw handle when one is available and opens a
// new one otherwise.
func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	generation := 0
	if c.pooling() {
		h, gen := c.pool.Remove(c.identity, c.desc.MaxPoolSize)
		generation = gen
		if raw, ok := h.(*rawHandle); ok {
			return &pooledConn{SQLiteConn: raw.conn, connector: c, generation: generation}, nil
		}
	}

	dc, err := c.drv.Open(c.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.desc.Name(), err)
	}

	conn, ok := dc.(*sqlite3.SQLiteConn)
	if !ok {
		dc.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("opening %s: unexpected driver connection %T", c.desc.Name(), dc)
	}

	if err := c.initialise(conn); err != nil {
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	return &pooledConn{SQLiteConn: conn, connector: c, generation: generation}, nil
}

// Driver returns the underlying go-sqlite3 driver.
func (c *connector) Driver() driver.Driver {
	return c.drv
}

// initialise applies settings that have no DSN parameter.
func (c *connector) initialise(conn *sqlite3.SQLiteConn) error {
	if c.desc.TempStore != "" {
		stmt := "PRAGMA temp_store = " + strings.ToUpper(c.desc.TempStore)
		if _, err := conn.Exec(stmt, nil); err != nil {
			return fmt.Errorf("setting temp store: %w", err)
		}
	}
	return nil
}

// pooledConn is the driver connection handed to database/sql. Closing it
// offers the raw handle back to the pool instead of closing it.
type pooledConn struct {
	*sqlite3.SQLiteConn
	connector  *connector
	generation int
	closed     atomic.Bool
}

// Close returns the raw handle to the pool, or closes it when pooling is
// off or the handle is still inside a transaction.
func (pc *pooledConn) Close() error {
	if !pc.closed.CompareAndSwap(false, true) {
		return nil
	}

	if !pc.connector.pooling() || !pc.SQLiteConn.AutoCommit() {
		return pc.SQLiteConn.Close()
	}

	pc.connector.pool.Add(pc.connector.identity, &rawHandle{conn: pc.SQLiteConn}, pc.generation)
	return nil
}

// rawHandle adapts a go-sqlite3 connection to handlepool.Handle.
type rawHandle struct {
	conn *sqlite3.SQLiteConn
}

var _ handlepool.Handle = (*rawHandle)(nil)

func (h *rawHandle) Close() error {
	return h.conn.Close()
}

// Valid reports whether the handle is open and idle. Ping on a go-sqlite3
// connection only inspects the native pointer, so it never blocks.
func (h *rawHandle) Valid() bool {
	return h.conn.Ping(context.Background()) == nil && h.conn.AutoCommit()
}
