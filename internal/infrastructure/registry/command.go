package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

// CommandFactory builds the command an Access carries. tx is nil for
// checkouts that are not bound to a transaction.
type CommandFactory func(conn *Conn, tx *Tx) (*Command, error)

// CommandText returns a factory for an unprepared command with the given text.
func CommandText(text string) CommandFactory {
	return func(conn *Conn, tx *Tx) (*Command, error) {
		return NewCommand(conn, tx, text), nil
	}
}

// querier is the subset of *sql.DB and *sql.Tx a command runs against.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Command is one SQL statement bound to a connection and, optionally, to a
// transaction on that connection.
type Command struct {
	conn   *Conn
	tx     *Tx
	text   string
	stmt   *sql.Stmt
	closed atomic.Bool
}

// NewCommand creates a command. It is prepared lazily, or explicitly with
// Prepare.
func NewCommand(conn *Conn, tx *Tx, text string) *Command {
	return &Command{conn: conn, tx: tx, text: text}
}

// Text returns the SQL text.
func (c *Command) Text() string {
	return c.text
}

// Tx returns the transaction the command is bound to, or nil.
func (c *Command) Tx() *Tx {
	return c.tx
}

// Prepared reports whether Prepare succeeded.
func (c *Command) Prepared() bool {
	return c.stmt != nil
}

// Prepare compiles the statement. If the schema changed while compiling,
// preparation is retried up to retries more times.
func (c *Command) Prepare(ctx context.Context, retries int) error {
	q, err := c.target()
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		stmt, err := q.PrepareContext(ctx, c.text)
		if err == nil {
			c.stmt = stmt
			return nil
		}

		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrSchema && attempt < retries {
			continue
		}
		return fmt.Errorf("preparing statement: %w", err)
	}
}

// Exec runs the command and returns its result.
func (c *Command) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	if c.stmt != nil {
		if c.closed.Load() {
			return nil, ErrCommandClosed
		}
		return c.stmt.ExecContext(ctx, args...)
	}

	q, err := c.target()
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, c.text, args...)
}

// Query runs the command and returns its rows. The caller closes them.
func (c *Command) Query(ctx context.Context, args ...any) (*sql.Rows, error) {
	if c.stmt != nil {
		if c.closed.Load() {
			return nil, ErrCommandClosed
		}
		return c.stmt.QueryContext(ctx, args...)
	}

	q, err := c.target()
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, c.text, args...)
}

// Scalar runs the command and returns the first column of the first row,
// or nil when there are no rows.
func (c *Command) Scalar(ctx context.Context, args ...any) (any, error) {
	rows, err := c.Query(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // Read-only, errors surface via rows.Err

	if !rows.Next() {
		return nil, rows.Err()
	}

	var v any
	if err := rows.Scan(&v); err != nil {
		return nil, err
	}
	return v, rows.Err()
}

// Close releases the prepared statement. Only the first call has any effect.
func (c *Command) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.stmt == nil {
		return nil
	}
	return c.stmt.Close()
}

func (c *Command) target() (querier, error) {
	if c.closed.Load() {
		return nil, ErrCommandClosed
	}
	if c.tx != nil {
		if c.tx.Done() {
			return nil, sql.ErrTxDone
		}
		return c.tx.tx, nil
	}
	db, err := c.conn.open()
	if err != nil {
		return nil, err
	}
	return db, nil
}
