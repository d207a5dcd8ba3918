package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// identifierPattern matches the table and column names the facade will
// interpolate into statement text.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Param is a named statement parameter, bound as @Name.
type Param struct {
	Name  string
	Value any
}

// P is shorthand for Param{Name: name, Value: value}.
func P(name string, value any) Param {
	return Param{Name: name, Value: value}
}

func bindArgs(params []Param) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = sql.Named(strings.TrimPrefix(p.Name, "@"), p.Value)
	}
	return args
}

func validateIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierPattern.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}

// checkout resolves the access a statement runs on: the scope's
// transaction when token is set, a standalone checkout otherwise.
func (d *DB) checkout(ctx context.Context, token Token, opts ...registry.CheckoutOption) (*registry.Access, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	t := d.activeTxn(ctx)

	if token.IsZero() {
		if t != nil {
			return nil, ErrWrongTransactionToken
		}
		a, err := d.reg.Checkout(ctx, d.key, opts...)
		if err != nil {
			return nil, d.wrapCheckout(err)
		}
		return a, nil
	}

	if t == nil || t.tx == nil || t.token != token {
		return nil, ErrWrongTransactionToken
	}

	opts = append(opts, registry.WithTransaction(t.tx))
	a, err := d.reg.Checkout(ctx, d.key, opts...)
	if err != nil {
		return nil, d.wrapCheckout(err)
	}
	return a, nil
}

// ExecuteNonQuery runs a statement that returns no rows.
//
// Parameters:
//   - ctx: Context carrying the caller's scope
//   - token: Transaction to run in, or the zero Token
//   - text: SQL text with @Name placeholders
//   - params: Values for the placeholders
//
// Returns:
//   - int64: Number of rows affected
//   - error: ErrWrongTransactionToken or an engine error
func (d *DB) ExecuteNonQuery(ctx context.Context, token Token, text string, params ...Param) (int64, error) {
	a, err := d.checkout(ctx, token, registry.WithCommand(registry.CommandText(text)))
	if err != nil {
		return 0, err
	}
	defer a.Release() //nolint:errcheck // Statement already executed

	res, err := a.Command.Exec(ctx, bindArgs(params)...)
	if err != nil {
		return 0, fmt.Errorf("executing statement: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// ExecuteScalar runs a query and returns the first column of its first
// row, or nil when there are no rows. Integers come back as int64, text as
// string.
func (d *DB) ExecuteScalar(ctx context.Context, token Token, text string, params ...Param) (any, error) {
	a, err := d.checkout(ctx, token, registry.WithCommand(registry.CommandText(text)))
	if err != nil {
		return nil, err
	}
	defer a.Release() //nolint:errcheck // Query already executed

	v, err := a.Command.Scalar(ctx, bindArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("executing scalar query: %w", err)
	}
	return v, nil
}

// Reader is an open result set. It holds its connection until Close.
type Reader struct {
	*sql.Rows
	access *registry.Access
	closed atomic.Bool
}

// Close closes the rows and releases the connection. Only the first call
// has any effect.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.Rows.Close()
	if rerr := r.access.Release(); err == nil {
		err = rerr
	}
	return err
}

// GetReader runs a query and returns its rows. The caller must Close the
// reader, and must do so before finishing the transaction it runs in.
//
// Outside a transaction the reader gets a one-shot connection of its own,
// so the scope can keep issuing statements while it reads.
func (d *DB) GetReader(ctx context.Context, token Token, text string, params ...Param) (*Reader, error) {
	checkoutCtx := ctx
	if token.IsZero() {
		if d.activeTxn(ctx) != nil {
			return nil, ErrWrongTransactionToken
		}
		checkoutCtx = registry.WithoutScope(ctx)
	}

	a, err := d.checkout(checkoutCtx, token, registry.WithCommand(registry.CommandText(text)))
	if err != nil {
		return nil, err
	}

	rows, err := a.Command.Query(ctx, bindArgs(params)...)
	if err != nil {
		a.Release() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return &Reader{Rows: rows, access: a}, nil
}

// Insert writes one row, replacing any row with the same primary key.
func (d *DB) Insert(ctx context.Context, token Token, table string, values ...Param) (int64, error) {
	text, err := insertText(table, paramNames(values))
	if err != nil {
		return 0, err
	}
	return d.ExecuteNonQuery(ctx, token, text, values...)
}

// Delete removes the rows of table matching where, a boolean SQL
// expression whose values are supplied as params.
func (d *DB) Delete(ctx context.Context, token Token, table, where string, params ...Param) (int64, error) {
	if err := validateIdentifiers(table); err != nil {
		return 0, err
	}
	if strings.TrimSpace(where) == "" {
		return 0, fmt.Errorf("delete from %s: empty where clause", table)
	}
	return d.ExecuteNonQuery(ctx, token, "DELETE FROM "+table+" WHERE "+where, params...)
}

// ClearTable deletes every row of table.
func (d *DB) ClearTable(ctx context.Context, token Token, table string) error {
	if err := validateIdentifiers(table); err != nil {
		return err
	}
	if _, err := d.ExecuteNonQuery(ctx, token, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	return nil
}

// ClearDB deletes every row of every user table. Foreign key enforcement
// is switched off for the duration; note that SQLite ignores that switch
// inside a transaction, so children must not outlive their parents there.
// The migration bookkeeping table is kept.
func (d *DB) ClearDB(ctx context.Context, token Token) error {
	if token.IsZero() {
		// Pin one connection for the whole sequence so the pragma applies
		// to every delete.
		if d.activeTxn(ctx) != nil {
			return ErrWrongTransactionToken
		}
		ctx = registry.WithScope(ctx)
		pin, err := d.checkout(ctx, token)
		if err != nil {
			return err
		}
		defer pin.Release() //nolint:errcheck // Statements already executed
	}

	tables, err := d.userTables(ctx, token)
	if err != nil {
		return err
	}

	if _, err := d.ExecuteNonQuery(ctx, token, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disabling foreign keys: %w", err)
	}

	var clearErr error
	for _, table := range tables {
		if clearErr = d.ClearTable(ctx, token, table); clearErr != nil {
			break
		}
	}

	if _, err := d.ExecuteNonQuery(ctx, token, "PRAGMA foreign_keys = ON"); err != nil && clearErr == nil {
		clearErr = fmt.Errorf("enabling foreign keys: %w", err)
	}
	return clearErr
}

func (d *DB) userTables(ctx context.Context, token Token) ([]string, error) {
	r, err := d.GetReader(ctx, token,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != @migrations ORDER BY name",
		P("migrations", migrationsTable),
	)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer r.Close() //nolint:errcheck // Read-only, errors surface via Err

	var tables []string
	for r.Next() {
		var name string
		if err := r.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	return tables, nil
}

// PrepareCommand compiles text on the scope's transaction. The returned
// command stays valid until the transaction finishes; run it with
// ExecuteCommand and Close it when done.
func (d *DB) PrepareCommand(ctx context.Context, token Token, text string) (*registry.Command, error) {
	if token.IsZero() {
		return nil, ErrWrongTransactionToken
	}

	a, err := d.checkout(ctx, token,
		registry.WithCommand(registry.CommandText(text)),
		registry.SkipDisposeCommand(),
	)
	if err != nil {
		return nil, err
	}
	defer a.Release() //nolint:errcheck // Command outlives the access

	if err := a.Command.Prepare(ctx, d.retries); err != nil {
		return nil, err
	}
	return a.Command, nil
}

// PrepareInsertCommand compiles an INSERT OR REPLACE of columns into table
// with one @column placeholder per column.
func (d *DB) PrepareInsertCommand(ctx context.Context, token Token, table string, columns ...string) (*registry.Command, error) {
	text, err := insertText(table, columns)
	if err != nil {
		return nil, err
	}
	return d.PrepareCommand(ctx, token, text)
}

// ExecuteCommand runs a prepared command with params and returns the rows
// affected. The command is not closed. It must belong to the caller
// scope's active transaction.
func (d *DB) ExecuteCommand(ctx context.Context, cmd *registry.Command, params ...Param) (int64, error) {
	t := d.activeTxn(ctx)
	if t == nil || t.tx == nil || cmd.Tx() != t.tx {
		return 0, ErrWrongTransactionToken
	}

	a, err := d.checkout(ctx, t.token,
		registry.WithCommand(func(*registry.Conn, *registry.Tx) (*registry.Command, error) { return cmd, nil }),
		registry.SkipDisposeCommand(),
	)
	if err != nil {
		return 0, err
	}
	defer a.Release() //nolint:errcheck // Command stays with the caller

	res, err := a.Command.Exec(ctx, bindArgs(params)...)
	if err != nil {
		return 0, fmt.Errorf("executing command: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

func insertText(table string, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("insert into %s: no columns", table)
	}
	if err := validateIdentifiers(append([]string{table}, columns...)...); err != nil {
		return "", err
	}

	placeholders := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = "@" + c
	}

	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	), nil
}

func paramNames(params []Param) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = strings.TrimPrefix(p.Name, "@")
	}
	return names
}
