package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// Token identifies an open transaction. The zero Token means "no
// transaction".
type Token uuid.UUID

// IsZero reports whether t is the zero token.
func (t Token) IsZero() bool {
	return t == Token{}
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// txn is a scope's active transaction. tx is nil while BeginTransaction is
// still starting it.
type txn struct {
	token Token
	tx    *registry.Tx
}

// BeginTransaction opens a transaction for the caller's scope.
//
// The connection is checked out without being disposed on release; it
// belongs to the transaction until CommitTransaction or RevertTransaction.
// Transactions begin IMMEDIATE, so concurrent writers wait on the busy
// timeout instead of failing on lock upgrade.
//
// Returns:
//   - Token: Pass to statements and to Commit/RevertTransaction
//   - error: ErrNoScope, ErrTransactionActive, ErrClosed or an engine error
func (d *DB) BeginTransaction(ctx context.Context) (Token, error) {
	if err := d.checkOpen(); err != nil {
		return Token{}, err
	}

	scope, ok := registry.ScopeFrom(ctx)
	if !ok {
		return Token{}, ErrNoScope
	}

	token := Token(uuid.New())

	d.mu.Lock()
	if _, busy := d.active[scope]; busy {
		d.mu.Unlock()
		return Token{}, ErrTransactionActive
	}
	pending := &txn{token: token}
	d.active[scope] = pending
	d.mu.Unlock()

	tx, err := d.begin(ctx)
	if err != nil {
		d.clearActive(scope, pending)
		return Token{}, err
	}

	d.mu.Lock()
	if d.active[scope] != pending {
		// Close ran while the transaction was starting.
		d.mu.Unlock()
		tx.Rollback() //nolint:errcheck // Database is closing
		return Token{}, ErrClosed
	}
	pending.tx = tx
	d.mu.Unlock()

	d.log().Debug("transaction started", "scope", scope.String(), "token", token.String())
	return token, nil
}

func (d *DB) begin(ctx context.Context) (*registry.Tx, error) {
	access, err := d.reg.Checkout(ctx, d.key, registry.SkipDispose(true))
	if err != nil {
		return nil, d.wrapCheckout(err)
	}
	defer access.Release() //nolint:errcheck // Connection is owned by the transaction

	// The transaction outlives this call, so it must not be rolled back
	// when ctx is cancelled.
	tx, err := access.Conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		d.reg.Dispose(d.key, access.Conn) //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the caller scope's transaction.
//
// A token that does not match the scope's active transaction fails with
// ErrWrongTransactionToken and leaves that transaction open.
func (d *DB) CommitTransaction(ctx context.Context, token Token) error {
	return d.finish(ctx, token, "commit", (*registry.Tx).Commit)
}

// RevertTransaction rolls back the caller scope's transaction.
//
// A token that does not match the scope's active transaction fails with
// ErrWrongTransactionToken and leaves that transaction open.
func (d *DB) RevertTransaction(ctx context.Context, token Token) error {
	return d.finish(ctx, token, "rollback", (*registry.Tx).Rollback)
}

func (d *DB) finish(ctx context.Context, token Token, op string, end func(*registry.Tx) error) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	scope, ok := registry.ScopeFrom(ctx)
	if !ok {
		return ErrNoScope
	}

	d.mu.Lock()
	t := d.active[scope]
	if t == nil || t.tx == nil || token.IsZero() || t.token != token {
		d.mu.Unlock()
		return ErrWrongTransactionToken
	}
	delete(d.active, scope)
	d.mu.Unlock()

	access, err := d.reg.Checkout(ctx, d.key, registry.WithTransaction(t.tx), registry.SkipDispose(false))
	if err != nil {
		t.tx.Rollback() //nolint:errcheck // Connection is already gone
		return d.wrapCheckout(err)
	}

	var errs []error
	if err := end(t.tx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", op, err))
	}
	if err := access.Release(); err != nil {
		errs = append(errs, err)
	}

	d.log().Debug("transaction finished", "scope", scope.String(), "token", token.String(), "op", op)
	return errors.Join(errs...)
}

// activeTxn returns the caller scope's transaction, if any.
func (d *DB) activeTxn(ctx context.Context) *txn {
	scope, ok := registry.ScopeFrom(ctx)
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[scope]
}

func (d *DB) clearActive(scope registry.Scope, t *txn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[scope] == t {
		delete(d.active, scope)
	}
}

// wrapCheckout maps a removed registry key to ErrClosed.
func (d *DB) wrapCheckout(err error) error {
	if errors.Is(err, registry.ErrInvalidKey) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
