package registry

import (
	"errors"
	"sync/atomic"
)

// Access is the guard returned by Checkout. It exclusively owns the
// resolved connection (and command, if one was requested) until Release.
type Access struct {
	// Conn is the connection the caller works on.
	Conn *Conn

	// Tx is the transaction the access is bound to, if any.
	Tx *Tx

	// Command is the command built by WithCommand, if any.
	Command *Command

	key      Key
	scope    Scope
	registry *Registry

	disposeConn        bool
	skipDisposeCommand bool
	slotted            bool

	released atomic.Bool
}

// Key returns the connection key the access was checked out for.
func (a *Access) Key() Key {
	return a.key
}

// Release ends the access. The command is closed unless SkipDisposeCommand
// was given; the connection is closed unless it belongs to a transaction
// or to an enclosing access of the same scope; the scope's slot is cleared
// if this access filled it. Only the first call has any effect.
func (a *Access) Release() error {
	if !a.released.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	if a.Command != nil && !a.skipDisposeCommand {
		if err := a.Command.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.disposeConn {
		if err := a.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.registry.untrack(a.key, a.Conn)
	}

	if a.slotted {
		a.registry.clearSlot(a.key, a.scope, a.Conn)
	}

	return errors.Join(errs...)
}

// CheckoutOption configures a Checkout.
type CheckoutOption func(*checkoutOptions)

type checkoutOptions struct {
	factory            CommandFactory
	tx                 *Tx
	skipDispose        bool
	skipDisposeSet     bool
	skipDisposeCommand bool
}

// WithCommand builds a command on the resolved connection.
func WithCommand(factory CommandFactory) CheckoutOption {
	return func(o *checkoutOptions) {
		o.factory = factory
	}
}

// WithTransaction binds the access to tx and its connection instead of the
// scope's slot. Such an access does not close the connection on Release
// unless SkipDispose(false) is also given.
func WithTransaction(tx *Tx) CheckoutOption {
	return func(o *checkoutOptions) {
		o.tx = tx
	}
}

// SkipDispose controls whether Release leaves the connection open.
func SkipDispose(skip bool) CheckoutOption {
	return func(o *checkoutOptions) {
		o.skipDispose = skip
		o.skipDisposeSet = true
	}
}

// SkipDisposeCommand leaves the command open on Release, for prepared
// commands handed back to the caller.
func SkipDisposeCommand() CheckoutOption {
	return func(o *checkoutOptions) {
		o.skipDisposeCommand = true
	}
}
