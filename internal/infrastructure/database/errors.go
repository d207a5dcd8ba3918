package database

import "errors"

// Domain errors for the database package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, database.ErrWrongTransactionToken) {
//	    // the token belongs to another scope or was already finished
//	}
var (
	// ErrWrongTransactionToken is returned when a token does not match the
	// caller scope's active transaction, including when a statement supplies
	// no token while the scope has one open.
	ErrWrongTransactionToken = errors.New("database: wrong transaction token")

	// ErrNoScope is returned when a transaction is requested from a context
	// that carries no scope (see registry.WithScope).
	ErrNoScope = errors.New("database: context has no scope")

	// ErrTransactionActive is returned when a scope begins a second
	// transaction on the same database.
	ErrTransactionActive = errors.New("database: transaction already active in scope")

	// ErrInvalidIdentifier is returned when a table or column name is not a
	// plain SQL identifier.
	ErrInvalidIdentifier = errors.New("database: invalid identifier")

	// ErrClosed is returned when using a database after Close.
	ErrClosed = errors.New("database: closed")
)
