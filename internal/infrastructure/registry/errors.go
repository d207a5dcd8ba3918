package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, registry.ErrInvalidKey) {
//	    // the database was never registered or has been removed
//	}
var (
	// ErrInvalidKey is returned when an operation references a key that is
	// not (or no longer) registered.
	ErrInvalidKey = errors.New("registry: invalid connection key")

	// ErrConnClosed is returned when using a connection that has been disposed.
	ErrConnClosed = errors.New("registry: connection closed")

	// ErrInvalidDescriptor is returned when a descriptor fails validation.
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")

	// ErrCommandClosed is returned when executing a disposed command.
	ErrCommandClosed = errors.New("registry: command closed")
)
