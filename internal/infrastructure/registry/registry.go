package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
)

// Key is the opaque identifier of one registered logical database.
type Key uuid.UUID

// String returns the key in canonical UUID form.
func (k Key) String() string {
	return uuid.UUID(k).String()
}

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry owns the canonical connection of every registered database and
// the per-scope checkout slots.
//
// Thread Safety: All methods are safe for concurrent use. Statement
// execution never happens under the registry lock.
type Registry struct {
	mu        sync.Mutex
	pool      *handlepool.Pool
	canonical map[Key]*Conn
	slots     map[Key]map[Scope]*Conn
	tracked   map[Key]map[*Conn]struct{}
	logger    Logger
}

// New creates a registry whose connections recycle raw handles through pool.
// A nil pool disables handle recycling.
func New(pool *handlepool.Pool) *Registry {
	return &Registry{
		pool:      pool,
		canonical: make(map[Key]*Conn),
		slots:     make(map[Key]map[Scope]*Conn),
		tracked:   make(map[Key]map[*Conn]struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// AddConnection registers a database and returns its key.
//
// Parameters:
//   - ctx: Context for opening the canonical connection
//   - desc: How to open the database
//   - openImmediately: Open the canonical connection now. Shared-memory
//     databases are always opened, since their content lives only while a
//     handle is open.
//
// Returns:
//   - Key: Identifier for Checkout and RemoveConnection
//   - error: If the descriptor is invalid or the database cannot be opened
func (r *Registry) AddConnection(ctx context.Context, desc Descriptor, openImmediately bool) (Key, error) {
	if err := desc.Validate(); err != nil {
		return Key{}, err
	}

	canon := newConn(newConnector(desc, r.pool))
	if openImmediately || desc.IsMemory() {
		if err := canon.Open(ctx); err != nil {
			canon.Close() //nolint:errcheck // Best effort cleanup on error path
			return Key{}, err
		}
	}

	key := Key(uuid.New())

	r.mu.Lock()
	r.canonical[key] = canon
	r.slots[key] = make(map[Scope]*Conn)
	r.tracked[key] = make(map[*Conn]struct{})
	logger := r.logger
	r.mu.Unlock()

	logger.Debug("connection registered", "key", key.String(), "database", desc.Name())
	return key, nil
}

// RemoveConnection unregisters key and tears its connections down: every
// outstanding clone is closed, the identity's handle pool generation is
// cleared and the canonical connection is closed, in that order. Every step
// runs even if an earlier one fails; the errors are joined.
func (r *Registry) RemoveConnection(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canon, ok := r.canonical[key]
	if !ok {
		return ErrInvalidKey
	}

	delete(r.canonical, key)
	delete(r.slots, key)
	clones := r.tracked[key]
	delete(r.tracked, key)

	errs := []error{
		runStep("closing clones", func() error {
			var cerrs []error
			for c := range clones {
				if err := c.Close(); err != nil {
					cerrs = append(cerrs, err)
				}
			}
			return errors.Join(cerrs...)
		}),
		runStep("clearing handle pool", func() error {
			if r.pool != nil {
				r.pool.ClearPool(canon.connector.identity)
			}
			return nil
		}),
		runStep("closing canonical connection", canon.Close),
	}

	err := errors.Join(errs...)
	if err != nil {
		r.logger.Warn("connection teardown incomplete", "key", key.String(), "error", err)
	} else {
		r.logger.Debug("connection removed", "key", key.String(), "clones", len(clones))
	}
	return err
}

// runStep runs one teardown step, converting a panic into an error.
func runStep(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", name, p)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Checkout resolves the connection the caller's scope should use for key.
//
// Without WithTransaction, the scope's slot is consulted: an empty slot is
// filled with a fresh clone of the canonical connection, which the returned
// Access owns and closes on Release; a filled slot is re-entered and left
// to its owner. A context without a scope always gets a fresh clone.
//
// With WithTransaction, the access is bound to the transaction's connection
// and leaves it open on Release unless SkipDispose(false) is given.
//
// Returns:
//   - *Access: Guard to Release when done
//   - error: ErrInvalidKey if key is not registered or the transaction belongs
//     to another key, or an open error
func (r *Registry) Checkout(ctx context.Context, key Key, opts ...CheckoutOption) (*Access, error) {
	var o checkoutOptions
	for _, opt := range opts {
		opt(&o)
	}

	scope, scoped := ScopeFrom(ctx)

	if o.tx != nil {
		r.mu.Lock()
		canon, ok := r.canonical[key]
		r.mu.Unlock()
		// A transaction only binds to clones of key's own canonical connection.
		if !ok || o.tx.Conn().connector != canon.connector {
			return nil, ErrInvalidKey
		}

		skip := true
		if o.skipDisposeSet {
			skip = o.skipDispose
		}

		a := &Access{
			Conn:               o.tx.Conn(),
			Tx:                 o.tx,
			key:                key,
			scope:              scope,
			registry:           r,
			disposeConn:        !skip,
			skipDisposeCommand: o.skipDisposeCommand,
		}
		return r.finishCheckout(a, o.factory)
	}

	r.mu.Lock()
	canon, ok := r.canonical[key]
	if !ok {
		r.mu.Unlock()
		return nil, ErrInvalidKey
	}

	var conn *Conn
	owner := false
	if scoped {
		conn = r.slots[key][scope]
	}
	if conn == nil {
		conn = canon.Clone()
		r.tracked[key][conn] = struct{}{}
		if scoped {
			r.slots[key][scope] = conn
		}
		owner = true
	}
	r.mu.Unlock()

	a := &Access{
		Conn:               conn,
		key:                key,
		scope:              scope,
		registry:           r,
		disposeConn:        owner && !(o.skipDisposeSet && o.skipDispose),
		skipDisposeCommand: o.skipDisposeCommand,
		slotted:            scoped && owner,
	}

	if err := conn.Open(ctx); err != nil {
		a.Release() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	return r.finishCheckout(a, o.factory)
}

func (r *Registry) finishCheckout(a *Access, factory CommandFactory) (*Access, error) {
	if factory == nil {
		return a, nil
	}

	cmd, err := factory(a.Conn, a.Tx)
	if err != nil {
		a.Release() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("building command: %w", err)
	}
	a.Command = cmd
	return a, nil
}

// Reset clears the caller scope's slot for key. The connection that was in
// the slot stays with whoever owns it.
func (r *Registry) Reset(ctx context.Context, key Key) {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slots, ok := r.slots[key]; ok {
		delete(slots, scope)
	}
}

// Dispose closes a clone of key outside of any Access, for connections
// whose owner gave up on them (a transaction that never started, or one
// abandoned at shutdown).
func (r *Registry) Dispose(key Key, conn *Conn) error {
	err := conn.Close()
	r.untrack(key, conn)
	return err
}

// Descriptor returns the descriptor key was registered with.
func (r *Registry) Descriptor(key Key) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canon, ok := r.canonical[key]
	if !ok {
		return Descriptor{}, ErrInvalidKey
	}
	return canon.Descriptor(), nil
}

// Stats returns the handle pool counters for key's identity.
func (r *Registry) Stats(key Key) (handlepool.Counts, error) {
	r.mu.Lock()
	canon, ok := r.canonical[key]
	r.mu.Unlock()

	if !ok {
		return handlepool.Counts{}, ErrInvalidKey
	}
	if r.pool == nil {
		return handlepool.Counts{}, nil
	}
	return r.pool.Counts(canon.connector.identity), nil
}

// Outstanding returns the number of clones of key that have not been closed.
func (r *Registry) Outstanding(key Key) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked, ok := r.tracked[key]
	if !ok {
		return 0, ErrInvalidKey
	}
	return len(tracked), nil
}

// Close removes every registered connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.canonical))
	for k := range r.canonical {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := r.RemoveConnection(k); err != nil && !errors.Is(err, ErrInvalidKey) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// untrack forgets a clone that has been closed.
func (r *Registry) untrack(key Key, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tracked, ok := r.tracked[key]; ok {
		delete(tracked, conn)
	}
}

// clearSlot empties scope's slot for key if it still holds conn.
func (r *Registry) clearSlot(key Key, scope Scope, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slots, ok := r.slots[key]; ok && slots[scope] == conn {
		delete(slots, scope)
	}
}
