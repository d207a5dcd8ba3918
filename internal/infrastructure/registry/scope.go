package registry

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Scope identifies one logical execution flow. Checkout slots and
// transactions are bound to a Scope rather than to a goroutine, so a flow
// keeps its connection when it hops goroutines and two goroutines sharing a
// context share a slot.
type Scope uint64

func (s Scope) String() string {
	return "scope-" + strconv.FormatUint(uint64(s), 10)
}

type scopeKey struct{}

var lastScope atomic.Uint64

// WithScope returns a child of ctx carrying a fresh Scope. Calling it on a
// context that already has one starts a new, independent scope.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, Scope(lastScope.Add(1)))
}

// ScopeFrom returns the scope carried by ctx, if any.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// WithoutScope returns a child of ctx that carries no scope, so a checkout
// with it gets a one-shot connection of its own.
func WithoutScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, nil)
}
