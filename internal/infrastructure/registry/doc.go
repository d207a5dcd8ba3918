// Package registry manages logical SQLite connections and their per-scope
// checkout.
//
// A logical database is registered once with AddConnection, which creates a
// canonical connection (a template that is never queried) and returns an
// opaque Key. Work against the database happens through Checkout:
//
//	ctx = registry.WithScope(ctx)
//	access, err := reg.Checkout(ctx, key)
//	if err != nil {
//	    return err
//	}
//	defer access.Release()
//
// # Two-tier checkout
//
// Logical tier: each scope (one logical execution flow, carried in a
// context.Context) gets its own clone of the canonical connection. Repeated
// checkouts in the same scope observe the same clone until it is released;
// concurrent scopes never share one.
//
// Physical tier: opening a clone goes through a database/sql Connector that
// first asks the handlepool for a cached raw handle for the descriptor's
// identity; closing the clone offers the handle back. Statements therefore
// rarely pay for a real sqlite3_open.
//
// # Teardown
//
// RemoveConnection delists the key, closes every clone still checked out
// under it, clears the identity's handle pool generation and finally closes
// the canonical connection, in that order, always running every step.
//
// Thread Safety:
//   - All Registry methods are safe for concurrent use.
//   - An Access is owned by the goroutine that checked it out.
package registry
