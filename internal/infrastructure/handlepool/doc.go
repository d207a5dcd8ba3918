// Package handlepool recycles raw, already-opened SQLite handles per target
// identity (a database file path or a shared-memory URI).
//
// Opening a SQLite connection costs a file open, header read and pragma
// setup. The pool keeps closed-by-caller handles alive in a FIFO queue so the
// next open for the same identity can reuse one instead.
//
// # Generations
//
// Every identity has a generation counter. A handle is tagged with the
// generation that was current when it left the pool (or was created), and it
// is only accepted back when that tag still equals the current generation:
//
//	h, gen := pool.Remove(identity, maxSize) // gen tags h
//	...
//	pool.Add(identity, h, gen)               // re-queued or closed
//
// ClearPool bumps one identity's generation; ClearAllPools raises a
// process-wide ceiling above every identity. Outstanding handles are never
// enumerated: invalidation is enforced lazily when they are offered back.
//
// # Handle states
//
// Each queued handle carries an atomic state tag (available, checked out,
// closing). A checkout must win the available→checked-out transition and a
// disposal must win the transition to closing, so a handle that is being
// closed is never handed out and no handle is closed twice.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Validation of candidates in Remove runs outside the pool lock.
package handlepool
