// Package database provides the SQLite facade used by OmniBox.
//
// A DB is one logical database registered with a registry.Registry. It can
// be file-backed, a private in-memory database, or a memory-resident
// snapshot of a file:
//
//	db, err := database.Open(ctx, reg, cfg.Database)
//	mem, err := database.OpenMemory(ctx, reg)
//	snap, err := database.LoadIntoMemory(ctx, reg, "/var/lib/omnibox/usage.db")
//
// Transactions:
//
// Transactions belong to a scope, not to a goroutine. A scope is carried in
// the context (registry.WithScope) and may hold at most one transaction per
// DB. The token returned by BeginTransaction must be passed to every
// statement that should run inside it:
//
//	ctx = registry.WithScope(ctx)
//	tok, err := db.BeginTransaction(ctx)
//	if err != nil {
//	    return err
//	}
//	if _, err := db.Insert(ctx, tok, "main", database.P("CommandText", "chrome")); err != nil {
//	    db.RevertTransaction(ctx, tok)
//	    return err
//	}
//	return db.CommitTransaction(ctx, tok)
//
// A token is honoured only by the scope that minted it. While a scope has a
// transaction open, statements from that scope without the token are
// rejected with ErrWrongTransactionToken rather than queued behind the
// transaction's write lock.
//
// Security Considerations:
//   - Values are always bound as parameters (@Name)
//   - Table and column names are checked against a plain identifier pattern
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Migration Strategy:
//
// Migrations are additive-only:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Each migration file has both .up.sql and .down.sql
//   - Each migration runs in its own facade transaction
package database
