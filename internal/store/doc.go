// Package store provides persistence for parley's SSO and session state.
//
// # Data Model
//
// Three tables, all keyed state with explicit expiry:
//
//   - token_records: cached user access tokens per (connection, user).
//     At most one live record per key; a new write replaces the old one.
//     Tokens are sealed with NaCl secretbox before they reach the database
//     when a seal key is configured.
//   - sessions: conversation -> backend thread bindings, tagged with the
//     identity the session was created for.
//   - pending_exchanges: in-flight interactive sign-ins. Consumed exactly
//     once via ConsumePendingExchange; the attempts column backs the
//     re-prompt budget.
//
// # Implementations
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema bootstrap on open). MockStore is an in-memory implementation
// for tests.
//
// # Expiry
//
// Expired token records are deleted lazily on read and reported as
// ErrNotFound. Pending exchanges keep their expiry visible to callers so
// the negotiator can distinguish expired from missing.
package store
