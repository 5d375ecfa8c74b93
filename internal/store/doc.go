// Package store defines the LocalStore contract shared by every storage
// engine.
//
// The store holds four tables:
//   - blueprints: one schema document per module name
//   - foundation_data: cached reference entities keyed by id
//   - op_log: append-only ledger of client intent
//   - sync_state: bookkeeping written alongside each applied bundle
//
// # Units of Work
//
// Reads run inside View and see one consistent snapshot. Writes run inside
// Update; every row written by the callback becomes visible together or not
// at all. A callback error or context cancellation rolls the unit back.
//
// # Deterministic Results
//
//   - Records are returned ordered by id (binary collation)
//   - Operations are returned FIFO: created_at, then seq
//   - Empty result sets are empty slices, never nil
//
// # Idempotence
//
// Applying the same bundle twice leaves blueprints and foundation_data
// row-for-row unchanged, including updated_at. sync_state is not: every
// apply rewrites last_success_at and the updated_at of each key it writes,
// so it records when the cache was last confirmed rather than when it last
// changed. op_log is never touched by bundle application.
//
// # Errors
//
// Missing rows yield fault.ErrNotFound. Engine failures are wrapped as
// fault STORAGE errors. A closed store fails every call; there is no
// silent fallback to another engine.
package store
