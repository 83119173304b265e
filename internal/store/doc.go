// Package store provides SQLite-backed durable state for the replicator.
//
// The store holds:
//   - Dirty queue: change-capture entries, ordered by an autoincrement seq
//   - Schema cache: last fingerprint and version synced per project
//   - Published markers: which objects are present in which branch
//   - Run log: the JSON result of every publish run
//
// # Commit Rule
//
// A run drains the queue up to a seq and only removes entries at or below
// it, so entries enqueued while the run was in flight survive. Entries of
// objects that failed or were deferred are never removed; their attempt
// counter is incremented instead.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - Single connection: One writer at a time
package store
