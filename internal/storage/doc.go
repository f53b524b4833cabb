// Package storage persists job records.
//
// Every job state transition is mirrored here for audit and crash
// visibility. The engine keeps its own in-memory truth and treats the store
// as best-effort: write failures are logged, never fatal.
//
// Drivers:
//   - "memory": process-local map, the default
//   - "file": JSON Lines journal compacted into a snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx connection pool
package storage
