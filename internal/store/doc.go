// Package store provides SQLite-backed durable storage for bitgate.
//
// The store holds:
//   - Entities: durable entity ids and the once-minted outreach_id
//   - Signal registry: versioned signal type definitions
//   - Signal queue: the ingestion inbox with leases and dead letters
//   - Signals: immutable observed facts, with duplicate marking
//   - Movement events: the append-only transition log (source of truth)
//   - Phase state: the per-entity projection of the movement log
//   - Proof lines: time-bounded justifications cited by authorization
//   - Authorization log: append-only audit of every decision
//   - Hub registry, hub progress and reported hub metrics
//   - Per-hub error tables and their _archive counterparts
//
// # Critical Patterns
//
// Append-only logs
//   - movement_events, proof_lines and authorization_log reject UPDATE
//     through triggers; signals reject UPDATE as well
//
// Proof before effect
//   - CommitTransition writes the movement and the proof before the phase
//     state row, inside one transaction
//
// Optimistic concurrency
//   - phase_state, hub_progress and error rows carry a version column;
//     updates name the version they read and fail with ErrVersionConflict
//     when another writer got there first
//
// Deterministic ordering
//   - list queries order by a time column then by id COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as UTC unix nanoseconds; 0 means unset.
package store
