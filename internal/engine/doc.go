// Package engine runs bitgate's long-lived workers.
//
// ARCHITECTURE:
//
// Partitioned consumers:
// Each ingestion partition has exactly one consumer goroutine. A message's
// partition is derived from its entity_id, so every signal of one entity is
// handled by one consumer and band transitions of an entity cannot
// interleave. The per-entity lock inside the band engine covers the
// remaining writers (decay sweeps, operator recomputes, other processes).
//
// Consumer loop:
//  1. DequeueBatch leases up to BatchSize messages of the partition
//  2. Record stores each message as a signal (deduplicated by fingerprint)
//  3. Recompute commits a movement, proof and phase state if anything changed
//  4. Ack removes the message; a failure releases it for redelivery, and a
//     validation failure dead-letters it at once
//
// Sweeps:
// One goroutine per hub sweeps that hub's pending entities. Separate tickers
// run the retry sweep (with the escalation ladder), the decay sweep and the
// archive sweep. Every loop logs failures and continues; only context
// cancellation stops the runtime.
//
// System wires the store, doctrine, registry, queue, engines, gate, retry
// manager and orchestrator from a config.Config. The CLI, the HTTP API and
// the scenario harness all build on it.
package engine
