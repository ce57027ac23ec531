// Package harness runs scripted scenarios against a fully wired bitgate
// system on a fake clock.
//
// # Scenario Format
//
//	name: dol_match_authorizes_email
//	description: "A DOL filing match earns engage and unlocks email"
//	start: 2026-01-05T09:00:00Z
//	steps:
//	  - signal: {entity_id: acme, signal_type: dol_filing_match, source_hub: dol, payload: {ein: "12-3456789"}}
//	  - drain: true
//	  - authorize: {entity_id: acme, action: email_send}
//	    expect: {authorized: true}
//	  - advance: 2160h
//	  - sweep: decay
//	assertions:
//	  - type: phase
//	    entity_id: acme
//	    match: {current_band: 0}
//
// Each step does exactly one thing: signal, metric, authorize, advance,
// drain, sweep (hubs, retries, decay or archive), recompute or rebuild.
// A step's expect map is subset-matched against the detail it records in
// the trace. A step that fails records its failure code under "error" and
// fails the scenario unless its expect names an error.
//
// # Assertion Types
//
//   - trace_contains: a step of the given kind matches
//   - trace_order: step kinds occur in order, gaps allowed
//   - trace_count: exactly count steps of a kind match
//   - phase: the entity's phase state matches
//   - hub: the entity's progress at a hub matches
//   - errors: count live and archived error records of a hub match
//   - movements, authorizations: count rows of an entity match
//   - queue_depth: the queue holds exactly count undelivered messages
//
// Row matches use the JSON field names of the stored types.
//
// # Determinism
//
// Every run opens a fresh database with a fake clock and sequential ids,
// so traces are identical across runs and compare against golden files.
package harness
