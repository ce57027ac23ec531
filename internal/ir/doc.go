// Package ir provides the canonical representation types for bitgate.
//
// This package contains type definitions, canonical JSON, and content
// hashing only. All other internal packages import ir; ir imports nothing
// internal, which keeps it the foundational layer with no cycles.
//
// Key design constraints:
//   - NO float types in persisted payloads or scores. Magnitudes, weights and
//     thresholds are int64 fixed-point values in milli-units (1000 = 1.0).
//   - All JSON tags use snake_case.
//   - Content-addressed identifiers (fingerprints, movement ids, proof ids)
//     are computed from canonical JSON with SHA-256 and domain separation,
//     so replaying the same inputs yields the same identifiers.
package ir
