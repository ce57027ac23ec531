package engine

import (
	"github.com/google/uuid"
)

// UUIDv7Generator mints time-sortable UUIDv7 identifiers for queue ids,
// outreach ids, error ids and authorization ids.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so ids
// minted later sort later. That keeps error tables and the authorization log
// readable in id order while debugging.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Implements ir.IDGenerator. Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
