package ir

import "time"

// Clock supplies wall time. Every component takes a Clock so that tests and
// scenario replays can drive time explicitly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// IDGenerator mints opaque identifiers (queue ids, outreach ids, error ids,
// authorization ids).
type IDGenerator interface {
	Generate() string
}
