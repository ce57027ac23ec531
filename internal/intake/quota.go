package intake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SourceQuota limits how many signals one producer may enqueue inside a
// sliding window.
//
// Each source keeps the timestamps of its accepted signals; timestamps that
// fall out of the window are dropped on the next check. A limit of zero or
// less disables the quota.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SourceQuota struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewSourceQuota creates a quota of limit signals per window per source.
func NewSourceQuota(limit int, window time.Duration) *SourceQuota {
	return &SourceQuota{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Check records one signal from source at now, or returns
// *QuotaExceededError without recording it.
func (q *SourceQuota) Check(source string, now time.Time) error {
	if q.limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.window)
	kept := q.hits[source][:0]
	for _, at := range q.hits[source] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= q.limit {
		q.hits[source] = kept
		return &QuotaExceededError{
			Source: source,
			Count:  len(kept),
			Limit:  q.limit,
			Window: q.window,
		}
	}
	q.hits[source] = append(kept, now)
	return nil
}

// Refund gives back a slot taken by Check at the same instant, for a signal
// that was rejected after passing the quota. Without a matching hit it does
// nothing.
func (q *SourceQuota) Refund(source string, at time.Time) {
	if q.limit <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	hits := q.hits[source]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(at) {
			q.hits[source] = append(hits[:i], hits[i+1:]...)
			return
		}
	}
}

// Current returns how many signals source has inside the window at now.
// Used for diagnostics.
func (q *SourceQuota) Current(source string, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := now.Add(-q.window)
	n := 0
	for _, at := range q.hits[source] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// QuotaExceededError is returned when a source exceeds its quota.
type QuotaExceededError struct {
	Source string
	Count  int
	Limit  int
	Window time.Duration
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("source %s exceeded ingress quota: %d signals in %s (limit %d)",
		e.Source, e.Count, e.Window, e.Limit)
}

// IsQuotaExceededError returns true if the error is a QuotaExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaExceededError(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
