// Package intake is the durable inbox between signal producers and the band
// engine.
//
// Producers enqueue raw signals; consumers lease batches by partition,
// record each signal, and ack it. Delivery is at-least-once: a lease that is
// not acked expires and the message is delivered again, and after
// MaxAttempts deliveries it is dead-lettered with a reason. Ordering is
// best-effort by priority. Duplicate content (same entity and fingerprint
// inside the signal type's freshness window) is recorded but marked, so it
// never counts twice.
//
// Backpressure is explicit: a full queue or a producer over its quota gets a
// capacity_exceeded failure, never a silent drop.
package intake

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/registry"
	"github.com/roach88/bitgate/internal/store"
)

// Request is one signal offered by a producer.
type Request struct {
	EntityID   string
	SignalType string

	// Category is optional; when set it must match the registry.
	Category string

	Payload ir.Payload

	// Magnitude defaults to ir.DefaultMagnitude.
	Magnitude int64

	SourceHub string
	Priority  int

	// DetectedAt defaults to the enqueue time.
	DetectedAt    time.Time
	ExpiresAt     time.Time
	CorrelationID string
}

// Options configure a Queue.
type Options struct {
	Partitions        int
	MaxDepth          int
	MaxAttempts       int
	Lease             time.Duration
	SourceQuota       int
	SourceQuotaWindow time.Duration
}

// Queue is the Signal Ingestion Queue.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	store    *store.Store
	registry *registry.Registry
	clock    ir.Clock
	ids      ir.IDGenerator
	opts     Options
	quota    *SourceQuota

	// wake signals consumers that work is available (buffered, size 1)
	wake chan struct{}
}

// New creates a queue.
func New(st *store.Store, reg *registry.Registry, clock ir.Clock, ids ir.IDGenerator, opts Options) *Queue {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	return &Queue{
		store:    st,
		registry: reg,
		clock:    clock,
		ids:      ids,
		opts:     opts,
		quota:    NewSourceQuota(opts.SourceQuota, opts.SourceQuotaWindow),
		wake:     make(chan struct{}, 1),
	}
}

// Partitions returns the number of consumer partitions.
func (q *Queue) Partitions() int {
	return q.opts.Partitions
}

// Enqueue validates a signal against the registry and appends it to the
// queue, returning its queue id.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.EntityID == "" {
		return "", failure.New(failure.ValidationFailure, "MISSING_ENTITY", "entity_id is required")
	}
	if req.SourceHub == "" {
		return "", failure.New(failure.ValidationFailure, "MISSING_SOURCE", "source_hub is required")
	}
	entry, err := q.registry.Lookup(ctx, req.SignalType)
	if err != nil {
		return "", err
	}
	if req.Category != "" && req.Category != entry.Category {
		return "", failure.New(failure.ValidationFailure, "CATEGORY_MISMATCH",
			fmt.Sprintf("signal type %s has category %s, not %s", req.SignalType, entry.Category, req.Category)).
			WithEntity(req.EntityID)
	}
	if req.Magnitude < 0 {
		return "", failure.New(failure.ValidationFailure, "NEGATIVE_MAGNITUDE", "magnitude must not be negative")
	}
	if req.Magnitude == 0 {
		req.Magnitude = ir.DefaultMagnitude
	}

	now := q.clock.Now()
	if req.DetectedAt.IsZero() {
		req.DetectedAt = now
	}
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(req.DetectedAt) {
		return "", failure.New(failure.ValidationFailure, "EXPIRED_ON_ARRIVAL",
			"expires_at must be after detected_at").WithEntity(req.EntityID)
	}

	fingerprint, err := ir.Fingerprint(req.EntityID, req.SignalType, req.Payload)
	if err != nil {
		return "", failure.Wrap(failure.ValidationFailure, "INVALID_PAYLOAD", err).WithEntity(req.EntityID)
	}

	if err := q.quota.Check(req.SourceHub, now); err != nil {
		return "", failure.Wrap(failure.CapacityExceeded, "SOURCE_QUOTA_EXCEEDED", err)
	}

	payload := req.Payload
	if payload == nil {
		payload = ir.Payload{}
	}
	msg := ir.QueuedSignal{
		QueueID:        q.ids.Generate(),
		EntityID:       req.EntityID,
		SignalType:     req.SignalType,
		SignalCategory: entry.Category,
		Payload:        payload,
		Magnitude:      req.Magnitude,
		SourceHub:      req.SourceHub,
		Priority:       req.Priority,
		Fingerprint:    fingerprint,
		EnqueuedAt:     now,
		DetectedAt:     req.DetectedAt.UTC(),
		ExpiresAt:      req.ExpiresAt.UTC(),
		CorrelationID:  req.CorrelationID,
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.QueueID
	}

	err = q.store.EnqueueSignal(ctx, msg, Partition(req.EntityID, q.opts.Partitions), q.opts.MaxDepth)
	if err != nil {
		// a rejected signal does not count against its producer
		q.quota.Refund(req.SourceHub, now)
	}
	if errors.Is(err, store.ErrQueueFull) {
		return "", failure.Wrap(failure.CapacityExceeded, "QUEUE_FULL", err)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return msg.QueueID, nil
}

// Wait returns a channel that receives when new work may be available.
// Use in a select statement with ctx.Done() and a poll ticker.
func (q *Queue) Wait() <-chan struct{} {
	return q.wake
}

// DequeueBatch leases up to max messages of a partition (negative for all
// partitions). Messages that have already been delivered MaxAttempts times
// are dead-lettered instead of returned.
func (q *Queue) DequeueBatch(ctx context.Context, partition, max int) ([]ir.QueuedSignal, error) {
	batch, err := q.store.LeaseBatch(ctx, partition, max, q.clock.Now(), q.opts.Lease)
	if err != nil {
		return nil, err
	}
	out := batch[:0]
	for _, msg := range batch {
		if msg.Attempts > q.opts.MaxAttempts {
			reason := fmt.Sprintf("delivery attempts exhausted (%d)", q.opts.MaxAttempts)
			if err := q.store.DeadLetterSignal(ctx, msg.QueueID, reason); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Record turns a leased message into a stored signal. Redelivery returns
// the signal stored by the first delivery with inserted=false.
func (q *Queue) Record(ctx context.Context, msg ir.QueuedSignal) (ir.Signal, bool, error) {
	entry, err := q.registry.Lookup(ctx, msg.SignalType)
	if err != nil {
		return ir.Signal{}, false, err
	}
	signalID, err := ir.SignalID(msg.QueueID, msg.Fingerprint, msg.DetectedAt)
	if err != nil {
		return ir.Signal{}, false, err
	}
	sig := ir.Signal{
		SignalID:      signalID,
		QueueID:       msg.QueueID,
		EntityID:      msg.EntityID,
		SignalType:    msg.SignalType,
		Category:      entry.Category,
		Domain:        entry.Domain,
		Payload:       msg.Payload,
		Magnitude:     msg.Magnitude,
		SourceHub:     msg.SourceHub,
		Fingerprint:   msg.Fingerprint,
		DetectedAt:    msg.DetectedAt,
		ExpiresAt:     msg.ExpiresAt,
		CorrelationID: msg.CorrelationID,
		RecordedAt:    q.clock.Now(),
	}
	return q.store.RecordSignal(ctx, sig, entry.Validity())
}

// Ack marks a message delivered.
func (q *Queue) Ack(ctx context.Context, queueID string) error {
	return q.store.AckSignal(ctx, queueID)
}

// Release gives a leased message back without waiting for its lease.
func (q *Queue) Release(ctx context.Context, queueID string) error {
	return q.store.ReleaseSignal(ctx, queueID)
}

// DeadLetter parks a message with a reason.
func (q *Queue) DeadLetter(ctx context.Context, queueID, reason string) error {
	return q.store.DeadLetterSignal(ctx, queueID, reason)
}

// Requeue returns a dead letter to the queue with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, queueID string) error {
	if err := q.store.RequeueDeadLetter(ctx, queueID); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// DeadLetters lists dead messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]ir.QueuedSignal, error) {
	return q.store.ListDeadLetters(ctx, limit)
}

// Partition maps an entity to one of n partitions. All signals of an
// entity land in the same partition, so one consumer serializes them.
func Partition(entityID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(n))
}
