package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/bitgate/internal/band"
	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/hub"
	"github.com/roach88/bitgate/internal/intake"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/retry"
)

// Options sizes the runtime. Zero fields take defaults.
type Options struct {
	BatchSize       int
	PollInterval    time.Duration
	HubInterval     time.Duration
	RetryInterval   time.Duration
	DecayInterval   time.Duration
	ArchiveInterval time.Duration

	// DecayBatch bounds how many entities one decay sweep recomputes.
	DecayBatch int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.HubInterval <= 0 {
		o.HubInterval = time.Minute
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.DecayInterval <= 0 {
		o.DecayInterval = 5 * time.Minute
	}
	if o.ArchiveInterval <= 0 {
		o.ArchiveInterval = time.Hour
	}
	if o.DecayBatch <= 0 {
		o.DecayBatch = 500
	}
	return o
}

// Runtime runs the ingestion consumers and background sweeps.
//
// Thread-safety model:
//   - Run(): call once; it owns all worker goroutines
//   - ProcessBatch() and the Sweep methods: safe from any goroutine
type Runtime struct {
	queue  *intake.Queue
	bands  *band.Engine
	hubs   *hub.Orchestrator
	retry  *retry.Manager
	opts   Options
	logger *slog.Logger
}

// NewRuntime creates a runtime over already wired components.
func NewRuntime(q *intake.Queue, bands *band.Engine, hubs *hub.Orchestrator, mgr *retry.Manager, opts Options, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		queue:  q,
		bands:  bands,
		hubs:   hubs,
		retry:  mgr,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Run starts every worker and blocks until ctx is cancelled. A cancelled
// context is a clean shutdown and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	r.logger.Info("runtime starting", "partitions", r.queue.Partitions(), "hubs", len(r.hubs.Hubs()))

	for p := 0; p < r.queue.Partitions(); p++ {
		partition := p
		g.Go(func() error { return r.consume(ctx, partition) })
	}
	for _, h := range r.hubs.Hubs() {
		hubID := h.HubID
		g.Go(func() error {
			return r.every(ctx, "hub:"+hubID, r.opts.HubInterval, func(ctx context.Context) error {
				_, err := r.hubs.Sweep(ctx, hubID)
				return err
			})
		})
	}
	g.Go(func() error { return r.every(ctx, "retry", r.opts.RetryInterval, r.SweepRetries) })
	g.Go(func() error { return r.every(ctx, "decay", r.opts.DecayInterval, r.SweepDecay) })
	g.Go(func() error { return r.every(ctx, "archive", r.opts.ArchiveInterval, r.SweepArchive) })

	err := g.Wait()
	r.logger.Info("runtime stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume drains one partition, waking on enqueue notifications and on a
// poll tick so expired leases are redelivered.
func (r *Runtime) consume(ctx context.Context, partition int) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.ProcessBatch(ctx, partition)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("dequeue failed", "partition", partition, "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.queue.Wait():
		case <-ticker.C:
		}
	}
}

// ProcessBatch leases and handles one batch of a partition (negative for
// every partition). Returns the number of messages leased.
func (r *Runtime) ProcessBatch(ctx context.Context, partition int) (int, error) {
	batch, err := r.queue.DequeueBatch(ctx, partition, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range batch {
		r.handle(ctx, msg)
	}
	return len(batch), nil
}

// Drain processes every partition until the queue has nothing deliverable.
func (r *Runtime) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.ProcessBatch(ctx, -1)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// handle records one message and recomputes its entity. Errors are logged
// and the message is released or dead-lettered; nothing is returned.
func (r *Runtime) handle(ctx context.Context, msg ir.QueuedSignal) {
	log := r.logger.With("queue_id", msg.QueueID, "entity_id", msg.EntityID, "signal_type", msg.SignalType)

	if err := r.apply(ctx, msg); err != nil {
		if failure.Is(err, failure.ValidationFailure) {
			log.Warn("signal rejected, dead-lettering", "error", err)
			if err := r.queue.DeadLetter(ctx, msg.QueueID, err.Error()); err != nil {
				log.Error("dead letter failed", "error", err)
			}
			return
		}
		log.Error("signal processing failed, releasing for redelivery", "attempt", msg.Attempts, "error", err)
		if err := r.queue.Release(ctx, msg.QueueID); err != nil {
			log.Error("release failed", "error", err)
		}
		return
	}
	if err := r.queue.Ack(ctx, msg.QueueID); err != nil {
		log.Error("ack failed", "error", err)
	}
}

func (r *Runtime) apply(ctx context.Context, msg ir.QueuedSignal) error {
	sig, inserted, err := r.queue.Record(ctx, msg)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if !inserted {
		r.logger.Debug("signal already recorded", "queue_id", msg.QueueID, "signal_id", sig.SignalID)
	}
	out, err := r.bands.Recompute(ctx, msg.EntityID)
	if err != nil {
		return fmt.Errorf("recompute: %w", err)
	}
	if out.Committed {
		r.logger.Debug("signal moved entity", "queue_id", msg.QueueID, "entity_id", msg.EntityID,
			"movement_id", out.Movement.MovementID, "band", out.State.CurrentBand)
	}
	return nil
}

// SweepRetries runs due hub retries, then climbs the escalation ladder.
func (r *Runtime) SweepRetries(ctx context.Context) error {
	stats, err := r.retry.SweepRetries(ctx)
	if err != nil {
		return err
	}
	esc, err := r.retry.SweepEscalations(ctx)
	if err != nil {
		return err
	}
	if stats.Retried > 0 || esc.Escalated > 0 {
		r.logger.Info("retry sweep finished", "retried", stats.Retried, "resolved", stats.Resolved,
			"exhausted", stats.Exhausted, "escalated", esc.Escalated)
	}
	return nil
}

// SweepDecay recomputes entities whose evidence is due to expire.
func (r *Runtime) SweepDecay(ctx context.Context) error {
	n, err := r.bands.SweepDue(ctx, r.opts.DecayBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("decay sweep finished", "committed", n)
	}
	return nil
}

// SweepArchive archives terminal error records and purges expired ones.
func (r *Runtime) SweepArchive(ctx context.Context) error {
	_, err := r.retry.SweepArchive(ctx)
	return err
}

// SweepHubs sweeps every hub once in waterfall order.
func (r *Runtime) SweepHubs(ctx context.Context) error {
	_, err := r.hubs.SweepAll(ctx)
	return err
}

// every runs fn immediately and then on each tick until ctx is done. A
// failed run is logged; the loop keeps going.
func (r *Runtime) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("sweep failed", "sweep", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
