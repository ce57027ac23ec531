// Package hub advances entities through the hub waterfall.
//
// Each (entity, hub) pair has one progress row that moves from pending to
// completed, or to error when the hub's core metric misses its healthy
// threshold. A hub that gates completion blocks every later hub in
// waterfall order until it completes; a non-gating hub runs independently.
// Failures are handed to the shared retry manager through a per-hub
// adapter, never handled here.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/bitgate/internal/doctrine"
	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/intake"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/lock"
	"github.com/roach88/bitgate/internal/retry"
	"github.com/roach88/bitgate/internal/store"
)

// pipelineStage labels error records opened by a hub pass.
const pipelineStage = "metric_evaluation"

// Enqueuer accepts signals emitted when a hub completes.
type Enqueuer interface {
	Enqueue(ctx context.Context, req intake.Request) (string, error)
}

// Orchestrator runs hub passes.
//
// A pass reads the hub's core metric for one entity and compares it with
// the hub's thresholds. Healthy completes the hub and emits its completion
// signal. A miss marks the progress row as error and opens (or reuses) an
// error record with the retry manager. Anything in between leaves the row
// pending with a reason.
//
// Thread-safety model:
//   - All exported methods are safe for concurrent use.
//   - Passes over the same (hub, entity) pair are serialized by the locker
//     (lock.HubKey).
//   - Different hubs and different entities proceed in parallel.
//
// INVARIANTS:
//   - A completed progress row is never reopened by a pass.
//   - A gating hub is never evaluated while an earlier gating hub is
//     incomplete for the same outreach id.
//   - One failing (entity, hub) pair holds at most one unresolved error
//     record per failure code, however many passes run.
type Orchestrator struct {
	store   *store.Store
	hubs    []ir.HubDefinition
	sources map[string]MetricSource
	retry   *retry.Manager
	signals Enqueuer
	locks   lock.Locker
	clock   ir.Clock
	ids     ir.IDGenerator
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSignals sets where completion signals go. Without it hubs complete
// silently.
func WithSignals(q Enqueuer) Option {
	return func(o *Orchestrator) {
		o.signals = q
	}
}

// WithMetricSource binds a metric source name to an implementation.
// The reported and band sources are bound by default; a hub naming any
// other source fails Register until one is bound here.
func WithMetricSource(name string, src MetricSource) Option {
	return func(o *Orchestrator) {
		o.sources[name] = src
	}
}

// WithLocker replaces the in-process locker. Defaults to lock.NewLocal().
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		o.locks = l
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New creates an orchestrator over the doctrine's hubs.
func New(st *store.Store, doc *doctrine.Doctrine, mgr *retry.Manager, clock ir.Clock, ids ir.IDGenerator, opts ...Option) *Orchestrator {
	hubs := make([]ir.HubDefinition, len(doc.Hubs))
	copy(hubs, doc.Hubs)
	sort.Slice(hubs, func(i, j int) bool { return hubs[i].WaterfallOrder < hubs[j].WaterfallOrder })

	o := &Orchestrator{
		store: st,
		hubs:  hubs,
		sources: map[string]MetricSource{
			ir.MetricReported: NewReportedMetrics(st),
			ir.MetricBand:     NewBandMetrics(st),
		},
		retry:  mgr,
		locks:  lock.NewLocal(),
		clock:  clock,
		ids:    ids,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register syncs the hub registry and binds every hub to the retry manager.
func (o *Orchestrator) Register(ctx context.Context) error {
	if err := o.store.SyncHubRegistry(ctx, o.hubs); err != nil {
		return err
	}
	for _, h := range o.hubs {
		if _, ok := o.sources[h.MetricSource]; !ok {
			return fmt.Errorf("hub %s: unknown metric source %q", h.HubID, h.MetricSource)
		}
		if err := o.retry.Register(ctx, &adapter{o: o, hub: h}); err != nil {
			return err
		}
	}
	return nil
}

// Hubs returns the hub definitions in waterfall order.
func (o *Orchestrator) Hubs() []ir.HubDefinition {
	out := make([]ir.HubDefinition, len(o.hubs))
	copy(out, o.hubs)
	return out
}

// Hub returns one hub definition.
func (o *Orchestrator) Hub(hubID string) (ir.HubDefinition, error) {
	for _, h := range o.hubs {
		if h.HubID == hubID {
			return h, nil
		}
	}
	return ir.HubDefinition{}, failure.New(failure.ValidationFailure, "UNKNOWN_HUB",
		fmt.Sprintf("hub %q is not defined", hubID))
}

// Progress returns an entity's progress rows in waterfall order.
func (o *Orchestrator) Progress(ctx context.Context, entityID string) ([]ir.HubProgress, error) {
	return o.store.ListHubProgress(ctx, entityID)
}

// ReportMetric stores a producer's reading of a hub's core metric. The next
// pass over the hub evaluates it.
func (o *Orchestrator) ReportMetric(ctx context.Context, hubID, entityID string, value int64, by string) error {
	h, err := o.Hub(hubID)
	if err != nil {
		return err
	}
	if entityID == "" {
		return failure.New(failure.ValidationFailure, "MISSING_ENTITY", "entity_id is required")
	}
	if h.MetricSource != ir.MetricReported {
		return failure.New(failure.ValidationFailure, "METRIC_NOT_REPORTED",
			fmt.Sprintf("hub %s reads %s from %s, not from reports", h.HubID, h.CoreMetric, h.MetricSource)).
			WithHub(h.HubID)
	}
	return o.store.ReportMetric(ctx, ir.MetricReading{
		EntityID:   entityID,
		HubID:      h.HubID,
		Metric:     h.CoreMetric,
		Value:      value,
		ReportedAt: o.clock.Now(),
		ReportedBy: by,
	})
}

// Pass evaluates one hub for one entity and saves the resulting progress.
//
// A metric miss is not an error of Pass: the progress row is saved with
// status error and the failure is handed to retry.Manager.Open, which
// either records it or finds the unresolved record already open for the
// same failure. The returned error is reserved for an unknown hub, a
// missing entity id and store failures.
//
// Passing an already completed hub returns its progress unchanged.
func (o *Orchestrator) Pass(ctx context.Context, hubID, entityID string) (ir.HubProgress, error) {
	h, err := o.Hub(hubID)
	if err != nil {
		return ir.HubProgress{}, err
	}
	r, err := o.pass(ctx, h, entityID, false)
	if err != nil {
		return ir.HubProgress{}, err
	}
	if r.failure != nil {
		if _, err := o.retry.Open(ctx, retry.Failure{
			HubID:         h.HubID,
			EntityID:      entityID,
			OutreachID:    r.progress.OutreachID,
			PipelineStage: pipelineStage,
			RawInput:      r.input,
			Err:           r.failure,
		}); err != nil {
			return r.progress, fmt.Errorf("record %s failure for %s: %w", h.HubID, entityID, err)
		}
	}
	return r.progress, nil
}

// SweepStats counts what one hub sweep did.
//
// Evaluated counts passes that returned without error; Completed, Failed
// and Blocked partition part of it by resulting status. Entities that stay
// pending while awaiting a metric count only toward Evaluated.
type SweepStats struct {
	Evaluated int
	Completed int

	// Failed counts passes that left the row in error, including rows
	// whose error record already existed.
	Failed int

	// Blocked counts rows held back by an earlier gating hub.
	Blocked int
}

// Sweep passes every known entity that has not completed the hub.
//
// Sweeps are idempotent with respect to error records: a hub that keeps
// failing for an entity is re-evaluated on every sweep, but the retry
// manager deduplicates on (entity, failure code), so the failure is
// recorded once and its retry budget is spent once.
//
// ERROR HANDLING: one entity's pass error is logged and the sweep moves
// on. Only listing failures and a cancelled context abort the sweep.
func (o *Orchestrator) Sweep(ctx context.Context, hubID string) (SweepStats, error) {
	var stats SweepStats
	if _, err := o.Hub(hubID); err != nil {
		return stats, err
	}
	entities, err := o.store.ListEntityIDs(ctx)
	if err != nil {
		return stats, fmt.Errorf("hub sweep %s: %w", hubID, err)
	}
	completed, err := o.store.ListHubProgressByStatus(ctx, hubID, ir.HubCompleted)
	if err != nil {
		return stats, fmt.Errorf("hub sweep %s: %w", hubID, err)
	}
	done := make(map[string]bool, len(completed))
	for _, p := range completed {
		done[p.EntityID] = true
	}

	for _, entityID := range entities {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if done[entityID] {
			continue
		}
		p, err := o.Pass(ctx, hubID, entityID)
		if err != nil {
			o.logger.Error("hub pass failed", "hub", hubID, "entity_id", entityID, "error", err)
			continue
		}
		stats.Evaluated++
		switch {
		case p.Status == ir.HubCompleted:
			stats.Completed++
		case p.Status == ir.HubError:
			stats.Failed++
		case isBlocked(p):
			stats.Blocked++
		}
	}
	o.logger.Debug("hub sweep finished", "hub", hubID, "evaluated", stats.Evaluated,
		"completed", stats.Completed, "failed", stats.Failed, "blocked", stats.Blocked)
	return stats, nil
}

// SweepAll sweeps every hub in waterfall order, so one sweep can carry an
// entity through several hubs.
func (o *Orchestrator) SweepAll(ctx context.Context) (SweepStats, error) {
	var total SweepStats
	for _, h := range o.hubs {
		s, err := o.Sweep(ctx, h.HubID)
		total.Evaluated += s.Evaluated
		total.Completed += s.Completed
		total.Failed += s.Failed
		total.Blocked += s.Blocked
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// passResult is the outcome of evaluating one hub.
type passResult struct {
	progress ir.HubProgress

	// failure is set when the metric missed the healthy threshold or could
	// not be read.
	failure error
	input   ir.Payload
}

const blockedPrefix = "blocked by "

func isBlocked(p ir.HubProgress) bool {
	return p.Status == ir.HubPending && strings.HasPrefix(p.StatusReason, blockedPrefix)
}

// pass evaluates h for entityID under the (hub, entity) lock. fromRetry is
// set when the retry manager drives the pass; it owns the record being
// retried, so the pass leaves error records alone.
func (o *Orchestrator) pass(ctx context.Context, h ir.HubDefinition, entityID string, fromRetry bool) (passResult, error) {
	if entityID == "" {
		return passResult{}, failure.New(failure.ValidationFailure, "MISSING_ENTITY", "entity_id is required")
	}
	release, err := o.locks.Lock(ctx, lock.HubKey(h.HubID, entityID))
	if err != nil {
		return passResult{}, err
	}
	defer release()

	now := o.clock.Now()
	outreachID, err := o.store.MintOutreachID(ctx, entityID, o.ids.Generate(), now)
	if err != nil {
		return passResult{}, err
	}

	p, err := o.store.GetHubProgress(ctx, outreachID, h.HubID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		p = ir.HubProgress{OutreachID: outreachID, EntityID: entityID, HubID: h.HubID, Status: ir.HubPending}
	default:
		return passResult{}, err
	}
	if p.Status == ir.HubCompleted {
		return passResult{progress: p}, nil
	}
	p.LastProcessedAt = now

	r := passResult{}
	blocker, err := o.blockedBy(ctx, h, outreachID)
	if err != nil {
		return passResult{}, err
	}
	if blocker != "" {
		p.Status = ir.HubPending
		p.StatusReason = blockedPrefix + blocker
		return o.save(ctx, p, r)
	}

	reading, err := o.sources[h.MetricSource].Read(ctx, h, entityID)
	if err != nil {
		p.Status = ir.HubError
		p.StatusReason = fmt.Sprintf("read %s: %v", h.CoreMetric, err)
		r.failure = classifyRead(err, h, entityID)
		r.input = ir.Payload{"metric": h.CoreMetric, "source": h.MetricSource}
		return o.save(ctx, p, r)
	}
	if !reading.Present {
		p.Status = ir.HubPending
		p.StatusReason = "awaiting " + h.CoreMetric
		return o.save(ctx, p, r)
	}

	v := reading.Value
	p.MetricValue = v
	r.input = ir.Payload{
		"metric":   h.CoreMetric,
		"value":    v,
		"healthy":  h.HealthyThreshold,
		"critical": h.CriticalThreshold,
	}
	switch {
	case v >= h.HealthyThreshold:
		return o.complete(ctx, h, p, fromRetry)
	case h.MetricSource == ir.MetricBand:
		// the band moves with signals, not with hub work; nothing to retry
		p.Status = ir.HubPending
		p.StatusReason = fmt.Sprintf("awaiting %s %d, at %d", h.CoreMetric, h.HealthyThreshold, v)
		r.input = nil
	case v <= h.CriticalThreshold:
		p.Status = ir.HubError
		p.StatusReason = fmt.Sprintf("%s %d at or below critical %d", h.CoreMetric, v, h.CriticalThreshold)
		r.failure = failure.New(failure.ValidationFailure, "METRIC_CRITICAL", p.StatusReason).
			WithHub(h.HubID).WithEntity(entityID)
	default:
		p.Status = ir.HubError
		p.StatusReason = fmt.Sprintf("%s %d below healthy %d", h.CoreMetric, v, h.HealthyThreshold)
		r.failure = failure.New(failure.StaleData, "METRIC_BELOW_HEALTHY", p.StatusReason).
			WithHub(h.HubID).WithEntity(entityID)
	}
	return o.save(ctx, p, r)
}

// blockedBy returns the first earlier gating hub the entity has not
// completed, or "".
func (o *Orchestrator) blockedBy(ctx context.Context, h ir.HubDefinition, outreachID string) (string, error) {
	if !h.GatesCompletion {
		return "", nil
	}
	for _, up := range o.hubs {
		if up.WaterfallOrder >= h.WaterfallOrder {
			break
		}
		if !up.GatesCompletion {
			continue
		}
		p, err := o.store.GetHubProgress(ctx, outreachID, up.HubID)
		if errors.Is(err, store.ErrNotFound) {
			return up.HubID, nil
		}
		if err != nil {
			return "", err
		}
		if p.Status != ir.HubCompleted {
			return up.HubID, nil
		}
	}
	return "", nil
}

// complete marks the hub completed, emitting its completion signal first so
// a failed enqueue leaves the hub open for the next pass.
func (o *Orchestrator) complete(ctx context.Context, h ir.HubDefinition, p ir.HubProgress, fromRetry bool) (passResult, error) {
	now := p.LastProcessedAt
	if h.EmitsSignal != "" && o.signals != nil {
		queueID, err := o.signals.Enqueue(ctx, intake.Request{
			EntityID:      p.EntityID,
			SignalType:    h.EmitsSignal,
			SourceHub:     h.HubID,
			Payload:       ir.Payload{"hub": h.HubID, "metric": h.CoreMetric, "value": p.MetricValue},
			DetectedAt:    now,
			CorrelationID: p.OutreachID,
		})
		if err != nil {
			return passResult{}, fmt.Errorf("emit %s for %s: %w", h.EmitsSignal, p.EntityID, err)
		}
		o.logger.Info("hub completion signal enqueued", "hub", h.HubID, "entity_id", p.EntityID,
			"signal_type", h.EmitsSignal, "queue_id", queueID)
	}

	p.Status = ir.HubCompleted
	p.StatusReason = fmt.Sprintf("%s %d meets healthy %d", h.CoreMetric, p.MetricValue, h.HealthyThreshold)
	p.CompletedAt = now
	r, err := o.save(ctx, p, passResult{})
	if err != nil {
		return r, err
	}
	o.logger.Info("hub completed", "hub", h.HubID, "entity_id", p.EntityID,
		"outreach_id", p.OutreachID, "metric", p.MetricValue)

	if !fromRetry {
		if _, err := o.retry.ResolveEntity(ctx, h.HubID, p.EntityID, "hub completed"); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (o *Orchestrator) save(ctx context.Context, p ir.HubProgress, r passResult) (passResult, error) {
	saved, err := o.store.SaveHubProgress(ctx, p)
	if err != nil {
		return passResult{}, err
	}
	r.progress = saved
	return r, nil
}

func classifyRead(err error, h ir.HubDefinition, entityID string) error {
	if _, ok := failure.KindOf(err); ok {
		return err
	}
	return failure.Wrap(failure.TransientExternal, "METRIC_UNAVAILABLE", err).
		WithHub(h.HubID).WithEntity(entityID)
}

// adapter binds one hub to the retry manager.
type adapter struct {
	o   *Orchestrator
	hub ir.HubDefinition
}

func (a *adapter) Hub() ir.HubDefinition {
	return a.hub
}

// Retry re-runs the hub pass for the record's entity.
func (a *adapter) Retry(ctx context.Context, rec ir.ErrorRecord) error {
	if rec.EntityID == "" {
		return failure.New(failure.ValidationFailure, "NO_ENTITY",
			"failure was recorded before the entity existed").WithHub(a.hub.HubID)
	}
	r, err := a.o.pass(ctx, a.hub, rec.EntityID, true)
	if err != nil {
		return err
	}
	if r.failure == nil && r.progress.Status != ir.HubCompleted {
		return failure.New(failure.StaleData, "HUB_NOT_READY", r.progress.StatusReason).
			WithHub(a.hub.HubID).WithEntity(rec.EntityID)
	}
	return r.failure
}
