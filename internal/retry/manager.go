// Package retry drives hub error records through their lifecycle:
//
//	open -> retrying -> resolved
//	                 -> retry exhausted -> escalated | parked
//	terminal records -> archived -> purged
//
// One Manager serves every hub. Hubs plug in through an Adapter, which names
// the hub definition and knows how to retry the hub's work for one entity;
// the manager never contains hub-specific logic.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
)

// MaxEscalationLevel is the top of the escalation ladder.
const MaxEscalationLevel = 3

// Adapter binds one hub to the manager.
type Adapter interface {
	// Hub returns the hub's definition.
	Hub() ir.HubDefinition

	// Retry re-runs the hub's work for the record's entity. A nil error
	// resolves the record.
	Retry(ctx context.Context, rec ir.ErrorRecord) error
}

// ArchiveSink receives a copy of each archived record.
type ArchiveSink interface {
	Archive(ctx context.Context, rec ir.ErrorRecord) error
}

// Failure describes a hub failure to record.
type Failure struct {
	HubID         string
	EntityID      string
	OutreachID    string
	CorrelationID string
	PipelineStage string
	RawInput      ir.Payload
	Err           error
}

// Options tunes the manager.
type Options struct {
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	EscalationInterval time.Duration
	BatchSize          int
}

func (o Options) withDefaults() Options {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 6 * time.Hour
	}
	if o.EscalationInterval <= 0 {
		o.EscalationInterval = 4 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Manager is the shared error lifecycle.
//
// Hubs never handle their own failures. They report them through Open and
// expose a retry hook through their Adapter; the manager owns everything
// after that: backoff scheduling, exhaustion, escalation and retention.
//
// Record lifecycle:
//
//	open -> retrying -> resolved
//	             \--> parked | escalated (retries exhausted)
//	parked | escalated -> resolved (hub completes, or operator resolves)
//	parked | escalated -> retrying (operator requeue)
//
// Thread-safety model:
//   - All methods are safe for concurrent use.
//   - Concurrent updates of one record are resolved by the store's version
//     check; the loser skips the record and counts it in Stats.Skipped.
//
// INVARIANTS:
//   - At most one unresolved record exists per (hub, entity, failure code).
//   - RetryCount never exceeds MaxRetries.
type Manager struct {
	store     *store.Store
	clock     ir.Clock
	ids       ir.IDGenerator
	retention map[string]ir.RetentionPolicy
	opts      Options
	notifier  Notifier
	sinks     []ArchiveSink
	logger    *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// New creates a manager. retention is keyed by ttl tier.
func New(st *store.Store, clock ir.Clock, ids ir.IDGenerator, retention map[string]ir.RetentionPolicy, opts Options) *Manager {
	return &Manager{
		store:     st,
		clock:     clock,
		ids:       ids,
		retention: retention,
		opts:      opts.withDefaults(),
		notifier:  NewLogNotifier(slog.Default()),
		logger:    slog.Default(),
		adapters:  make(map[string]Adapter),
	}
}

// SetNotifier replaces the escalation notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetLogger replaces the logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	m.logger = l
}

// AddSink registers an archive sink. Sink failures are logged and never
// block archiving.
func (m *Manager) AddSink(s ArchiveSink) {
	m.sinks = append(m.sinks, s)
}

// Register binds a hub adapter and makes sure the hub's tables exist.
func (m *Manager) Register(ctx context.Context, a Adapter) error {
	hubID := a.Hub().HubID
	if err := m.store.EnsureHubErrorTables(ctx, hubID); err != nil {
		return fmt.Errorf("register hub %s: %w", hubID, err)
	}
	m.mu.Lock()
	m.adapters[hubID] = a
	m.mu.Unlock()
	return nil
}

func (m *Manager) adapter(hubID string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[hubID]
	if !ok {
		return nil, failure.New(failure.ValidationFailure, "UNKNOWN_HUB",
			fmt.Sprintf("hub %q is not registered", hubID))
	}
	return a, nil
}

// HubIDs returns registered hubs in waterfall order.
func (m *Manager) HubIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.adapters[ids[i]].Hub().WaterfallOrder < m.adapters[ids[j]].Hub().WaterfallOrder
	})
	return ids
}

// Backoff returns the delay before retry attempt n (0-based): the base
// doubled n times, capped at the maximum.
func (m *Manager) Backoff(n int) time.Duration {
	d := m.opts.BaseBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	return d
}

// Open records a hub failure. While a record of the same code is unresolved
// for the entity (open, retrying, parked or escalated) that record is
// returned unchanged instead of opening a second one. A parked or escalated
// record therefore keeps its spent retry budget until an operator resolves
// or requeues it.
//
// Retryable kinds open a record with a scheduled retry. Ambiguity is parked
// for a human at once. Other non-retryable kinds skip straight to the hub's
// exhaustion policy.
func (m *Manager) Open(ctx context.Context, f Failure) (ir.ErrorRecord, error) {
	a, err := m.adapter(f.HubID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	hub := a.Hub()
	kind := failure.Classify(f.Err)
	code := failure.CodeOf(f.Err)

	if f.EntityID != "" {
		existing, err := m.store.FindUnresolvedError(ctx, hub.HubID, f.EntityID, code)
		switch {
		case err == nil:
			m.logger.Debug("hub failure already recorded", "hub", hub.HubID, "entity_id", f.EntityID,
				"error_id", existing.ErrorID, "code", code)
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return ir.ErrorRecord{}, err
		}
	}

	now := m.clock.Now()
	rec := ir.ErrorRecord{
		ErrorID:        m.ids.Generate(),
		HubID:          hub.HubID,
		OutreachID:     f.OutreachID,
		EntityID:       f.EntityID,
		CorrelationID:  f.CorrelationID,
		PipelineStage:  f.PipelineStage,
		FailureCode:    code,
		BlockingReason: message(f.Err),
		Severity:       failure.Severity(kind),
		ErrorType:      string(kind),
		RawInput:       f.RawInput,
		RetryAllowed:   failure.Retryable(kind),
		MaxRetries:     hub.MaxRetries,
		Disposition:    ir.DispositionOpen,
		TTLTier:        hub.TTLTier,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = rec.ErrorID
	}
	if rec.PipelineStage == "" {
		rec.PipelineStage = hub.HubID
	}
	if rec.RawInput == nil {
		rec.RawInput = ir.Payload{}
	}

	switch {
	case rec.RetryAllowed && rec.MaxRetries > 0:
		rec.RetryAfter = m.Backoff(0)
		rec.NextRetryAt = now.Add(rec.RetryAfter)
	case kind == failure.AmbiguityConflict:
		rec.RetryAllowed = false
		park(&rec, rec.BlockingReason, "bitgate", now)
	default:
		rec.RetryAllowed = false
		m.exhaust(&rec, hub, now)
	}

	stored, err := m.store.InsertErrorRecord(ctx, rec)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	m.logger.Warn("hub failure recorded",
		"hub", stored.HubID, "entity_id", stored.EntityID, "error_id", stored.ErrorID,
		"code", stored.FailureCode, "kind", stored.ErrorType, "disposition", stored.Disposition)
	if stored.Disposition == ir.DispositionEscalated {
		m.notify(ctx, stored, "retries unavailable")
	}
	return stored, nil
}

// exhaust applies the hub's exhaustion policy.
func (m *Manager) exhaust(rec *ir.ErrorRecord, hub ir.HubDefinition, now time.Time) {
	rec.RetryExhausted = true
	rec.NextRetryAt = time.Time{}
	if hub.OnExhaustion == ir.ExhaustPark {
		park(rec, fmt.Sprintf("retries exhausted after %d attempt(s): %s", rec.RetryCount, rec.BlockingReason), "bitgate", now)
		return
	}
	rec.Disposition = ir.DispositionEscalated
	rec.EscalationLevel = 1
	rec.EscalatedAt = now
	rec.UpdatedAt = now
}

func park(rec *ir.ErrorRecord, reason, by string, now time.Time) {
	rec.Disposition = ir.DispositionParked
	rec.ParkReason = reason
	rec.ParkedAt = now
	rec.ParkedBy = by
	rec.NextRetryAt = time.Time{}
	rec.UpdatedAt = now
}

func message(err error) string {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}

// Stats counts what one sweep did.
//
// Each sweep fills only the fields it owns: SweepHubRetries sets Retried,
// Resolved, Exhausted and Skipped; SweepEscalations sets Escalated and
// Skipped; the retention sweep sets Archived and Purged. Use Add to fold
// several sweeps into one report.
type Stats struct {
	// Retried counts retry attempts that were saved. Resolved and
	// Exhausted are subsets of it.
	Retried  int
	Resolved int

	// Exhausted counts records that ran out of retries or hit a
	// non-retryable failure and moved to the hub's exhaustion disposition.
	Exhausted int

	// Escalated counts records whose escalation level went up.
	Escalated int
	Archived  int
	Purged    int

	// Skipped counts records another writer changed first.
	Skipped int
}

// Add accumulates another sweep's stats.
func (s *Stats) Add(o Stats) {
	s.Retried += o.Retried
	s.Resolved += o.Resolved
	s.Exhausted += o.Exhausted
	s.Escalated += o.Escalated
	s.Archived += o.Archived
	s.Purged += o.Purged
	s.Skipped += o.Skipped
}

// SweepRetries runs every due retry of every registered hub.
func (m *Manager) SweepRetries(ctx context.Context) (Stats, error) {
	var total Stats
	for _, hubID := range m.HubIDs() {
		s, err := m.SweepHubRetries(ctx, hubID)
		total.Add(s)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SweepHubRetries runs the due retries of one hub.
func (m *Manager) SweepHubRetries(ctx context.Context, hubID string) (Stats, error) {
	var stats Stats
	a, err := m.adapter(hubID)
	if err != nil {
		return stats, err
	}
	due, err := m.store.DueRetries(ctx, hubID, m.clock.Now(), m.opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("retry sweep %s: %w", hubID, err)
	}

	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		out, err := m.retryOne(ctx, a, rec)
		if errors.Is(err, store.ErrVersionConflict) {
			stats.Skipped++
			continue
		}
		if err != nil {
			m.logger.Error("retry failed to save", "hub", hubID, "error_id", rec.ErrorID, "error", err)
			continue
		}
		stats.Retried++
		switch out.Disposition {
		case ir.DispositionResolved:
			stats.Resolved++
		case ir.DispositionEscalated, ir.DispositionParked:
			stats.Exhausted++
		}
	}
	return stats, nil
}

func (m *Manager) retryOne(ctx context.Context, a Adapter, rec ir.ErrorRecord) (ir.ErrorRecord, error) {
	now := m.clock.Now()
	rec.RetryCount++
	rec.LastRetryAt = now
	rec.Disposition = ir.DispositionRetrying
	rec.UpdatedAt = now

	retryErr := a.Retry(ctx, rec)
	switch {
	case retryErr == nil:
		rec.Disposition = ir.DispositionResolved
		rec.ResolvedAt = now
		rec.ResolutionNote = fmt.Sprintf("retry %d succeeded", rec.RetryCount)
		rec.NextRetryAt = time.Time{}
	case rec.RetryCount >= rec.MaxRetries || !failure.Retryable(failure.Classify(retryErr)):
		rec.BlockingReason = message(retryErr)
		m.exhaust(&rec, a.Hub(), now)
	default:
		rec.BlockingReason = message(retryErr)
		rec.RetryAfter = m.Backoff(rec.RetryCount)
		rec.NextRetryAt = now.Add(rec.RetryAfter)
	}

	out, err := m.store.UpdateErrorRecord(ctx, rec)
	if err != nil {
		return rec, err
	}
	m.logger.Info("hub retry attempted",
		"hub", out.HubID, "entity_id", out.EntityID, "error_id", out.ErrorID,
		"attempt", out.RetryCount, "disposition", out.Disposition)
	if out.Disposition == ir.DispositionEscalated {
		m.notify(ctx, out, "retries exhausted")
	}
	return out, nil
}

// SweepEscalations raises escalated records that stayed unresolved for the
// escalation interval, up to MaxEscalationLevel.
func (m *Manager) SweepEscalations(ctx context.Context) (Stats, error) {
	var stats Stats
	cutoff := m.clock.Now().Add(-m.opts.EscalationInterval)
	for _, hubID := range m.HubIDs() {
		due, err := m.store.EscalationsDue(ctx, hubID, cutoff, MaxEscalationLevel)
		if err != nil {
			return stats, fmt.Errorf("escalation sweep %s: %w", hubID, err)
		}
		for _, rec := range due {
			out, err := m.escalate(ctx, rec, "unresolved after "+m.opts.EscalationInterval.String())
			if errors.Is(err, store.ErrVersionConflict) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return stats, err
			}
			if out.EscalationLevel > rec.EscalationLevel {
				stats.Escalated++
			}
		}
	}
	return stats, nil
}

func (m *Manager) escalate(ctx context.Context, rec ir.ErrorRecord, why string) (ir.ErrorRecord, error) {
	if rec.EscalationLevel >= MaxEscalationLevel && rec.Disposition == ir.DispositionEscalated {
		return rec, nil
	}
	now := m.clock.Now()
	rec.Disposition = ir.DispositionEscalated
	rec.EscalationLevel++
	if rec.EscalationLevel > MaxEscalationLevel {
		rec.EscalationLevel = MaxEscalationLevel
	}
	rec.EscalatedAt = now
	rec.NextRetryAt = time.Time{}
	rec.UpdatedAt = now

	out, err := m.store.UpdateErrorRecord(ctx, rec)
	if err != nil {
		return rec, err
	}
	m.notify(ctx, out, why)
	return out, nil
}

func (m *Manager) notify(ctx context.Context, rec ir.ErrorRecord, why string) {
	if err := m.notifier.Notify(ctx, Notice{Record: rec, Reason: why}); err != nil {
		m.logger.Error("escalation notice failed", "hub", rec.HubID, "error_id", rec.ErrorID, "error", err)
	}
}

// SweepArchive moves terminal records past their tier's archive age into
// the archive tables, then purges archive rows past retention.
func (m *Manager) SweepArchive(ctx context.Context) (Stats, error) {
	var stats Stats
	now := m.clock.Now()
	tiers := make([]string, 0, len(m.retention))
	for tier := range m.retention {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	for _, hubID := range m.HubIDs() {
		for _, tier := range tiers {
			policy := m.retention[tier]
			recs, err := m.store.TerminalBefore(ctx, hubID, tier, now.Add(-policy.ArchiveAfter), m.opts.BatchSize)
			if err != nil {
				return stats, fmt.Errorf("archive sweep %s/%s: %w", hubID, tier, err)
			}
			for _, rec := range recs {
				reason := fmt.Sprintf("%s for %s in %s tier", rec.Disposition, policy.ArchiveAfter, tier)
				if _, err := m.archive(ctx, rec, reason, policy, now); err != nil {
					if errors.Is(err, store.ErrVersionConflict) {
						stats.Skipped++
						continue
					}
					return stats, err
				}
				stats.Archived++
			}
		}

		n, err := m.store.PurgeArchive(ctx, hubID, now)
		if err != nil {
			return stats, fmt.Errorf("purge %s: %w", hubID, err)
		}
		stats.Purged += n
	}
	if stats.Archived > 0 || stats.Purged > 0 {
		m.logger.Info("archive sweep finished", "archived", stats.Archived, "purged", stats.Purged)
	}
	return stats, nil
}

func (m *Manager) archive(ctx context.Context, rec ir.ErrorRecord, reason string, policy ir.RetentionPolicy, now time.Time) (ir.ErrorRecord, error) {
	rec.ArchivedAt = now
	rec.ArchiveReason = reason
	rec.RetentionExpiresAt = now.Add(policy.RetainFor)

	out, err := m.store.ArchiveErrorRecord(ctx, rec)
	if err != nil {
		return rec, err
	}
	for _, sink := range m.sinks {
		if err := sink.Archive(ctx, out); err != nil {
			m.logger.Error("archive sink failed", "hub", out.HubID, "error_id", out.ErrorID, "error", err)
		}
	}
	return out, nil
}
