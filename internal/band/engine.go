// Package band computes and commits entity bands.
//
// Assess is a pure function from an entity's valid signals and the current
// time to a band. Engine wraps it with the transactional part: it holds the
// entity's single-writer lock, decides whether anything changed, builds the
// proof first and only then commits movement, proof and phase state
// together. PhaseState is a projection of the movement log and can be
// rebuilt from it at any time.
package band

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/bitgate/internal/doctrine"
	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/lock"
	"github.com/roach88/bitgate/internal/proof"
	"github.com/roach88/bitgate/internal/registry"
	"github.com/roach88/bitgate/internal/store"
)

// maxCommitAttempts bounds retries after losing an optimistic version race.
const maxCommitAttempts = 3

// ProofGenerator builds the proof that justifies a transition.
type ProofGenerator interface {
	Generate(in proof.Input) (ir.ProofLine, error)
}

// Outcome is the result of one recompute.
//
// A recompute that finds nothing to change is not an error: Committed is
// false, Movement and Proof are zero, and State carries the phase state as
// it was read. Callers that only care whether authorization may have moved
// should check Committed and compare State.CurrentBand.
type Outcome struct {
	EntityID string

	// Committed reports whether a movement, its proof and the new phase
	// state were written in one transaction.
	Committed bool

	// Movement and Proof are set only when Committed.
	Movement ir.MovementEvent
	Proof    ir.ProofLine

	// State is the phase state after the recompute. Zero if the entity has
	// never moved.
	State ir.PhaseState
}

// Engine recomputes and commits entity bands.
//
// Every signal arrival, decay sweep and registry change ends in Recompute.
// The engine reads the entity's signals, assesses them against the registry
// snapshot and band policy, and commits at most one movement per call.
//
// Thread-safety model:
//   - Recompute and SweepDue may be called from any goroutine.
//   - Writes to one entity are serialized by the locker (lock.EntityKey).
//   - Different entities recompute concurrently.
//   - The phase state version guards against a writer that bypassed the
//     locker; a lost race is retried up to maxCommitAttempts times.
//
// INVARIANTS:
//   - A movement is never committed without its proof.
//   - Movement sequence numbers per entity are contiguous from 1.
//   - DetectedAt strictly increases per entity even if the clock stalls.
//   - PhaseState always equals the fold of the entity's movement log.
type Engine struct {
	store        *store.Store
	registry     *registry.Registry
	policy       ir.BandPolicy
	doctrineHash string
	proofs       ProofGenerator
	locks        lock.Locker
	clock        ir.Clock
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithProofGenerator replaces the default proof generator.
// Defaults to proof.NewGenerator(). Tests use it to force proof failures:
//
//	eng := band.New(st, reg, doc, clock, band.WithProofGenerator(failing{}))
func WithProofGenerator(g ProofGenerator) Option {
	return func(e *Engine) {
		e.proofs = g
	}
}

// WithLocker replaces the in-process locker, e.g. with a Redis lease lock
// shared across processes. Defaults to lock.NewLocal(), which only
// serializes recomputes inside one process.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.locks = l
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine over the doctrine's band policy.
//
// The doctrine hash is stamped on every movement the engine commits, so a
// movement can always be traced to the thresholds that produced it.
func New(st *store.Store, reg *registry.Registry, doc *doctrine.Doctrine, clock ir.Clock, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		registry:     reg,
		policy:       doc.Bands,
		doctrineHash: doc.Hash,
		proofs:       proof.NewGenerator(),
		locks:        lock.NewLocal(),
		clock:        clock,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the band policy in force.
func (e *Engine) Policy() ir.BandPolicy {
	return e.policy
}

// Recompute assesses an entity at the current time and commits a transition
// if its band, status, evidence or score changed.
//
// Steps, all under the entity lock:
//  1. Read the phase state (absent for a never-moved entity).
//  2. Assess the entity's valid signals at clock.Now().
//  3. Plan the movement. If nothing changed, clear the recompute flag and
//     return an uncommitted Outcome.
//  4. Build the proof. If the proof cannot be built nothing is committed
//     and a ProofGenerationFailure is returned.
//  5. Commit movement, proof and phase state in one transaction.
//
// A version conflict in step 5 restarts from step 1. Any other error is
// returned as is and leaves the store unchanged.
func (e *Engine) Recompute(ctx context.Context, entityID string) (Outcome, error) {
	release, err := e.locks.Lock(ctx, lock.EntityKey(entityID))
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		out, err := e.recompute(ctx, entityID)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxCommitAttempts {
			e.logger.Debug("phase state changed underneath recompute, retrying",
				"entity_id", entityID, "attempt", attempt)
			continue
		}
		return out, err
	}
}

func (e *Engine) recompute(ctx context.Context, entityID string) (Outcome, error) {
	now := e.clock.Now()
	out := Outcome{EntityID: entityID}

	var prev *ir.PhaseState
	st, err := e.store.GetPhaseState(ctx, entityID)
	switch {
	case err == nil:
		prev = &st
		out.State = st
	case errors.Is(err, store.ErrNotFound):
	default:
		return out, err
	}

	signals, err := e.store.ListSignals(ctx, entityID, time.Time{})
	if err != nil {
		return out, err
	}
	a := Assess(signals, e.registry.Snapshot(), e.policy, now)

	m, ok, err := e.plan(entityID, prev, a, now)
	if err != nil {
		return out, err
	}
	if !ok {
		e.logger.Debug("recompute changed nothing", "entity_id", entityID, "band", a.Band)
		if err := e.store.ClearRecompute(ctx, entityID); err != nil {
			return out, err
		}
		return out, nil
	}

	next := apply(prev, m, e.policy)
	p, err := e.proofs.Generate(proof.Input{
		EntityID:      entityID,
		Band:          m.ToBand,
		BandName:      e.policy.TierName(m.ToBand),
		Status:        m.ToStatus,
		PressureClass: m.PressureClass,
		Score:         m.Score,
		Evidence:      m.Evidence,
		MovementIDs:   []string{m.MovementID},
		GeneratedAt:   m.DetectedAt,
		ValidUntil:    m.ValidUntil,
	})
	if err != nil {
		if _, classified := failure.KindOf(err); !classified {
			err = failure.Wrap(failure.ProofGenerationFailure, "PROOF_FAILED", err).WithEntity(entityID)
		}
		e.logger.Error("proof generation failed, transition abandoned",
			"entity_id", entityID, "movement_id", m.MovementID, "error", err)
		return out, err
	}

	var expected int64
	if prev != nil {
		expected = prev.Version
	}
	if err := e.store.CommitTransition(ctx, store.Transition{
		Movement:        m,
		Proof:           p,
		State:           next,
		ExpectedVersion: expected,
	}); err != nil {
		return out, err
	}

	e.logger.Info("band transition committed",
		"entity_id", entityID,
		"movement_id", m.MovementID,
		"class", m.MovementClass,
		"from_band", m.FromBand,
		"to_band", m.ToBand,
		"status", m.ToStatus,
		"proof_id", p.ProofID)

	out.Committed = true
	out.Movement = m
	out.Proof = p
	out.State = next
	return out, nil
}

// plan turns an assessment into the movement to commit, if any.
// The bool is false when band, status, evidence, score and stasis years
// all match the previous state.
func (e *Engine) plan(entityID string, prev *ir.PhaseState, a Assessment, now time.Time) (ir.MovementEvent, bool, error) {
	if prev == nil && len(a.SignalIDs) == 0 {
		return ir.MovementEvent{}, false, nil
	}

	var (
		from       = ir.BandNone
		fromStatus = ir.StatusDormant
		fromScore  int64
		seq        int64 = 1
		detected         = now
	)
	if prev != nil {
		from = prev.CurrentBand
		fromStatus = prev.PhaseStatus
		fromScore = prev.Score
		seq = prev.LastMovementSeq + 1
		if !detected.After(prev.LastMovementAt) {
			detected = prev.LastMovementAt.Add(time.Nanosecond)
		}
	}

	evidenceChanged := prev == nil || prev.EvidenceHash != a.EvidenceHash
	scoreChanged := a.Score != fromScore
	status := nextStatus(prev, a.Band, evidenceChanged, e.policy, now)

	if prev != nil && a.Band == from && status == prev.PhaseStatus && !evidenceChanged && !scoreChanged {
		years := stasisYears(stasisStart(prev.LastBandChangeAt, e.policy), now)
		if years == prev.StasisYears {
			return ir.MovementEvent{}, false, nil
		}
	}

	m := ir.MovementEvent{
		EntityID:           entityID,
		Seq:                seq,
		SourceHub:          defaultSourceHub,
		SourceTable:        "signals",
		SourceFields:       sourceFields(a.Evidence),
		PressureClass:      a.PrimaryPressure,
		Magnitude:          abs(a.Score - fromScore),
		FromBand:           from,
		ToBand:             a.Band,
		FromStatus:         fromStatus,
		ToStatus:           status,
		Score:              a.Score,
		ActiveDomains:      a.ActiveDomains,
		AlignedDomainCount: a.AlignedDomainCount,
		EvidenceHash:       a.EvidenceHash,
		Evidence:           a.Evidence,
		DoctrineHash:       e.doctrineHash,
		DetectedAt:         detected,
		ValidFrom:          detected,
		ValidUntil:         a.ValidUntil,
	}
	if n := len(a.Evidence.Signals); n > 0 {
		m.SourceHub = a.Evidence.Signals[n-1].SourceHub
	}
	if m.ValidUntil.IsZero() {
		m.ValidUntil = detected
	}

	switch {
	case a.Band > from:
		m.MovementClass, m.Direction = ir.MovementBandIncrease, ir.DirectionUp
	case a.Band < from:
		m.MovementClass, m.Direction = ir.MovementBandDecrease, ir.DirectionDown
	case evidenceChanged || scoreChanged:
		m.MovementClass, m.Direction = ir.MovementEvidenceRefresh, ir.DirectionFlat
	default:
		m.MovementClass, m.Direction = ir.MovementStatusChange, ir.DirectionFlat
	}

	id, err := ir.MovementID(entityID, seq, a.EvidenceHash, from, a.Band)
	if err != nil {
		return ir.MovementEvent{}, false, err
	}
	m.MovementID = id
	return m, true, nil
}

func sourceFields(ev ir.Evidence) []string {
	fields := make([]string, 0, len(ev.Signals))
	for _, s := range ev.Signals {
		fields = append(fields, s.SignalType)
	}
	slices.Sort(fields)
	return slices.Compact(fields)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// SweepDue recomputes every entity flagged for recompute or past its review
// time, at most limit of them per call.
//
// Review times come from the committed phase state (see nextReview). They
// fall on the earliest point where the assessment could change by the clock
// alone, which is how bands decay without any signal arriving.
//
// ERROR HANDLING: a failed recompute is logged and the sweep moves on to
// the next entity; its recompute flag stays set so the next sweep picks it
// up again. Only a failure to list due entities or a cancelled context
// stops the sweep. Returns the number of committed transitions.
func (e *Engine) SweepDue(ctx context.Context, limit int) (int, error) {
	ids, err := e.store.EntitiesDueForReview(ctx, e.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("decay sweep: %w", err)
	}
	committed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		out, err := e.Recompute(ctx, id)
		if err != nil {
			e.logger.Error("decay sweep recompute failed", "entity_id", id, "error", err)
			continue
		}
		if out.Committed {
			committed++
		}
	}
	return committed, nil
}
