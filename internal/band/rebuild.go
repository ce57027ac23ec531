package band

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/lock"
	"github.com/roach88/bitgate/internal/store"
)

// Replay folds a movement log into the phase state it implies.
func Replay(movements []ir.MovementEvent, policy ir.BandPolicy) (ir.PhaseState, error) {
	if len(movements) == 0 {
		return ir.PhaseState{}, store.ErrNotFound
	}
	var prev *ir.PhaseState
	for i, m := range movements {
		if m.Seq != int64(i+1) {
			return ir.PhaseState{}, fmt.Errorf("replay %s: movement %d has seq %d", m.EntityID, i+1, m.Seq)
		}
		st := apply(prev, m, policy)
		prev = &st
	}
	return *prev, nil
}

// Drift is a difference between a stored phase state and the state its
// movement log implies.
type Drift struct {
	EntityID string
	Stored   ir.PhaseState
	Rebuilt  ir.PhaseState

	// Missing is set when the movement log exists but no state row does.
	Missing bool

	// Fields names the differing fields.
	Fields []string
}

// Rebuild replays the movement log of every entity and compares it to the
// stored projection. With repair set, drifted rows are overwritten by the
// rebuilt state.
func (e *Engine) Rebuild(ctx context.Context, repair bool) ([]Drift, error) {
	ids, err := e.store.ListMovementEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	drifts := []Drift{}
	for _, id := range ids {
		d, drifted, err := e.rebuildEntity(ctx, id, repair)
		if err != nil {
			return drifts, err
		}
		if drifted {
			drifts = append(drifts, d)
		}
	}
	e.logger.Info("rebuild finished", "entities", len(ids), "drifted", len(drifts), "repair", repair)
	return drifts, nil
}

func (e *Engine) rebuildEntity(ctx context.Context, entityID string, repair bool) (Drift, bool, error) {
	release, err := e.locks.Lock(ctx, lock.EntityKey(entityID))
	if err != nil {
		return Drift{}, false, err
	}
	defer release()

	movements, err := e.store.ListMovements(ctx, entityID)
	if err != nil {
		return Drift{}, false, err
	}
	rebuilt, err := Replay(movements, e.policy)
	if err != nil {
		return Drift{}, false, err
	}

	d := Drift{EntityID: entityID, Rebuilt: rebuilt}
	stored, err := e.store.GetPhaseState(ctx, entityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.Missing = true
	case err != nil:
		return Drift{}, false, err
	default:
		d.Stored = stored
		d.Fields = diffStates(stored, rebuilt)
	}
	if !d.Missing && len(d.Fields) == 0 {
		return Drift{}, false, nil
	}

	e.logger.Warn("phase state drift", "entity_id", entityID, "missing", d.Missing, "fields", d.Fields)
	if repair {
		if err := e.store.RestorePhaseState(ctx, rebuilt); err != nil {
			return d, true, fmt.Errorf("repair %s: %w", entityID, err)
		}
	}
	return d, true, nil
}

// diffStates lists the fields in which two phase states differ.
func diffStates(a, b ir.PhaseState) []string {
	var fields []string
	check := func(name string, same bool) {
		if !same {
			fields = append(fields, name)
		}
	}
	sameTime := func(x, y time.Time) bool { return x.Equal(y) }

	check("current_band", a.CurrentBand == b.CurrentBand)
	check("phase_status", a.PhaseStatus == b.PhaseStatus)
	check("active_domain_flags", slices.Equal(a.ActiveDomainFlags, b.ActiveDomainFlags))
	check("primary_pressure", a.PrimaryPressure == b.PrimaryPressure)
	check("aligned_domain_count", a.AlignedDomainCount == b.AlignedDomainCount)
	check("score", a.Score == b.Score)
	check("evidence_hash", a.EvidenceHash == b.EvidenceHash)
	check("last_movement_at", sameTime(a.LastMovementAt, b.LastMovementAt))
	check("last_band_change_at", sameTime(a.LastBandChangeAt, b.LastBandChangeAt))
	check("phase_entered_at", sameTime(a.PhaseEnteredAt, b.PhaseEnteredAt))
	check("stasis_start", sameTime(a.StasisStart, b.StasisStart))
	check("stasis_years", a.StasisYears == b.StasisYears)
	check("next_review_at", sameTime(a.NextReviewAt, b.NextReviewAt))
	check("last_movement_seq", a.LastMovementSeq == b.LastMovementSeq)
	check("version", a.Version == b.Version)
	return fields
}
