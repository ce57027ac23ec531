package band

import (
	"slices"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

const (
	// year is the unit of stasis_years.
	year = 365 * 24 * time.Hour

	// minLinearReview bounds how often a linearly decaying entity is revisited.
	minLinearReview = time.Minute

	// defaultSourceHub is credited for movements that cite no signal.
	defaultSourceHub = "bit"
)

// nextStatus decides the phase status after a recompute at now.
func nextStatus(prev *ir.PhaseState, to ir.Band, evidenceChanged bool, policy ir.BandPolicy, now time.Time) ir.PhaseStatus {
	var from ir.Band
	if prev != nil {
		from = prev.CurrentBand
	}
	switch {
	case to > from:
		return ir.StatusEscalating
	case to < from:
		return ir.StatusRegressing
	case prev == nil || prev.LastBandChangeAt.IsZero():
		return ir.StatusDormant
	case policy.StasisAfter > 0 && !now.Before(prev.LastBandChangeAt.Add(policy.StasisAfter)):
		return ir.StatusStasis
	case evidenceChanged:
		return ir.StatusSustaining
	}
	return prev.PhaseStatus
}

// stasisYears counts whole years spent in stasis at t.
func stasisYears(start, t time.Time) int {
	if start.IsZero() || t.Before(start) {
		return 0
	}
	return int(t.Sub(start) / year)
}

// stasisStart is the instant a band held since lastChange enters stasis.
func stasisStart(lastChange time.Time, policy ir.BandPolicy) time.Time {
	if lastChange.IsZero() || policy.StasisAfter <= 0 {
		return time.Time{}
	}
	return lastChange.Add(policy.StasisAfter)
}

// apply projects a movement onto the previous state. Commits and rebuilds
// both go through apply, so replaying the log reproduces the stored state.
func apply(prev *ir.PhaseState, m ir.MovementEvent, policy ir.BandPolicy) ir.PhaseState {
	st := ir.PhaseState{
		EntityID:           m.EntityID,
		CurrentBand:        m.ToBand,
		PhaseStatus:        m.ToStatus,
		ActiveDomainFlags:  slices.Clone(m.ActiveDomains),
		PrimaryPressure:    m.PressureClass,
		AlignedDomainCount: m.AlignedDomainCount,
		Score:              m.Score,
		EvidenceHash:       m.EvidenceHash,
		LastMovementAt:     m.DetectedAt,
		LastMovementSeq:    m.Seq,
		Version:            1,
		UpdatedAt:          m.DetectedAt,
	}
	if st.ActiveDomainFlags == nil {
		st.ActiveDomainFlags = []string{}
	}

	if prev != nil {
		st.Version = prev.Version + 1
		st.LastBandChangeAt = prev.LastBandChangeAt
		st.PhaseEnteredAt = prev.PhaseEnteredAt
		if m.FromStatus != m.ToStatus {
			st.PhaseEnteredAt = m.DetectedAt
		}
	} else {
		st.PhaseEnteredAt = m.DetectedAt
	}
	if m.FromBand != m.ToBand {
		st.LastBandChangeAt = m.DetectedAt
	}

	st.StasisStart = stasisStart(st.LastBandChangeAt, policy)
	st.StasisYears = stasisYears(st.StasisStart, m.DetectedAt)
	st.NextReviewAt = nextReview(st, m, policy)
	return st
}

// nextReview is the earliest instant a recompute could change the state:
// the first cited signal expiring, a linear decay checkpoint, or the next
// stasis boundary.
func nextReview(st ir.PhaseState, m ir.MovementEvent, policy ir.BandPolicy) time.Time {
	var next time.Time
	earliest := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	if len(m.Evidence.Signals) > 0 {
		earliest(m.ValidUntil)
		if policy.Decay == ir.DecayLinear {
			step := m.ValidUntil.Sub(m.DetectedAt) / 4
			if step < minLinearReview {
				step = minLinearReview
			}
			earliest(m.DetectedAt.Add(step))
		}
	}

	if !st.StasisStart.IsZero() {
		if m.DetectedAt.Before(st.StasisStart) {
			earliest(st.StasisStart)
		} else {
			earliest(st.StasisStart.Add(time.Duration(st.StasisYears+1) * year))
		}
	}
	return next
}
