package band

import (
	"cmp"
	"slices"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

// defaultDomainWeight applies to domains the policy does not weight (1.0).
const defaultDomainWeight int64 = 1000

// Assessment is the band an entity's valid signals earn at one instant.
type Assessment struct {
	Band            ir.Band
	Score           int64
	DomainScores    map[string]int64
	ActiveDomains   []string
	PrimaryPressure string

	// AlignedDomainCount is the number of domains contributing a positive
	// score.
	AlignedDomainCount int

	// Evidence cites every counted signal, ordered by detection time.
	Evidence     ir.Evidence
	EvidenceHash string
	SignalIDs    []string

	// ValidUntil is the earliest validity expiry among the cited signals,
	// zero when nothing is cited.
	ValidUntil time.Time
}

// ValidUntil returns the instant a signal stops counting. The registry's
// freshness window bounds it; the validity threshold (permille) cuts the
// tail of the window off, and an explicit producer expiry can only shorten
// it.
func ValidUntil(sig ir.Signal, entry ir.RegistryEntry) time.Time {
	return sig.ValidUntil(entry.Validity())
}

// Valid reports whether a signal counts at now: it is not a duplicate, its
// type is registered and active, and now falls inside its validity.
func Valid(sig ir.Signal, entries map[string]ir.RegistryEntry, now time.Time) (ir.RegistryEntry, bool) {
	if sig.IsDuplicate {
		return ir.RegistryEntry{}, false
	}
	entry, ok := entries[sig.SignalType]
	if !ok || !entry.IsActive {
		return ir.RegistryEntry{}, false
	}
	if now.Before(sig.DetectedAt) || !now.Before(ValidUntil(sig, entry)) {
		return ir.RegistryEntry{}, false
	}
	return entry, true
}

// Contribution is the score a valid signal adds at now, in milli-units.
// Under step decay it is constant for the whole validity; under linear
// decay it falls with the remaining fraction of the validity.
func Contribution(sig ir.Signal, entry ir.RegistryEntry, policy ir.BandPolicy, now time.Time) int64 {
	magnitude := sig.Magnitude
	if magnitude == 0 {
		magnitude = ir.DefaultMagnitude
	}
	weight, ok := policy.DomainWeights[entry.Domain]
	if !ok {
		weight = defaultDomainWeight
	}
	c := magnitude * entry.Weight / 1000 * weight / 1000

	if policy.Decay == ir.DecayLinear {
		until := ValidUntil(sig, entry)
		total := until.Sub(sig.DetectedAt).Milliseconds()
		left := until.Sub(now).Milliseconds()
		if total <= 0 || left <= 0 {
			return 0
		}
		c = c * left / total
	}
	return c
}

// Assess computes the band earned by signals at now. It is a pure function
// of the signal set, the registry, the policy and now.
func Assess(signals []ir.Signal, entries map[string]ir.RegistryEntry, policy ir.BandPolicy, now time.Time) Assessment {
	a := Assessment{
		DomainScores: map[string]int64{},
		Evidence:     ir.Evidence{Signals: []ir.EvidenceSignal{}, DomainScores: map[string]int64{}},
	}

	for _, sig := range signals {
		entry, ok := Valid(sig, entries, now)
		if !ok {
			continue
		}
		c := Contribution(sig, entry, policy, now)
		until := ValidUntil(sig, entry)
		a.Evidence.Signals = append(a.Evidence.Signals, ir.EvidenceSignal{
			SignalID:     sig.SignalID,
			SignalType:   sig.SignalType,
			Domain:       entry.Domain,
			SourceHub:    sig.SourceHub,
			Magnitude:    sig.Magnitude,
			Contribution: c,
			DetectedAt:   sig.DetectedAt,
			ValidUntil:   until,
		})
		a.DomainScores[entry.Domain] += c
		a.Score += c
		if a.ValidUntil.IsZero() || until.Before(a.ValidUntil) {
			a.ValidUntil = until
		}
	}

	slices.SortFunc(a.Evidence.Signals, func(x, y ir.EvidenceSignal) int {
		if c := x.DetectedAt.Compare(y.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.SignalID, y.SignalID)
	})

	a.ActiveDomains = []string{}
	for domain, score := range a.DomainScores {
		a.Evidence.DomainScores[domain] = score
		if score <= 0 {
			continue
		}
		a.ActiveDomains = append(a.ActiveDomains, domain)
		best := a.DomainScores[a.PrimaryPressure]
		if a.PrimaryPressure == "" || score > best || (score == best && domain < a.PrimaryPressure) {
			a.PrimaryPressure = domain
		}
	}
	slices.Sort(a.ActiveDomains)
	a.AlignedDomainCount = len(a.ActiveDomains)

	a.SignalIDs = make([]string, len(a.Evidence.Signals))
	for i, s := range a.Evidence.Signals {
		a.SignalIDs[i] = s.SignalID
	}
	a.EvidenceHash = ir.EvidenceHash(a.SignalIDs)
	a.Band = Select(policy, a.Score, a.AlignedDomainCount)
	return a
}

// Select returns the highest tier whose score and domain thresholds are met.
func Select(policy ir.BandPolicy, score int64, domains int) ir.Band {
	b := ir.BandNone
	for _, t := range policy.Tiers {
		if score >= t.MinScore && domains >= t.MinDomains {
			b = t.Band
		}
	}
	return b
}
