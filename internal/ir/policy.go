package ir

import "time"

// DecayMode selects how a valid signal's contribution ages inside its window.
type DecayMode string

const (
	// DecayStep counts a signal at full weight until its validity expires.
	// The band is then a pure function of the valid-signal set.
	DecayStep DecayMode = "step"
	// DecayLinear scales the contribution by the remaining freshness.
	DecayLinear DecayMode = "linear"
)

// BandTier is one ordinal tier: the band is granted once the aggregated score
// reaches MinScore across at least MinDomains active pressure domains.
type BandTier struct {
	Band       Band   `json:"band"`
	Name       string `json:"name"`
	MinScore   int64  `json:"min_score"`
	MinDomains int    `json:"min_domains"`
}

// BandPolicy holds the coefficients of the band computation.
// Tiers are sorted by ascending Band.
type BandPolicy struct {
	Decay         DecayMode        `json:"decay"`
	StasisAfter   time.Duration    `json:"stasis_after"`
	Tiers         []BandTier       `json:"tiers"`
	DomainWeights map[string]int64 `json:"domain_weights"`
}

// TierName returns the configured name of a band, or "none".
func (p BandPolicy) TierName(b Band) string {
	for _, t := range p.Tiers {
		if t.Band == b {
			return t.Name
		}
	}
	return "none"
}

// MaxBand returns the highest configured band.
func (p BandPolicy) MaxBand() Band {
	if len(p.Tiers) == 0 {
		return BandNone
	}
	return p.Tiers[len(p.Tiers)-1].Band
}

// Retention tiers stamped on error records.
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// RetentionPolicy decides how long a terminal error record stays in its live
// table (ArchiveAfter) and how long the archived copy is kept (RetainFor).
type RetentionPolicy struct {
	Tier         string        `json:"tier"`
	ArchiveAfter time.Duration `json:"archive_after"`
	RetainFor    time.Duration `json:"retain_for"`
}
