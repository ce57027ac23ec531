// Package proof builds the time-bounded justifications the authorization
// gate cites.
//
// A proof references the movement events that justified its band and never
// outlives the shortest validity among the signals it cites. Proofs are
// built before the transition they justify is committed; if a proof cannot
// be built the transition is abandoned.
package proof

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
)

// Input is everything a proof is built from.
type Input struct {
	EntityID      string
	Band          ir.Band
	BandName      string
	Status        ir.PhaseStatus
	PressureClass string
	Score         int64
	Evidence      ir.Evidence
	MovementIDs   []string
	GeneratedAt   time.Time

	// ValidUntil is the requested expiry. It is clamped to the earliest
	// validity among the cited signals; with no cited signals the proof
	// expires as it is generated.
	ValidUntil time.Time
}

// Generator builds proof lines.
type Generator struct {
	by string
}

// NewGenerator creates a generator stamping proofs with ir.ProofGenerator.
func NewGenerator() *Generator {
	return &Generator{by: ir.ProofGenerator}
}

// Generate builds a proof line. Errors are ProofGenerationFailure.
func (g *Generator) Generate(in Input) (ir.ProofLine, error) {
	if in.EntityID == "" {
		return ir.ProofLine{}, fail("MISSING_ENTITY", "entity_id is required", in.EntityID)
	}
	if len(in.MovementIDs) == 0 {
		return ir.ProofLine{}, fail("NO_MOVEMENT", "a proof must cite at least one movement", in.EntityID)
	}
	if in.GeneratedAt.IsZero() {
		return ir.ProofLine{}, fail("MISSING_TIME", "generated_at is required", in.EntityID)
	}

	in.ValidUntil = clampValidity(in)

	movements := slices.Clone(in.MovementIDs)
	id, err := ir.ProofID(in.EntityID, in.Band, movements, in.ValidUntil)
	if err != nil {
		return ir.ProofLine{}, failure.Wrap(failure.ProofGenerationFailure, "PROOF_ID", err).WithEntity(in.EntityID)
	}

	return ir.ProofLine{
		ProofID:       id,
		EntityID:      in.EntityID,
		Band:          in.Band,
		PressureClass: in.PressureClass,
		Sources:       Sources(in.Evidence),
		Evidence:      in.Evidence,
		MovementIDs:   movements,
		HumanReadable: Render(in),
		GeneratedAt:   in.GeneratedAt.UTC(),
		ValidUntil:    in.ValidUntil.UTC(),
		GeneratedBy:   g.by,
	}, nil
}

func clampValidity(in Input) time.Time {
	if len(in.Evidence.Signals) == 0 {
		return in.GeneratedAt
	}
	earliest := in.Evidence.Signals[0].ValidUntil
	for _, s := range in.Evidence.Signals[1:] {
		if s.ValidUntil.Before(earliest) {
			earliest = s.ValidUntil
		}
	}
	if in.ValidUntil.IsZero() || earliest.Before(in.ValidUntil) {
		return earliest
	}
	return in.ValidUntil
}

// Sources returns the distinct source hubs of the cited signals, sorted.
func Sources(ev ir.Evidence) []string {
	out := make([]string, 0, len(ev.Signals))
	for _, s := range ev.Signals {
		if !slices.Contains(out, s.SourceHub) {
			out = append(out, s.SourceHub)
		}
	}
	slices.Sort(out)
	return out
}

// Render produces the audit text of a proof. The first line is the excerpt
// returned with denials.
func Render(in Input) string {
	var b strings.Builder

	name := in.BandName
	if name == "" {
		name = "none"
	}
	fmt.Fprintf(&b, "entity %s holds band %d (%s), status %s, as of %s\n",
		in.EntityID, in.Band, name, in.Status, stamp(in.GeneratedAt))

	pressure := in.PressureClass
	if pressure == "" {
		pressure = "none"
	}
	domains := slices.Sorted(maps.Keys(in.Evidence.DomainScores))
	scores := make([]string, len(domains))
	for i, d := range domains {
		scores[i] = fmt.Sprintf("%s=%d", d, in.Evidence.DomainScores[d])
	}
	fmt.Fprintf(&b, "pressure %s; score %d across %d domain(s)", pressure, in.Score, len(domains))
	if len(scores) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(scores, ", "))
	}
	b.WriteString("\n")

	if len(in.Evidence.Signals) == 0 {
		b.WriteString("evidence: none\n")
	} else {
		b.WriteString("evidence:\n")
		for _, s := range in.Evidence.Signals {
			fmt.Fprintf(&b, "  - %s (%s) from %s detected %s: +%d, valid until %s\n",
				s.SignalType, s.Domain, s.SourceHub, stamp(s.DetectedAt), s.Contribution, stamp(s.ValidUntil))
		}
	}
	fmt.Fprintf(&b, "movements: %s\n", strings.Join(in.MovementIDs, ", "))
	fmt.Fprintf(&b, "proof valid until %s", stamp(clampValidity(in)))
	return b.String()
}

// Excerpt returns the first line of a proof's audit text.
func Excerpt(p ir.ProofLine) string {
	line, _, _ := strings.Cut(p.HumanReadable, "\n")
	return line
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fail(code, message, entityID string) error {
	return failure.New(failure.ProofGenerationFailure, code, message).WithEntity(entityID)
}
