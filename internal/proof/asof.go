package proof

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

// MovementReader finds the movement in force at a point in time.
type MovementReader interface {
	MovementAsOf(ctx context.Context, entityID string, t time.Time) (ir.MovementEvent, error)
}

// AsOf rebuilds the proof that justified an entity's band at t from the
// movement in force then. The evidence is exactly what that movement
// recorded; nothing is re-derived. The proof is not stored.
func (g *Generator) AsOf(ctx context.Context, movements MovementReader, policy ir.BandPolicy, entityID string, t time.Time) (ir.ProofLine, error) {
	m, err := movements.MovementAsOf(ctx, entityID, t)
	if err != nil {
		return ir.ProofLine{}, fmt.Errorf("as-of proof for %s at %s: %w", entityID, t.UTC().Format(time.RFC3339), err)
	}
	return g.Generate(Input{
		EntityID:      m.EntityID,
		Band:          m.ToBand,
		BandName:      policy.TierName(m.ToBand),
		Status:        m.ToStatus,
		PressureClass: m.PressureClass,
		Score:         m.Score,
		Evidence:      m.Evidence,
		MovementIDs:   []string{m.MovementID},
		GeneratedAt:   t,
		ValidUntil:    m.ValidUntil,
	})
}
