package proof

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
	"github.com/roach88/bitgate/internal/testutil"
)

var epoch = testutil.Epoch

func twoSignalInput() Input {
	return Input{
		EntityID:      "acme",
		Band:          2,
		BandName:      "engage",
		Status:        ir.StatusEscalating,
		PressureClass: "filing",
		Score:         4000,
		Evidence: ir.Evidence{
			Signals: []ir.EvidenceSignal{
				{SignalID: "sig-1", SignalType: "dol_filing_match", Domain: "filing", SourceHub: "dol",
					Magnitude: 1000, Contribution: 3000, DetectedAt: epoch, ValidUntil: epoch.Add(2160 * time.Hour)},
				{SignalID: "sig-2", SignalType: "content_change", Domain: "content", SourceHub: "blog",
					Magnitude: 1000, Contribution: 1000, DetectedAt: epoch, ValidUntil: epoch.Add(252 * time.Hour)},
			},
			DomainScores: map[string]int64{"filing": 3000, "content": 1000},
		},
		MovementIDs: []string{"mv-1"},
		GeneratedAt: epoch,
	}
}

func TestRender_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "render_two_signals", []byte(Render(twoSignalInput())))

	g.Assert(t, "render_no_evidence", []byte(Render(Input{
		EntityID:    "globex",
		Status:      ir.StatusDormant,
		MovementIDs: []string{"mv-9"},
		GeneratedAt: epoch,
	})))
}

func TestGenerate_ValidUntilIsShortestCitedValidity(t *testing.T) {
	in := twoSignalInput()
	in.ValidUntil = epoch.Add(1000 * time.Hour)

	p, err := NewGenerator().Generate(in)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(252*time.Hour), p.ValidUntil)
	assert.Equal(t, []string{"blog", "dol"}, p.Sources)
	assert.Equal(t, ir.ProofGenerator, p.GeneratedBy)
	assert.Equal(t, []string{"mv-1"}, p.MovementIDs)
	assert.False(t, p.Expired(epoch.Add(251*time.Hour)))
	assert.True(t, p.Expired(epoch.Add(252*time.Hour)))
}

func TestGenerate_EarlierRequestedExpiryWins(t *testing.T) {
	in := twoSignalInput()
	in.ValidUntil = epoch.Add(time.Hour)

	p, err := NewGenerator().Generate(in)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), p.ValidUntil)
}

func TestGenerate_NoEvidenceExpiresImmediately(t *testing.T) {
	p, err := NewGenerator().Generate(Input{
		EntityID: "acme", MovementIDs: []string{"mv-1"}, GeneratedAt: epoch,
		ValidUntil: epoch.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, p.Expired(epoch))
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := NewGenerator().Generate(twoSignalInput())
	require.NoError(t, err)
	b, err := NewGenerator().Generate(twoSignalInput())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		code   string
	}{
		{"no movement", func(in *Input) { in.MovementIDs = nil }, "NO_MOVEMENT"},
		{"no entity", func(in *Input) { in.EntityID = "" }, "MISSING_ENTITY"},
		{"no time", func(in *Input) { in.GeneratedAt = time.Time{} }, "MISSING_TIME"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := twoSignalInput()
			tt.mutate(&in)
			_, err := NewGenerator().Generate(in)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.ProofGenerationFailure))
			assert.Equal(t, tt.code, failure.CodeOf(err))
		})
	}
}

func TestExcerpt(t *testing.T) {
	p, err := NewGenerator().Generate(twoSignalInput())
	require.NoError(t, err)
	assert.Equal(t, "entity acme holds band 2 (engage), status escalating, as of 2026-01-05T09:00:00Z", Excerpt(p))
}

type fakeMovements map[string]ir.MovementEvent

func (f fakeMovements) MovementAsOf(_ context.Context, entityID string, t time.Time) (ir.MovementEvent, error) {
	m, ok := f[entityID]
	if !ok || m.DetectedAt.After(t) {
		return ir.MovementEvent{}, store.ErrNotFound
	}
	return m, nil
}

func TestAsOf(t *testing.T) {
	in := twoSignalInput()
	movements := fakeMovements{"acme": {
		MovementID: "mv-1", EntityID: "acme", ToBand: 2, ToStatus: ir.StatusEscalating,
		PressureClass: "filing", Score: 4000, Evidence: in.Evidence,
		DetectedAt: epoch, ValidUntil: epoch.Add(252 * time.Hour),
	}}
	policy := ir.BandPolicy{Tiers: []ir.BandTier{{Band: 1, Name: "watch"}, {Band: 2, Name: "engage"}}}

	p, err := NewGenerator().AsOf(context.Background(), movements, policy, "acme", epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ir.Band(2), p.Band)
	assert.Equal(t, []string{"mv-1"}, p.MovementIDs)
	assert.Equal(t, epoch.Add(time.Hour), p.GeneratedAt)
	assert.Contains(t, p.HumanReadable, "(engage)")

	_, err = NewGenerator().AsOf(context.Background(), movements, policy, "acme", epoch.Add(-time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
