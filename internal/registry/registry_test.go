package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
	"github.com/roach88/bitgate/internal/testutil"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, testutil.NewFakeClock(time.Time{})), st
}

func dolEntry() ir.RegistryEntry {
	return ir.RegistryEntry{
		SignalType:        "dol_filing_match",
		Category:          "pressure",
		Domain:            "benefits",
		FreshnessWindow:   90 * 24 * time.Hour,
		ValidityThreshold: 0,
		Weight:            3000,
		IsActive:          true,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	stored, err := r.Register(ctx, dolEntry())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	got, err := r.Lookup(ctx, "dol_filing_match")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestLookup_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Lookup(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSignalType)
	assert.True(t, failure.Is(err, failure.ValidationFailure))
}

func TestLookup_FallsBackToStore(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	// Registered by another process: only the store knows it.
	_, err := st.UpsertRegistryEntry(ctx, dolEntry(), testutil.Epoch)
	require.NoError(t, err)
	assert.Empty(t, r.List())

	got, err := r.Lookup(ctx, "dol_filing_match")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.Weight)
	assert.Len(t, r.List(), 1)
}

func TestSetActive_UpdatesCacheAndVersion(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Seed(ctx, []ir.RegistryEntry{dolEntry()}))

	off, err := r.SetActive(ctx, "dol_filing_match", false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	assert.Equal(t, int64(2), off.Version)

	got, err := r.Lookup(ctx, "dol_filing_match")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = r.SetActive(ctx, "nope", false)
	assert.ErrorIs(t, err, ErrUnknownSignalType)
}

func TestSeed_DoesNotOverwrite(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Seed(ctx, []ir.RegistryEntry{dolEntry()}))

	changed := dolEntry()
	changed.Weight = 1
	_, err := r.Register(ctx, changed)
	require.NoError(t, err)

	require.NoError(t, r.Seed(ctx, []ir.RegistryEntry{dolEntry()}))
	got, err := r.Lookup(ctx, "dol_filing_match")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Weight)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Seed(context.Background(), []ir.RegistryEntry{dolEntry()}))

	snap := r.Snapshot()
	delete(snap, "dol_filing_match")
	assert.Len(t, r.Snapshot(), 1)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ir.RegistryEntry)
	}{
		{"missing type", func(e *ir.RegistryEntry) { e.SignalType = "" }},
		{"missing domain", func(e *ir.RegistryEntry) { e.Domain = "" }},
		{"zero window", func(e *ir.RegistryEntry) { e.FreshnessWindow = 0 }},
		{"threshold too high", func(e *ir.RegistryEntry) { e.ValidityThreshold = 1000 }},
		{"negative weight", func(e *ir.RegistryEntry) { e.Weight = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := dolEntry()
			tt.mutate(&e)
			err := Validate(e)
			require.Error(t, err)
			assert.Equal(t, "INVALID_REGISTRY_ENTRY", failure.CodeOf(err))
		})
	}
	assert.NoError(t, Validate(dolEntry()))
}
