package hub

import (
	"context"
	"errors"

	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
)

// Reading is one evaluation of a hub's core metric.
type Reading struct {
	Value int64

	// Present is false when nothing has been measured yet.
	Present bool
}

// MetricSource reads a hub's core metric for an entity.
type MetricSource interface {
	Read(ctx context.Context, hub ir.HubDefinition, entityID string) (Reading, error)
}

// ReportedMetrics serves values reported by producers into hub_metrics.
type ReportedMetrics struct {
	store *store.Store
}

// NewReportedMetrics creates a source over reported readings.
func NewReportedMetrics(st *store.Store) *ReportedMetrics {
	return &ReportedMetrics{store: st}
}

// Read implements MetricSource.
func (r *ReportedMetrics) Read(ctx context.Context, hub ir.HubDefinition, entityID string) (Reading, error) {
	m, err := r.store.GetMetric(ctx, entityID, hub.HubID)
	if errors.Is(err, store.ErrNotFound) {
		return Reading{}, nil
	}
	if err != nil {
		return Reading{}, err
	}
	return Reading{Value: m.Value, Present: true}, nil
}

// BandMetrics serves the entity's current band as the metric.
type BandMetrics struct {
	store *store.Store
}

// NewBandMetrics creates a source over phase state.
func NewBandMetrics(st *store.Store) *BandMetrics {
	return &BandMetrics{store: st}
}

// Read implements MetricSource. An entity that never moved has no band yet.
func (b *BandMetrics) Read(ctx context.Context, _ ir.HubDefinition, entityID string) (Reading, error) {
	st, err := b.store.GetPhaseState(ctx, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return Reading{}, nil
	}
	if err != nil {
		return Reading{}, err
	}
	return Reading{Value: int64(st.CurrentBand), Present: true}, nil
}
