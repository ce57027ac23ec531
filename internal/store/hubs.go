package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/bitgate/internal/ir"
)

const hubColumns = `hub_id, doctrine_id, classification, waterfall_order, gates_completion,
	core_metric, metric_source, healthy_threshold, critical_threshold, max_retries,
	on_exhaustion, emits_signal, ttl_tier`

const progressColumns = `outreach_id, entity_id, hub_id, status, status_reason, metric_value,
	last_processed_at, completed_at, version`

// SyncHubRegistry upserts hub definitions and creates each hub's error and
// archive tables. Hubs missing from defs are left in place so existing
// progress rows keep their foreign key.
func (s *Store) SyncHubRegistry(ctx context.Context, defs []ir.HubDefinition) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, h := range defs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO hub_registry (`+hubColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(hub_id) DO UPDATE SET
					doctrine_id = excluded.doctrine_id,
					classification = excluded.classification,
					waterfall_order = excluded.waterfall_order,
					gates_completion = excluded.gates_completion,
					core_metric = excluded.core_metric,
					metric_source = excluded.metric_source,
					healthy_threshold = excluded.healthy_threshold,
					critical_threshold = excluded.critical_threshold,
					max_retries = excluded.max_retries,
					on_exhaustion = excluded.on_exhaustion,
					emits_signal = excluded.emits_signal,
					ttl_tier = excluded.ttl_tier
			`,
				h.HubID, h.DoctrineID, h.Classification, h.WaterfallOrder, boolInt(h.GatesCompletion),
				h.CoreMetric, h.MetricSource, h.HealthyThreshold, h.CriticalThreshold, h.MaxRetries,
				h.OnExhaustion, h.EmitsSignal, h.TTLTier,
			)
			if err != nil {
				return fmt.Errorf("upsert hub %s: %w", h.HubID, err)
			}
			if err := createErrorTables(ctx, tx, h.HubID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync hub registry: %w", err)
	}
	return nil
}

// ListHubDefinitions returns registered hubs in waterfall order.
func (s *Store) ListHubDefinitions(ctx context.Context) ([]ir.HubDefinition, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+hubColumns+` FROM hub_registry ORDER BY waterfall_order ASC, hub_id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list hubs: %w", err)
	}
	defer rows.Close()

	out := []ir.HubDefinition{}
	for rows.Next() {
		var (
			h     ir.HubDefinition
			gates int
		)
		if err := rows.Scan(&h.HubID, &h.DoctrineID, &h.Classification, &h.WaterfallOrder, &gates,
			&h.CoreMetric, &h.MetricSource, &h.HealthyThreshold, &h.CriticalThreshold,
			&h.MaxRetries, &h.OnExhaustion, &h.EmitsSignal, &h.TTLTier,
		); err != nil {
			return nil, fmt.Errorf("scan hub: %w", err)
		}
		h.GatesCompletion = gates == 1
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hubs: %w", err)
	}
	return out, nil
}

// SaveHubProgress writes a progress row with optimistic concurrency.
// p.Version is the version the caller read (0 for a new row); the stored
// row gets p.Version+1, which is returned.
func (s *Store) SaveHubProgress(ctx context.Context, p ir.HubProgress) (ir.HubProgress, error) {
	next := p
	next.Version = p.Version + 1

	if p.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO hub_progress (`+progressColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.OutreachID, p.EntityID, p.HubID, string(p.Status), p.StatusReason, p.MetricValue,
			toNanos(p.LastProcessedAt), toNanos(p.CompletedAt), next.Version,
		)
		if isConstraintError(err) {
			return ir.HubProgress{}, fmt.Errorf("hub progress %s/%s exists: %w", p.OutreachID, p.HubID, ErrVersionConflict)
		}
		if err != nil {
			return ir.HubProgress{}, fmt.Errorf("insert hub progress: %w", err)
		}
		return next, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE hub_progress SET
			status = ?, status_reason = ?, metric_value = ?, last_processed_at = ?,
			completed_at = ?, version = ?
		WHERE outreach_id = ? AND hub_id = ? AND version = ?
	`,
		string(p.Status), p.StatusReason, p.MetricValue, toNanos(p.LastProcessedAt),
		toNanos(p.CompletedAt), next.Version, p.OutreachID, p.HubID, p.Version,
	)
	if err != nil {
		return ir.HubProgress{}, fmt.Errorf("update hub progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ir.HubProgress{}, fmt.Errorf("hub progress %s/%s at version %d: %w",
			p.OutreachID, p.HubID, p.Version, ErrVersionConflict)
	}
	return next, nil
}

// GetHubProgress returns the progress row of one entity at one hub.
func (s *Store) GetHubProgress(ctx context.Context, outreachID, hubID string) (ir.HubProgress, error) {
	ps, err := s.queryProgress(ctx, `SELECT `+progressColumns+` FROM hub_progress
		WHERE outreach_id = ? AND hub_id = ?`, outreachID, hubID)
	if err != nil {
		return ir.HubProgress{}, err
	}
	if len(ps) == 0 {
		return ir.HubProgress{}, fmt.Errorf("hub progress %s/%s: %w", outreachID, hubID, ErrNotFound)
	}
	return ps[0], nil
}

// ListHubProgress returns an entity's progress rows in waterfall order.
func (s *Store) ListHubProgress(ctx context.Context, entityID string) ([]ir.HubProgress, error) {
	return s.queryProgress(ctx, `SELECT p.outreach_id, p.entity_id, p.hub_id, p.status,
			p.status_reason, p.metric_value, p.last_processed_at, p.completed_at, p.version
		FROM hub_progress p
		JOIN hub_registry h ON h.hub_id = p.hub_id
		WHERE p.entity_id = ?
		ORDER BY h.waterfall_order ASC`, entityID)
}

// ListHubProgressByStatus returns a hub's progress rows in one status.
func (s *Store) ListHubProgressByStatus(ctx context.Context, hubID string, status ir.HubStatus) ([]ir.HubProgress, error) {
	return s.queryProgress(ctx, `SELECT `+progressColumns+` FROM hub_progress
		WHERE hub_id = ? AND status = ?
		ORDER BY entity_id COLLATE BINARY ASC`, hubID, string(status))
}

func (s *Store) queryProgress(ctx context.Context, query string, args ...any) ([]ir.HubProgress, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hub progress: %w", err)
	}
	defer rows.Close()

	out := []ir.HubProgress{}
	for rows.Next() {
		var (
			p                    ir.HubProgress
			status               string
			processed, completed int64
		)
		if err := rows.Scan(&p.OutreachID, &p.EntityID, &p.HubID, &status, &p.StatusReason,
			&p.MetricValue, &processed, &completed, &p.Version,
		); err != nil {
			return nil, fmt.Errorf("scan hub progress: %w", err)
		}
		p.Status = ir.HubStatus(status)
		p.LastProcessedAt = fromNanos(processed)
		p.CompletedAt = fromNanos(completed)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hub progress: %w", err)
	}
	return out, nil
}

// ReportMetric stores the latest metric reading for an entity at a hub.
func (s *Store) ReportMetric(ctx context.Context, m ir.MetricReading) error {
	if err := s.EnsureEntity(ctx, m.EntityID, m.ReportedAt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hub_metrics (entity_id, hub_id, metric, value, reported_at, reported_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, hub_id) DO UPDATE SET
			metric = excluded.metric,
			value = excluded.value,
			reported_at = excluded.reported_at,
			reported_by = excluded.reported_by
	`, m.EntityID, m.HubID, m.Metric, m.Value, toNanos(m.ReportedAt), m.ReportedBy)
	if err != nil {
		return fmt.Errorf("report metric %s/%s: %w", m.EntityID, m.HubID, err)
	}
	return nil
}

// GetMetric returns the latest reading for an entity at a hub.
func (s *Store) GetMetric(ctx context.Context, entityID, hubID string) (ir.MetricReading, error) {
	var (
		m  ir.MetricReading
		at int64
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT entity_id, hub_id, metric, value, reported_at, reported_by
		FROM hub_metrics WHERE entity_id = ? AND hub_id = ?
	`, entityID, hubID).Scan(&m.EntityID, &m.HubID, &m.Metric, &m.Value, &at, &m.ReportedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MetricReading{}, fmt.Errorf("metric %s/%s: %w", entityID, hubID, ErrNotFound)
	}
	if err != nil {
		return ir.MetricReading{}, fmt.Errorf("get metric: %w", err)
	}
	m.ReportedAt = fromNanos(at)
	return m, nil
}
