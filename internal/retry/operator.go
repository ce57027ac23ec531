package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
)

// Queue lists a hub's records for operator review. With no dispositions it
// lists parked and escalated records.
func (m *Manager) Queue(ctx context.Context, hubID string, dispositions ...ir.Disposition) ([]ir.ErrorRecord, error) {
	if _, err := m.adapter(hubID); err != nil {
		return nil, err
	}
	if len(dispositions) == 0 {
		dispositions = []ir.Disposition{ir.DispositionParked, ir.DispositionEscalated}
	}
	return m.store.ListErrorRecords(ctx, hubID, store.ErrorFilter{Dispositions: dispositions})
}

// Get returns one live record.
func (m *Manager) Get(ctx context.Context, hubID, errorID string) (ir.ErrorRecord, error) {
	if _, err := m.adapter(hubID); err != nil {
		return ir.ErrorRecord{}, err
	}
	return m.store.GetErrorRecord(ctx, hubID, errorID)
}

// Resolve closes a record from any live state.
func (m *Manager) Resolve(ctx context.Context, hubID, errorID, note, by string) (ir.ErrorRecord, error) {
	return m.operate(ctx, hubID, errorID, "resolve", func(rec *ir.ErrorRecord, now time.Time) error {
		if rec.Disposition == ir.DispositionResolved {
			return conflict(rec, "already resolved")
		}
		rec.Disposition = ir.DispositionResolved
		rec.ResolvedAt = now
		rec.ResolutionNote = note
		if by != "" {
			rec.ResolutionNote = fmt.Sprintf("%s (by %s)", note, by)
		}
		rec.NextRetryAt = time.Time{}
		return nil
	})
}

// ResolveEntity resolves every unresolved record of an entity at a hub,
// parked and escalated ones included. Used when the hub's work succeeds
// outside a scheduled retry.
func (m *Manager) ResolveEntity(ctx context.Context, hubID, entityID, note string) (int, error) {
	recs, err := m.store.ListErrorRecords(ctx, hubID, store.ErrorFilter{
		EntityID:     entityID,
		Dispositions: []ir.Disposition{
			ir.DispositionOpen, ir.DispositionRetrying, ir.DispositionParked, ir.DispositionEscalated,
		},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if _, err := m.Resolve(ctx, hubID, rec.ErrorID, note, ""); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Park hands a record to a human.
func (m *Manager) Park(ctx context.Context, hubID, errorID, reason, by string) (ir.ErrorRecord, error) {
	return m.operate(ctx, hubID, errorID, "park", func(rec *ir.ErrorRecord, now time.Time) error {
		if rec.Disposition == ir.DispositionResolved {
			return conflict(rec, "resolved records cannot be parked")
		}
		if by == "" {
			by = "operator"
		}
		park(rec, reason, by, now)
		return nil
	})
}

// Escalate raises a record one level, notifying operators.
func (m *Manager) Escalate(ctx context.Context, hubID, errorID, by string) (ir.ErrorRecord, error) {
	if _, err := m.adapter(hubID); err != nil {
		return ir.ErrorRecord{}, err
	}
	rec, err := m.store.GetErrorRecord(ctx, hubID, errorID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	if rec.Disposition == ir.DispositionResolved {
		return ir.ErrorRecord{}, conflict(&rec, "resolved records cannot be escalated")
	}
	if rec.EscalationLevel >= MaxEscalationLevel {
		return ir.ErrorRecord{}, conflict(&rec, "already at the top escalation level")
	}
	return m.escalate(ctx, rec, "escalated by "+by)
}

// Requeue schedules an immediate retry. An exhausted record is granted one
// more attempt.
func (m *Manager) Requeue(ctx context.Context, hubID, errorID string) (ir.ErrorRecord, error) {
	return m.operate(ctx, hubID, errorID, "requeue", func(rec *ir.ErrorRecord, now time.Time) error {
		if rec.Disposition == ir.DispositionResolved {
			return conflict(rec, "resolved records cannot be requeued")
		}
		rec.Disposition = ir.DispositionOpen
		rec.RetryAllowed = true
		rec.RetryExhausted = false
		if rec.RetryCount >= rec.MaxRetries {
			rec.MaxRetries = rec.RetryCount + 1
		}
		rec.NextRetryAt = now
		rec.ParkReason = ""
		rec.ParkedAt = time.Time{}
		rec.ParkedBy = ""
		return nil
	})
}

func (m *Manager) operate(ctx context.Context, hubID, errorID, action string, fn func(*ir.ErrorRecord, time.Time) error) (ir.ErrorRecord, error) {
	if _, err := m.adapter(hubID); err != nil {
		return ir.ErrorRecord{}, err
	}
	rec, err := m.store.GetErrorRecord(ctx, hubID, errorID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	now := m.clock.Now()
	if err := fn(&rec, now); err != nil {
		return ir.ErrorRecord{}, err
	}
	rec.UpdatedAt = now

	out, err := m.store.UpdateErrorRecord(ctx, rec)
	if err != nil {
		return ir.ErrorRecord{}, fmt.Errorf("%s %s/%s: %w", action, hubID, errorID, err)
	}
	m.logger.Info("operator action applied", "action", action, "hub", hubID,
		"error_id", errorID, "disposition", out.Disposition)
	return out, nil
}

func conflict(rec *ir.ErrorRecord, msg string) error {
	return failure.New(failure.AmbiguityConflict, "INVALID_TRANSITION", msg).
		WithHub(rec.HubID).WithEntity(rec.EntityID)
}
