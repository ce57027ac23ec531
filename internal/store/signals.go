package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

const signalColumns = `signal_id, queue_id, entity_id, signal_type, category, domain, payload,
	magnitude, source_hub, fingerprint, detected_at, expires_at, correlation_id,
	is_duplicate, duplicate_of, recorded_at`

// RecordSignal stores a delivered signal and flags its entity for recompute.
//
// Redelivery of the same queue message returns the stored signal with
// inserted=false. validity is how long a signal of this type counts after
// detection (see ir.RegistryEntry.Validity). A signal whose fingerprint
// matches a non-duplicate signal of the same entity whose validity overlaps
// its own is stored with IsDuplicate set and DuplicateOf naming the
// original; duplicates never count toward the band. Once the original has
// stopped counting, through age, threshold or its own expires_at, the same
// fact detected again is recorded as a fresh original.
func (s *Store) RecordSignal(ctx context.Context, sig ir.Signal, validity time.Duration) (ir.Signal, bool, error) {
	payload, err := marshalPayload(sig.Payload)
	if err != nil {
		return ir.Signal{}, false, fmt.Errorf("record signal: %w", err)
	}

	var (
		out      ir.Signal
		inserted bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := querySignals(ctx, tx,
			`SELECT `+signalColumns+` FROM signals WHERE queue_id = ?`, sig.QueueID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing[0]
			return nil
		}

		if err := ensureEntity(ctx, tx, sig.EntityID, sig.RecordedAt); err != nil {
			return err
		}

		sig.IsDuplicate = false
		sig.DuplicateOf = ""
		candidates, err := querySignals(ctx, tx, `SELECT `+signalColumns+` FROM signals
			WHERE entity_id = ? AND fingerprint = ? AND is_duplicate = 0
				AND detected_at > ? AND detected_at < ?
			ORDER BY detected_at ASC, signal_id COLLATE BINARY ASC`,
			sig.EntityID, sig.Fingerprint,
			toNanos(sig.DetectedAt.Add(-validity)), toNanos(sig.ValidUntil(validity)),
		)
		if err != nil {
			return fmt.Errorf("duplicate lookup: %w", err)
		}
		for _, c := range candidates {
			if sig.DetectedAt.Before(c.ValidUntil(validity)) {
				sig.IsDuplicate = true
				sig.DuplicateOf = c.SignalID
				break
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO signals (`+signalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			sig.SignalID, sig.QueueID, sig.EntityID, sig.SignalType, sig.Category, sig.Domain,
			payload, sig.Magnitude, sig.SourceHub, sig.Fingerprint,
			toNanos(sig.DetectedAt), toNanos(sig.ExpiresAt), sig.CorrelationID,
			boolInt(sig.IsDuplicate), sig.DuplicateOf, toNanos(sig.RecordedAt),
		)
		if err != nil {
			return fmt.Errorf("insert signal %s: %w", sig.SignalID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET needs_recompute = 1 WHERE entity_id = ?`, sig.EntityID,
		); err != nil {
			return fmt.Errorf("flag recompute: %w", err)
		}
		out = sig
		inserted = true
		return nil
	})
	if err != nil {
		return ir.Signal{}, false, fmt.Errorf("record signal: %w", err)
	}
	return out, inserted, nil
}

// ListSignals returns an entity's signals detected at or after since,
// duplicates included, ordered by detection time.
func (s *Store) ListSignals(ctx context.Context, entityID string, since time.Time) ([]ir.Signal, error) {
	sigs, err := querySignals(ctx, s.reader, `SELECT `+signalColumns+` FROM signals
		WHERE entity_id = ? AND detected_at >= ?
		ORDER BY detected_at ASC, signal_id COLLATE BINARY ASC`,
		entityID, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("list signals %s: %w", entityID, err)
	}
	return sigs, nil
}

// GetSignal returns one stored signal.
func (s *Store) GetSignal(ctx context.Context, signalID string) (ir.Signal, error) {
	sigs, err := querySignals(ctx, s.reader,
		`SELECT `+signalColumns+` FROM signals WHERE signal_id = ?`, signalID)
	if err != nil {
		return ir.Signal{}, err
	}
	if len(sigs) == 0 {
		return ir.Signal{}, fmt.Errorf("signal %s: %w", signalID, ErrNotFound)
	}
	return sigs[0], nil
}

func querySignals(ctx context.Context, q querier, query string, args ...any) ([]ir.Signal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	out := []ir.Signal{}
	for rows.Next() {
		var (
			sig                         ir.Signal
			payload                     string
			detected, expires, recorded int64
			duplicate                   int
		)
		if err := rows.Scan(&sig.SignalID, &sig.QueueID, &sig.EntityID, &sig.SignalType,
			&sig.Category, &sig.Domain, &payload, &sig.Magnitude, &sig.SourceHub,
			&sig.Fingerprint, &detected, &expires, &sig.CorrelationID,
			&duplicate, &sig.DuplicateOf, &recorded,
		); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if sig.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, err
		}
		sig.DetectedAt = fromNanos(detected)
		sig.ExpiresAt = fromNanos(expires)
		sig.RecordedAt = fromNanos(recorded)
		sig.IsDuplicate = duplicate == 1
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}
