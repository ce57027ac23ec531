package store

import (
	"context"
	"fmt"

	"github.com/roach88/bitgate/internal/ir"
)

const authorizationColumns = `authorization_id, entity_id, requested_action, requested_band,
	required_band, authorized, actual_band, denial_reason, proof_id, proof_valid,
	proof_excerpt, requested_by, requested_at`

// AppendAuthorization appends one decision to the authorization log.
func (s *Store) AppendAuthorization(ctx context.Context, rec ir.AuthorizationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_log (`+authorizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.AuthorizationID, rec.EntityID, rec.RequestedAction, int(rec.RequestedBand),
		int(rec.RequiredBand), boolInt(rec.Authorized), int(rec.ActualBand),
		string(rec.DenialReason), rec.ProofID, boolInt(rec.ProofValid), rec.ProofExcerpt,
		rec.RequestedBy, toNanos(rec.RequestedAt),
	)
	if err != nil {
		return fmt.Errorf("append authorization %s: %w", rec.AuthorizationID, err)
	}
	return nil
}

// ListAuthorizations returns logged decisions, oldest first. An empty
// entityID lists every entity.
func (s *Store) ListAuthorizations(ctx context.Context, entityID string, limit int) ([]ir.AuthorizationRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + authorizationColumns + ` FROM authorization_log`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY requested_at ASC, authorization_id COLLATE BINARY ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list authorizations: %w", err)
	}
	defer rows.Close()

	out := []ir.AuthorizationRecord{}
	for rows.Next() {
		var (
			rec                         ir.AuthorizationRecord
			requested, required, actual int
			authorized, proofValid      int
			reason                      string
			at                          int64
		)
		if err := rows.Scan(&rec.AuthorizationID, &rec.EntityID, &rec.RequestedAction,
			&requested, &required, &authorized, &actual, &reason, &rec.ProofID,
			&proofValid, &rec.ProofExcerpt, &rec.RequestedBy, &at,
		); err != nil {
			return nil, fmt.Errorf("scan authorization: %w", err)
		}
		rec.RequestedBand = ir.Band(requested)
		rec.RequiredBand = ir.Band(required)
		rec.ActualBand = ir.Band(actual)
		rec.Authorized = authorized == 1
		rec.ProofValid = proofValid == 1
		rec.DenialReason = ir.DenialReason(reason)
		rec.RequestedAt = fromNanos(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authorizations: %w", err)
	}
	return out, nil
}

// CountAuthorizations counts logged decisions for an entity.
func (s *Store) CountAuthorizations(ctx context.Context, entityID string) (int, error) {
	var n int
	if err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authorization_log WHERE entity_id = ?`, entityID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count authorizations: %w", err)
	}
	return n, nil
}
