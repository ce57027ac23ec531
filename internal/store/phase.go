package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

const phaseColumns = `entity_id, current_band, phase_status, active_domain_flags, primary_pressure,
	aligned_domain_count, score, evidence_hash, last_movement_at, last_band_change_at,
	phase_entered_at, stasis_start, stasis_years, next_review_at, last_movement_seq,
	version, updated_at`

const movementColumns = `movement_id, entity_id, seq, source_hub, source_table, source_fields,
	movement_class, pressure_class, direction, magnitude, from_band, to_band, from_status,
	to_status, score, active_domains, aligned_domain_count, evidence_hash, evidence,
	doctrine_hash, detected_at, valid_from, valid_until`

const proofColumns = `proof_id, entity_id, band, pressure_class, sources, evidence, movement_ids,
	human_readable, generated_at, valid_until, generated_by`

// Transition is one committed change of an entity's phase state.
type Transition struct {
	Movement ir.MovementEvent
	Proof    ir.ProofLine

	// State is the new projection. Its Version must be ExpectedVersion+1.
	State ir.PhaseState

	// ExpectedVersion is the version the caller read; 0 means no row yet.
	ExpectedVersion int64
}

// CommitTransition writes a movement, its proof and the new phase state in
// one transaction, in that order. If another writer changed the phase state
// since ExpectedVersion was read, nothing is written and ErrVersionConflict
// is returned.
func (s *Store) CommitTransition(ctx context.Context, t Transition) error {
	if t.State.EntityID != t.Movement.EntityID || t.Proof.EntityID != t.Movement.EntityID {
		return fmt.Errorf("commit transition: entity mismatch")
	}
	if t.State.Version != t.ExpectedVersion+1 {
		return fmt.Errorf("commit transition: state version %d does not follow %d",
			t.State.Version, t.ExpectedVersion)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureEntity(ctx, tx, t.State.EntityID, t.State.UpdatedAt); err != nil {
			return err
		}
		if err := insertMovement(ctx, tx, t.Movement); err != nil {
			return err
		}
		if err := insertProof(ctx, tx, t.Proof); err != nil {
			return err
		}
		if err := writePhaseState(ctx, tx, t.State, t.ExpectedVersion); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET needs_recompute = 0 WHERE entity_id = ?`, t.State.EntityID,
		); err != nil {
			return fmt.Errorf("clear recompute: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit transition %s: %w", t.Movement.MovementID, err)
	}
	return nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m ir.MovementEvent) error {
	fields, err := marshalStrings(m.SourceFields)
	if err != nil {
		return err
	}
	domains, err := marshalStrings(m.ActiveDomains)
	if err != nil {
		return err
	}
	evidence, err := marshalEvidence(m.Evidence)
	if err != nil {
		return err
	}

	var lastDetected int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(detected_at), 0) FROM movement_events WHERE entity_id = ?`, m.EntityID,
	).Scan(&lastDetected)
	if err != nil {
		return fmt.Errorf("read last movement: %w", err)
	}
	if toNanos(m.DetectedAt) <= lastDetected {
		return fmt.Errorf("movement detected_at must increase per entity: %w", ErrVersionConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO movement_events (`+movementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.MovementID, m.EntityID, m.Seq, m.SourceHub, m.SourceTable, fields,
		string(m.MovementClass), m.PressureClass, string(m.Direction), m.Magnitude,
		int(m.FromBand), int(m.ToBand), string(m.FromStatus), string(m.ToStatus),
		m.Score, domains, m.AlignedDomainCount, m.EvidenceHash, evidence, m.DoctrineHash,
		toNanos(m.DetectedAt), toNanos(m.ValidFrom), toNanos(m.ValidUntil),
	)
	if isConstraintError(err) {
		return fmt.Errorf("movement seq %d for %s: %w", m.Seq, m.EntityID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func insertProof(ctx context.Context, tx *sql.Tx, p ir.ProofLine) error {
	sources, err := marshalStrings(p.Sources)
	if err != nil {
		return err
	}
	movements, err := marshalStrings(p.MovementIDs)
	if err != nil {
		return err
	}
	evidence, err := marshalEvidence(p.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proof_lines (`+proofColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ProofID, p.EntityID, int(p.Band), p.PressureClass, sources, evidence, movements,
		p.HumanReadable, toNanos(p.GeneratedAt), toNanos(p.ValidUntil), p.GeneratedBy,
	)
	if err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}

func writePhaseState(ctx context.Context, tx *sql.Tx, st ir.PhaseState, expected int64) error {
	flags, err := marshalStrings(st.ActiveDomainFlags)
	if err != nil {
		return err
	}
	args := []any{
		st.EntityID, int(st.CurrentBand), string(st.PhaseStatus), flags, st.PrimaryPressure,
		st.AlignedDomainCount, st.Score, st.EvidenceHash, toNanos(st.LastMovementAt),
		toNanos(st.LastBandChangeAt), toNanos(st.PhaseEnteredAt), toNanos(st.StasisStart),
		st.StasisYears, toNanos(st.NextReviewAt), st.LastMovementSeq, st.Version,
		toNanos(st.UpdatedAt),
	}

	if expected == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO phase_state (`+phaseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...)
		if isConstraintError(err) {
			return fmt.Errorf("phase state %s already exists: %w", st.EntityID, ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("insert phase state: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE phase_state SET
			current_band = ?, phase_status = ?, active_domain_flags = ?, primary_pressure = ?,
			aligned_domain_count = ?, score = ?, evidence_hash = ?, last_movement_at = ?,
			last_band_change_at = ?, phase_entered_at = ?, stasis_start = ?, stasis_years = ?,
			next_review_at = ?, last_movement_seq = ?, version = ?, updated_at = ?
		WHERE entity_id = ? AND version = ?
	`, append(args[1:], st.EntityID, expected)...)
	if err != nil {
		return fmt.Errorf("update phase state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("phase state %s at version %d: %w", st.EntityID, expected, ErrVersionConflict)
	}
	return nil
}

// RestorePhaseState overwrites the projection with a state rebuilt from the
// movement log. Used only by rebuild; normal writes go through
// CommitTransition.
func (s *Store) RestorePhaseState(ctx context.Context, st ir.PhaseState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM phase_state WHERE entity_id = ?`, st.EntityID,
		); err != nil {
			return fmt.Errorf("restore phase state: %w", err)
		}
		return writePhaseState(ctx, tx, st, 0)
	})
}

// GetPhaseState returns the entity's current phase state.
func (s *Store) GetPhaseState(ctx context.Context, entityID string) (ir.PhaseState, error) {
	st, err := scanPhaseState(s.reader.QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phase_state WHERE entity_id = ?`, entityID))
	if err != nil {
		return ir.PhaseState{}, fmt.Errorf("phase state %s: %w", entityID, err)
	}
	return st, nil
}

func scanPhaseState(row rowScanner) (ir.PhaseState, error) {
	var (
		st                                          ir.PhaseState
		band                                        int
		status, flags                               string
		lastMove, lastBand, entered, stasis, review int64
		updated                                     int64
	)
	err := row.Scan(&st.EntityID, &band, &status, &flags, &st.PrimaryPressure,
		&st.AlignedDomainCount, &st.Score, &st.EvidenceHash, &lastMove, &lastBand,
		&entered, &stasis, &st.StasisYears, &review, &st.LastMovementSeq,
		&st.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.PhaseState{}, ErrNotFound
	}
	if err != nil {
		return ir.PhaseState{}, fmt.Errorf("scan phase state: %w", err)
	}
	if st.ActiveDomainFlags, err = unmarshalStrings(flags); err != nil {
		return ir.PhaseState{}, err
	}
	st.CurrentBand = ir.Band(band)
	st.PhaseStatus = ir.PhaseStatus(status)
	st.LastMovementAt = fromNanos(lastMove)
	st.LastBandChangeAt = fromNanos(lastBand)
	st.PhaseEnteredAt = fromNanos(entered)
	st.StasisStart = fromNanos(stasis)
	st.NextReviewAt = fromNanos(review)
	st.UpdatedAt = fromNanos(updated)
	return st, nil
}

// EntitiesDueForReview returns entities flagged for recompute or whose
// review time has passed, in byte order.
func (s *Store) EntitiesDueForReview(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.queryStrings(ctx, `
		SELECT entity_id FROM entities WHERE needs_recompute = 1
		UNION
		SELECT entity_id FROM phase_state WHERE next_review_at > 0 AND next_review_at <= ?
		ORDER BY 1 COLLATE BINARY
		LIMIT ?
	`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("entities due for review: %w", err)
	}
	return ids, nil
}

// ListMovements returns an entity's movement log in sequence order.
func (s *Store) ListMovements(ctx context.Context, entityID string) ([]ir.MovementEvent, error) {
	return s.queryMovements(ctx, `SELECT `+movementColumns+` FROM movement_events
		WHERE entity_id = ? ORDER BY seq ASC`, entityID)
}

// MovementAsOf returns the last movement detected at or before t.
func (s *Store) MovementAsOf(ctx context.Context, entityID string, t time.Time) (ir.MovementEvent, error) {
	ms, err := s.queryMovements(ctx, `SELECT `+movementColumns+` FROM movement_events
		WHERE entity_id = ? AND detected_at <= ?
		ORDER BY seq DESC LIMIT 1`, entityID, toNanos(t))
	if err != nil {
		return ir.MovementEvent{}, err
	}
	if len(ms) == 0 {
		return ir.MovementEvent{}, fmt.Errorf("movement of %s as of %s: %w", entityID, t.Format(time.RFC3339), ErrNotFound)
	}
	return ms[0], nil
}

// ListMovementEntities returns every entity that has at least one movement.
func (s *Store) ListMovementEntities(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT entity_id FROM movement_events ORDER BY entity_id COLLATE BINARY`)
}

func (s *Store) queryMovements(ctx context.Context, query string, args ...any) ([]ir.MovementEvent, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	out := []ir.MovementEvent{}
	for rows.Next() {
		var (
			m                                  ir.MovementEvent
			fields, class, direction, from, to string
			domains, evidence                  string
			fromBand, toBand                   int
			detected, validFrom, validUntil    int64
		)
		if err := rows.Scan(&m.MovementID, &m.EntityID, &m.Seq, &m.SourceHub, &m.SourceTable,
			&fields, &class, &m.PressureClass, &direction, &m.Magnitude, &fromBand, &toBand,
			&from, &to, &m.Score, &domains, &m.AlignedDomainCount, &m.EvidenceHash, &evidence,
			&m.DoctrineHash, &detected, &validFrom, &validUntil,
		); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		if m.SourceFields, err = unmarshalStrings(fields); err != nil {
			return nil, err
		}
		if m.ActiveDomains, err = unmarshalStrings(domains); err != nil {
			return nil, err
		}
		if m.Evidence, err = unmarshalEvidence(evidence); err != nil {
			return nil, err
		}
		m.MovementClass = ir.MovementClass(class)
		m.Direction = ir.Direction(direction)
		m.FromBand = ir.Band(fromBand)
		m.ToBand = ir.Band(toBand)
		m.FromStatus = ir.PhaseStatus(from)
		m.ToStatus = ir.PhaseStatus(to)
		m.DetectedAt = fromNanos(detected)
		m.ValidFrom = fromNanos(validFrom)
		m.ValidUntil = fromNanos(validUntil)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate movements: %w", err)
	}
	return out, nil
}

// LatestProof returns the most recently generated proof for an entity at
// band, expired or not. Callers decide validity against their own clock.
func (s *Store) LatestProof(ctx context.Context, entityID string, band ir.Band) (ir.ProofLine, error) {
	ps, err := s.queryProofs(ctx, `SELECT `+proofColumns+` FROM proof_lines
		WHERE entity_id = ? AND band = ?
		ORDER BY generated_at DESC, proof_id COLLATE BINARY DESC
		LIMIT 1`, entityID, int(band))
	if err != nil {
		return ir.ProofLine{}, err
	}
	if len(ps) == 0 {
		return ir.ProofLine{}, fmt.Errorf("proof of %s at band %d: %w", entityID, band, ErrNotFound)
	}
	return ps[0], nil
}

// GetProof returns one proof line.
func (s *Store) GetProof(ctx context.Context, proofID string) (ir.ProofLine, error) {
	ps, err := s.queryProofs(ctx, `SELECT `+proofColumns+` FROM proof_lines WHERE proof_id = ?`, proofID)
	if err != nil {
		return ir.ProofLine{}, err
	}
	if len(ps) == 0 {
		return ir.ProofLine{}, fmt.Errorf("proof %s: %w", proofID, ErrNotFound)
	}
	return ps[0], nil
}

// ListProofs returns an entity's proofs, oldest first.
func (s *Store) ListProofs(ctx context.Context, entityID string) ([]ir.ProofLine, error) {
	return s.queryProofs(ctx, `SELECT `+proofColumns+` FROM proof_lines
		WHERE entity_id = ?
		ORDER BY generated_at ASC, proof_id COLLATE BINARY ASC`, entityID)
}

func (s *Store) queryProofs(ctx context.Context, query string, args ...any) ([]ir.ProofLine, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proofs: %w", err)
	}
	defer rows.Close()

	out := []ir.ProofLine{}
	for rows.Next() {
		var (
			p                            ir.ProofLine
			band                         int
			sources, evidence, movements string
			generated, validUntil        int64
		)
		if err := rows.Scan(&p.ProofID, &p.EntityID, &band, &p.PressureClass, &sources,
			&evidence, &movements, &p.HumanReadable, &generated, &validUntil, &p.GeneratedBy,
		); err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		if p.Sources, err = unmarshalStrings(sources); err != nil {
			return nil, err
		}
		if p.MovementIDs, err = unmarshalStrings(movements); err != nil {
			return nil, err
		}
		if p.Evidence, err = unmarshalEvidence(evidence); err != nil {
			return nil, err
		}
		p.Band = ir.Band(band)
		p.GeneratedAt = fromNanos(generated)
		p.ValidUntil = fromNanos(validUntil)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proofs: %w", err)
	}
	return out, nil
}
