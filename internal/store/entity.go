package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

// EnsureEntity creates the entity row if it does not exist.
// Idempotent: existing rows are left untouched.
func (s *Store) EnsureEntity(ctx context.Context, entityID string, now time.Time) error {
	return ensureEntity(ctx, s.db, entityID, now)
}

func ensureEntity(ctx context.Context, q querier, entityID string, now time.Time) error {
	if entityID == "" {
		return fmt.Errorf("ensure entity: entity_id is required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO entities (entity_id, created_at)
		VALUES (?, ?)
		ON CONFLICT(entity_id) DO NOTHING
	`, entityID, toNanos(now))
	if err != nil {
		return fmt.Errorf("ensure entity %s: %w", entityID, err)
	}
	return nil
}

// GetEntity returns an entity row.
func (s *Store) GetEntity(ctx context.Context, entityID string) (ir.Entity, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT entity_id, COALESCE(outreach_id, ''), created_at, minted_at, needs_recompute
		FROM entities
		WHERE entity_id = ?
	`, entityID)

	var (
		e               ir.Entity
		created, minted int64
		needsRecompute  int
	)
	err := row.Scan(&e.EntityID, &e.OutreachID, &created, &minted, &needsRecompute)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entity{}, ErrNotFound
	}
	if err != nil {
		return ir.Entity{}, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	e.CreatedAt = fromNanos(created)
	e.MintedAt = fromNanos(minted)
	e.NeedsRecompute = needsRecompute == 1
	return e, nil
}

// MintOutreachID returns the entity's outreach_id, minting candidate if the
// entity has none yet. Once minted the value never changes: later calls
// return the stored id and ignore their candidate.
func (s *Store) MintOutreachID(ctx context.Context, entityID, candidate string, now time.Time) (string, error) {
	if candidate == "" {
		return "", fmt.Errorf("mint outreach id: candidate is required")
	}

	var minted string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureEntity(ctx, tx, entityID, now); err != nil {
			return err
		}

		var existing sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT outreach_id FROM entities WHERE entity_id = ?`, entityID,
		).Scan(&existing)
		if err != nil {
			return fmt.Errorf("read outreach id: %w", err)
		}
		if existing.Valid && existing.String != "" {
			minted = existing.String
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE entities SET outreach_id = ?, minted_at = ?
			WHERE entity_id = ? AND outreach_id IS NULL
		`, candidate, toNanos(now), entityID)
		if err != nil {
			return fmt.Errorf("mint outreach id: %w", err)
		}
		minted = candidate
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("mint outreach id for %s: %w", entityID, err)
	}
	return minted, nil
}

// ListEntityIDs returns every entity id in byte order.
func (s *Store) ListEntityIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT entity_id FROM entities ORDER BY entity_id COLLATE BINARY`)
}

// MarkRecompute flags entities for recomputation by the next decay sweep.
func (s *Store) MarkRecompute(ctx context.Context, entityIDs ...string) error {
	for _, id := range entityIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE entities SET needs_recompute = 1 WHERE entity_id = ?`, id,
		); err != nil {
			return fmt.Errorf("mark recompute %s: %w", id, err)
		}
	}
	return nil
}

// ClearRecompute removes the recompute flag after a recompute that
// committed nothing.
func (s *Store) ClearRecompute(ctx context.Context, entityID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE entities SET needs_recompute = 0 WHERE entity_id = ?`, entityID,
	); err != nil {
		return fmt.Errorf("clear recompute %s: %w", entityID, err)
	}
	return nil
}

// queryStrings runs a single-column query on the reader pool.
func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}
