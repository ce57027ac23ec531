package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

const registryColumns = `signal_type, category, domain, freshness_window_ns, validity_threshold,
	weight, is_active, version, updated_at`

// SeedRegistry inserts entries that are not registered yet. Existing rows
// keep their current values so operator changes survive a restart.
func (s *Store) SeedRegistry(ctx context.Context, entries []ir.RegistryEntry, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO signal_registry (`+registryColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
				ON CONFLICT(signal_type) DO NOTHING
			`,
				e.SignalType, e.Category, e.Domain, int64(e.FreshnessWindow),
				e.ValidityThreshold, e.Weight, boolInt(e.IsActive), toNanos(now),
			)
			if err != nil {
				return fmt.Errorf("seed registry %s: %w", e.SignalType, err)
			}
		}
		return nil
	})
}

// UpsertRegistryEntry registers a signal type or replaces its definition.
// Every change bumps the entry version; an identical definition is a no-op.
func (s *Store) UpsertRegistryEntry(ctx context.Context, e ir.RegistryEntry, now time.Time) (ir.RegistryEntry, error) {
	var out ir.RegistryEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signal_registry (`+registryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(signal_type) DO UPDATE SET
				category = excluded.category,
				domain = excluded.domain,
				freshness_window_ns = excluded.freshness_window_ns,
				validity_threshold = excluded.validity_threshold,
				weight = excluded.weight,
				is_active = excluded.is_active,
				version = signal_registry.version + 1,
				updated_at = excluded.updated_at
			WHERE signal_registry.category IS NOT excluded.category
				OR signal_registry.domain IS NOT excluded.domain
				OR signal_registry.freshness_window_ns IS NOT excluded.freshness_window_ns
				OR signal_registry.validity_threshold IS NOT excluded.validity_threshold
				OR signal_registry.weight IS NOT excluded.weight
				OR signal_registry.is_active IS NOT excluded.is_active
		`,
			e.SignalType, e.Category, e.Domain, int64(e.FreshnessWindow),
			e.ValidityThreshold, e.Weight, boolInt(e.IsActive), toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("upsert registry entry: %w", err)
		}
		if err := markSignalTypeForRecompute(ctx, tx, e.SignalType); err != nil {
			return err
		}
		out, err = scanRegistryEntry(tx.QueryRowContext(ctx,
			`SELECT `+registryColumns+` FROM signal_registry WHERE signal_type = ?`, e.SignalType))
		return err
	})
	if err != nil {
		return ir.RegistryEntry{}, fmt.Errorf("register %s: %w", e.SignalType, err)
	}
	return out, nil
}

// SetRegistryActive toggles a signal type. Entities holding signals of that
// type are flagged for recompute; no signal rows are touched.
func (s *Store) SetRegistryActive(ctx context.Context, signalType string, active bool, now time.Time) (ir.RegistryEntry, error) {
	var out ir.RegistryEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE signal_registry
			SET is_active = ?, version = version + 1, updated_at = ?
			WHERE signal_type = ? AND is_active != ?
		`, boolInt(active), toNanos(now), signalType, boolInt(active))
		if err != nil {
			return fmt.Errorf("update registry: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := markSignalTypeForRecompute(ctx, tx, signalType); err != nil {
				return err
			}
		}
		out, err = scanRegistryEntry(tx.QueryRowContext(ctx,
			`SELECT `+registryColumns+` FROM signal_registry WHERE signal_type = ?`, signalType))
		return err
	})
	if err != nil {
		return ir.RegistryEntry{}, fmt.Errorf("set active %s: %w", signalType, err)
	}
	return out, nil
}

func markSignalTypeForRecompute(ctx context.Context, tx *sql.Tx, signalType string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entities SET needs_recompute = 1
		WHERE entity_id IN (SELECT DISTINCT entity_id FROM signals WHERE signal_type = ?)
	`, signalType)
	if err != nil {
		return fmt.Errorf("flag entities for recompute: %w", err)
	}
	return nil
}

// GetRegistryEntry returns the definition of a signal type.
func (s *Store) GetRegistryEntry(ctx context.Context, signalType string) (ir.RegistryEntry, error) {
	e, err := scanRegistryEntry(s.reader.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM signal_registry WHERE signal_type = ?`, signalType))
	if err != nil {
		return ir.RegistryEntry{}, fmt.Errorf("get registry entry %s: %w", signalType, err)
	}
	return e, nil
}

// ListRegistryEntries returns every registered signal type ordered by name.
func (s *Store) ListRegistryEntries(ctx context.Context) ([]ir.RegistryEntry, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+registryColumns+` FROM signal_registry ORDER BY signal_type COLLATE BINARY`)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	defer rows.Close()

	entries := []ir.RegistryEntry{}
	for rows.Next() {
		e, err := scanRegistryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list registry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistryEntry(row rowScanner) (ir.RegistryEntry, error) {
	var (
		e               ir.RegistryEntry
		window, updated int64
		active          int
	)
	err := row.Scan(&e.SignalType, &e.Category, &e.Domain, &window, &e.ValidityThreshold,
		&e.Weight, &active, &e.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return ir.RegistryEntry{}, fmt.Errorf("scan registry entry: %w", err)
	}
	e.FreshnessWindow = time.Duration(window)
	e.IsActive = active == 1
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}
