// Package warehouse keeps a long-term copy of archived hub error records in
// Postgres. The live SQLite archive tables purge on retention; the
// warehouse does not.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/bitgate/internal/ir"
)

const schema = `
CREATE TABLE IF NOT EXISTS hub_error_archive (
    hub_id         TEXT NOT NULL,
    error_id       TEXT NOT NULL,
    entity_id      TEXT NOT NULL DEFAULT '',
    outreach_id    TEXT,
    correlation_id TEXT NOT NULL,
    failure_code   TEXT NOT NULL,
    error_type     TEXT NOT NULL,
    severity       TEXT NOT NULL,
    disposition    TEXT NOT NULL,
    ttl_tier       TEXT NOT NULL,
    archived_at    TIMESTAMPTZ NOT NULL,
    record         JSONB NOT NULL,
    PRIMARY KEY (hub_id, error_id)
);
CREATE INDEX IF NOT EXISTS idx_hub_error_archive_entity ON hub_error_archive(entity_id);
`

// Sink writes archived error records to Postgres.
//
// Thread-safety: safe for concurrent use.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the archive table.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create warehouse schema: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// Archive stores one archived record. Re-archiving the same record is a
// no-op.
func (s *Sink) Archive(ctx context.Context, rec ir.ErrorRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", rec.HubID, rec.ErrorID, err)
	}
	var outreach *string
	if rec.OutreachID != "" {
		outreach = &rec.OutreachID
	}
	archivedAt := rec.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO hub_error_archive (hub_id, error_id, entity_id, outreach_id, correlation_id,
			failure_code, error_type, severity, disposition, ttl_tier, archived_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (hub_id, error_id) DO NOTHING
	`,
		rec.HubID, rec.ErrorID, rec.EntityID, outreach, rec.CorrelationID,
		rec.FailureCode, rec.ErrorType, rec.Severity, string(rec.Disposition), rec.TTLTier,
		archivedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("warehouse %s/%s: %w", rec.HubID, rec.ErrorID, err)
	}
	return nil
}

// List returns a hub's warehoused records, newest archive first.
func (s *Sink) List(ctx context.Context, hubID string, limit int) ([]ir.ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM hub_error_archive
		WHERE hub_id = $1
		ORDER BY archived_at DESC, error_id
		LIMIT $2
	`, hubID, limit)
	if err != nil {
		return nil, fmt.Errorf("list warehouse %s: %w", hubID, err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list warehouse %s: %w", hubID, err)
	}

	out := make([]ir.ErrorRecord, 0, len(docs))
	for _, doc := range docs {
		var rec ir.ErrorRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode warehoused record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
