package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

var hubIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// errorTableTemplate is shared by every hub's live and archive table so a
// single manager can serve all hubs. The first %s is the table name, the
// second holds the constraints only the live table carries.
const errorTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
    error_id             TEXT PRIMARY KEY,
    hub_id               TEXT NOT NULL,
    outreach_id          TEXT%s,
    entity_id            TEXT NOT NULL DEFAULT '',
    correlation_id       TEXT NOT NULL,
    pipeline_stage       TEXT NOT NULL,
    failure_code         TEXT NOT NULL,
    blocking_reason      TEXT NOT NULL DEFAULT '',
    severity             TEXT NOT NULL,
    error_type           TEXT NOT NULL,
    raw_input            TEXT NOT NULL DEFAULT '{}',
    retry_allowed        INTEGER NOT NULL,
    retry_count          INTEGER NOT NULL DEFAULT 0,
    max_retries          INTEGER NOT NULL,
    retry_after_ns       INTEGER NOT NULL DEFAULT 0,
    last_retry_at        INTEGER NOT NULL DEFAULT 0,
    next_retry_at        INTEGER NOT NULL DEFAULT 0,
    retry_exhausted      INTEGER NOT NULL DEFAULT 0,
    disposition          TEXT NOT NULL CHECK (disposition IN
                             ('open', 'retrying', 'resolved', 'escalated', 'parked', 'archived')),
    escalation_level     INTEGER NOT NULL DEFAULT 0,
    escalated_at         INTEGER NOT NULL DEFAULT 0,
    park_reason          TEXT NOT NULL DEFAULT '',
    parked_at            INTEGER NOT NULL DEFAULT 0,
    parked_by            TEXT NOT NULL DEFAULT '',
    resolved_at          INTEGER NOT NULL DEFAULT 0,
    resolution_note      TEXT NOT NULL DEFAULT '',
    ttl_tier             TEXT NOT NULL,
    archived_at          INTEGER NOT NULL DEFAULT 0,
    archive_reason       TEXT NOT NULL DEFAULT '',
    retention_expires_at INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    version              INTEGER NOT NULL%s
);
CREATE INDEX IF NOT EXISTS idx_%s_disposition ON %s(disposition, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_%s_entity ON %s(entity_id, failure_code);
`

const errorColumns = `error_id, hub_id, outreach_id, entity_id, correlation_id, pipeline_stage,
	failure_code, blocking_reason, severity, error_type, raw_input, retry_allowed, retry_count,
	max_retries, retry_after_ns, last_retry_at, next_retry_at, retry_exhausted, disposition,
	escalation_level, escalated_at, park_reason, parked_at, parked_by, resolved_at,
	resolution_note, ttl_tier, archived_at, archive_reason, retention_expires_at, created_at,
	updated_at, version`

// ErrorTable returns the live error table name for a hub.
func ErrorTable(hubID string) (string, error) {
	if !hubIDPattern.MatchString(hubID) {
		return "", fmt.Errorf("invalid hub id %q", hubID)
	}
	return hubID + "_errors", nil
}

// ArchiveTable returns the archive table name for a hub.
func ArchiveTable(hubID string) (string, error) {
	live, err := ErrorTable(hubID)
	if err != nil {
		return "", err
	}
	return live + "_archive", nil
}

// EnsureHubErrorTables creates the live and archive error tables of each hub.
func (s *Store) EnsureHubErrorTables(ctx context.Context, hubIDs ...string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range hubIDs {
			if err := createErrorTables(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func createErrorTables(ctx context.Context, tx *sql.Tx, hubID string) error {
	live, err := ErrorTable(hubID)
	if err != nil {
		return err
	}
	archive := live + "_archive"

	liveDDL := fmt.Sprintf(errorTableTemplate, live,
		" REFERENCES entities(outreach_id)",
		",\n    CHECK (disposition NOT IN ('open', 'retrying') OR retry_count <= max_retries)",
		live, live, live, live)
	archiveDDL := fmt.Sprintf(errorTableTemplate, archive, "", "",
		archive, archive, archive, archive)

	for _, ddl := range []string{liveDDL, archiveDDL} {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create error tables for %s: %w", hubID, err)
		}
	}
	return nil
}

// InsertErrorRecord stores a new record at version 1.
func (s *Store) InsertErrorRecord(ctx context.Context, rec ir.ErrorRecord) (ir.ErrorRecord, error) {
	table, err := ErrorTable(rec.HubID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	rec.Version = 1
	if err := insertErrorRow(ctx, s.db, table, rec); err != nil {
		return ir.ErrorRecord{}, err
	}
	return rec, nil
}

func insertErrorRow(ctx context.Context, q querier, table string, rec ir.ErrorRecord) error {
	raw, err := marshalPayload(rec.RawInput)
	if err != nil {
		return err
	}
	var outreach any
	if rec.OutreachID != "" {
		outreach = rec.OutreachID
	}
	_, err = q.ExecContext(ctx, `INSERT INTO `+table+` (`+errorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ErrorID, rec.HubID, outreach, rec.EntityID, rec.CorrelationID, rec.PipelineStage,
		rec.FailureCode, rec.BlockingReason, rec.Severity, rec.ErrorType, raw,
		boolInt(rec.RetryAllowed), rec.RetryCount, rec.MaxRetries, int64(rec.RetryAfter),
		toNanos(rec.LastRetryAt), toNanos(rec.NextRetryAt), boolInt(rec.RetryExhausted),
		string(rec.Disposition), rec.EscalationLevel, toNanos(rec.EscalatedAt), rec.ParkReason,
		toNanos(rec.ParkedAt), rec.ParkedBy, toNanos(rec.ResolvedAt), rec.ResolutionNote,
		rec.TTLTier, toNanos(rec.ArchivedAt), rec.ArchiveReason, toNanos(rec.RetentionExpiresAt),
		toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), rec.Version,
	)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, rec.ErrorID, err)
	}
	return nil
}

// UpdateErrorRecord replaces the mutable fields of a record. rec.Version is
// the version the caller read; the stored row gets rec.Version+1.
func (s *Store) UpdateErrorRecord(ctx context.Context, rec ir.ErrorRecord) (ir.ErrorRecord, error) {
	table, err := ErrorTable(rec.HubID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	raw, err := marshalPayload(rec.RawInput)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	var outreach any
	if rec.OutreachID != "" {
		outreach = rec.OutreachID
	}
	next := rec
	next.Version = rec.Version + 1

	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET
			outreach_id = ?, entity_id = ?, blocking_reason = ?, severity = ?, raw_input = ?,
			retry_allowed = ?, retry_count = ?, max_retries = ?, retry_after_ns = ?,
			last_retry_at = ?, next_retry_at = ?, retry_exhausted = ?, disposition = ?,
			escalation_level = ?, escalated_at = ?, park_reason = ?, parked_at = ?, parked_by = ?,
			resolved_at = ?, resolution_note = ?, ttl_tier = ?, updated_at = ?, version = ?
		WHERE error_id = ? AND version = ?`,
		outreach, rec.EntityID, rec.BlockingReason, rec.Severity, raw,
		boolInt(rec.RetryAllowed), rec.RetryCount, rec.MaxRetries, int64(rec.RetryAfter),
		toNanos(rec.LastRetryAt), toNanos(rec.NextRetryAt), boolInt(rec.RetryExhausted),
		string(rec.Disposition), rec.EscalationLevel, toNanos(rec.EscalatedAt), rec.ParkReason,
		toNanos(rec.ParkedAt), rec.ParkedBy, toNanos(rec.ResolvedAt), rec.ResolutionNote,
		rec.TTLTier, toNanos(rec.UpdatedAt), next.Version,
		rec.ErrorID, rec.Version,
	)
	if err != nil {
		return ir.ErrorRecord{}, fmt.Errorf("update %s %s: %w", table, rec.ErrorID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ir.ErrorRecord{}, fmt.Errorf("error record %s at version %d: %w",
			rec.ErrorID, rec.Version, ErrVersionConflict)
	}
	return next, nil
}

// GetErrorRecord returns one live record.
func (s *Store) GetErrorRecord(ctx context.Context, hubID, errorID string) (ir.ErrorRecord, error) {
	table, err := ErrorTable(hubID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	recs, err := queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+` WHERE error_id = ?`, errorID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	if len(recs) == 0 {
		return ir.ErrorRecord{}, fmt.Errorf("error record %s/%s: %w", hubID, errorID, ErrNotFound)
	}
	return recs[0], nil
}

// ErrorFilter narrows ListErrorRecords. Zero fields match everything.
type ErrorFilter struct {
	Dispositions []ir.Disposition
	EntityID     string
	Limit        int
}

// ListErrorRecords returns a hub's live records, oldest first.
func (s *Store) ListErrorRecords(ctx context.Context, hubID string, f ErrorFilter) ([]ir.ErrorRecord, error) {
	table, err := ErrorTable(hubID)
	if err != nil {
		return nil, err
	}
	where, args := f.clause()
	return queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+where+`
		ORDER BY created_at ASC, error_id COLLATE BINARY ASC LIMIT ?`, append(args, f.limit())...)
}

// ListArchivedErrors returns a hub's archived records, oldest archive first.
func (s *Store) ListArchivedErrors(ctx context.Context, hubID string, f ErrorFilter) ([]ir.ErrorRecord, error) {
	table, err := ArchiveTable(hubID)
	if err != nil {
		return nil, err
	}
	where, args := f.clause()
	return queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+where+`
		ORDER BY archived_at ASC, error_id COLLATE BINARY ASC LIMIT ?`, append(args, f.limit())...)
}

func (f ErrorFilter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Dispositions) > 0 {
		marks := make([]string, len(f.Dispositions))
		for i, d := range f.Dispositions {
			marks[i] = "?"
			args = append(args, string(d))
		}
		conds = append(conds, "disposition IN ("+strings.Join(marks, ", ")+")")
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f ErrorFilter) limit() int {
	if f.Limit <= 0 {
		return 1000
	}
	return f.Limit
}

// FindUnresolvedError returns the oldest record of an entity at a hub for a
// failure code that no one has resolved yet, or ErrNotFound. Parked and
// escalated records count: a hub that keeps failing the same way keeps
// pointing at the record already waiting for an operator.
func (s *Store) FindUnresolvedError(ctx context.Context, hubID, entityID, failureCode string) (ir.ErrorRecord, error) {
	table, err := ErrorTable(hubID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	recs, err := queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+`
		WHERE entity_id = ? AND failure_code = ?
			AND disposition IN ('open', 'retrying', 'parked', 'escalated')
		ORDER BY created_at ASC, error_id COLLATE BINARY ASC LIMIT 1`, entityID, failureCode)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	if len(recs) == 0 {
		return ir.ErrorRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// DueRetries returns retryable records whose next_retry_at has passed.
func (s *Store) DueRetries(ctx context.Context, hubID string, now time.Time, limit int) ([]ir.ErrorRecord, error) {
	table, err := ErrorTable(hubID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+`
		WHERE disposition IN ('open', 'retrying') AND retry_allowed = 1 AND retry_exhausted = 0
			AND next_retry_at > 0 AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, error_id COLLATE BINARY ASC LIMIT ?`, toNanos(now), limit)
}

// EscalationsDue returns escalated records last escalated at or before
// cutoff whose level is still below maxLevel.
func (s *Store) EscalationsDue(ctx context.Context, hubID string, cutoff time.Time, maxLevel int) ([]ir.ErrorRecord, error) {
	table, err := ErrorTable(hubID)
	if err != nil {
		return nil, err
	}
	return queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+`
		WHERE disposition = 'escalated' AND escalated_at <= ? AND escalation_level < ?
		ORDER BY escalated_at ASC, error_id COLLATE BINARY ASC`, toNanos(cutoff), maxLevel)
}

// TerminalBefore returns resolved, parked or escalated records of a tier
// last updated at or before cutoff.
func (s *Store) TerminalBefore(ctx context.Context, hubID, tier string, cutoff time.Time, limit int) ([]ir.ErrorRecord, error) {
	table, err := ErrorTable(hubID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return queryErrors(ctx, s.reader, `SELECT `+errorColumns+` FROM `+table+`
		WHERE disposition IN ('resolved', 'parked', 'escalated') AND ttl_tier = ? AND updated_at <= ?
		ORDER BY updated_at ASC, error_id COLLATE BINARY ASC LIMIT ?`, tier, toNanos(cutoff), limit)
}

// ArchiveErrorRecord copies a record into the hub's archive table and
// deletes the live row, in one transaction. rec carries the archive fields
// to store; the live row must still be at rec.Version.
func (s *Store) ArchiveErrorRecord(ctx context.Context, rec ir.ErrorRecord) (ir.ErrorRecord, error) {
	live, err := ErrorTable(rec.HubID)
	if err != nil {
		return ir.ErrorRecord{}, err
	}
	archived := rec
	archived.Disposition = ir.DispositionArchived
	archived.Version = rec.Version + 1

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+live+` WHERE error_id = ? AND version = ?`, rec.ErrorID, rec.Version)
		if err != nil {
			return fmt.Errorf("delete live record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("error record %s at version %d: %w", rec.ErrorID, rec.Version, ErrVersionConflict)
		}
		return insertErrorRow(ctx, tx, live+"_archive", archived)
	})
	if err != nil {
		return ir.ErrorRecord{}, fmt.Errorf("archive %s: %w", rec.ErrorID, err)
	}
	return archived, nil
}

// PurgeArchive deletes archived records whose retention has expired and
// returns how many were removed.
func (s *Store) PurgeArchive(ctx context.Context, hubID string, now time.Time) (int, error) {
	table, err := ArchiveTable(hubID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`
		WHERE retention_expires_at > 0 AND retention_expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func queryErrors(ctx context.Context, q querier, query string, args ...any) ([]ir.ErrorRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error records: %w", err)
	}
	defer rows.Close()

	out := []ir.ErrorRecord{}
	for rows.Next() {
		var (
			rec                                ir.ErrorRecord
			outreach                           sql.NullString
			raw, disposition                   string
			retryAllowed, exhausted            int
			retryAfter                         int64
			lastRetry, nextRetry, escalated    int64
			parked, resolved, archived, expiry int64
			created, updated                   int64
		)
		if err := rows.Scan(&rec.ErrorID, &rec.HubID, &outreach, &rec.EntityID, &rec.CorrelationID,
			&rec.PipelineStage, &rec.FailureCode, &rec.BlockingReason, &rec.Severity, &rec.ErrorType,
			&raw, &retryAllowed, &rec.RetryCount, &rec.MaxRetries, &retryAfter, &lastRetry,
			&nextRetry, &exhausted, &disposition, &rec.EscalationLevel, &escalated, &rec.ParkReason,
			&parked, &rec.ParkedBy, &resolved, &rec.ResolutionNote, &rec.TTLTier, &archived,
			&rec.ArchiveReason, &expiry, &created, &updated, &rec.Version,
		); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		if rec.RawInput, err = unmarshalPayload(raw); err != nil {
			return nil, err
		}
		rec.OutreachID = outreach.String
		rec.RetryAllowed = retryAllowed == 1
		rec.RetryExhausted = exhausted == 1
		rec.RetryAfter = time.Duration(retryAfter)
		rec.Disposition = ir.Disposition(disposition)
		rec.LastRetryAt = fromNanos(lastRetry)
		rec.NextRetryAt = fromNanos(nextRetry)
		rec.EscalatedAt = fromNanos(escalated)
		rec.ParkedAt = fromNanos(parked)
		rec.ResolvedAt = fromNanos(resolved)
		rec.ArchivedAt = fromNanos(archived)
		rec.RetentionExpiresAt = fromNanos(expiry)
		rec.CreatedAt = fromNanos(created)
		rec.UpdatedAt = fromNanos(updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return out, nil
}
