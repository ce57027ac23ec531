package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

const queueColumns = `queue_id, entity_id, signal_type, signal_category, payload, magnitude,
	source_hub, priority, fingerprint, status, attempts, lease_until, enqueued_at,
	detected_at, expires_at, correlation_id, dead_reason`

// EnqueueSignal appends a raw signal to the ingestion queue.
// When maxDepth is positive and the number of undelivered messages has
// reached it, nothing is written and ErrQueueFull is returned.
func (s *Store) EnqueueSignal(ctx context.Context, q ir.QueuedSignal, partition, maxDepth int) error {
	payload, err := marshalPayload(q.Payload)
	if err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if maxDepth > 0 {
			var depth int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM signal_queue WHERE status IN ('queued', 'leased')`,
			).Scan(&depth); err != nil {
				return fmt.Errorf("enqueue signal: queue depth: %w", err)
			}
			if depth >= maxDepth {
				return ErrQueueFull
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO signal_queue (`+queueColumns+`, partition_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, 0, ?, ?, ?, ?, '', ?)
		`,
			q.QueueID, q.EntityID, q.SignalType, q.SignalCategory, payload, q.Magnitude,
			q.SourceHub, q.Priority, q.Fingerprint,
			toNanos(q.EnqueuedAt), toNanos(q.DetectedAt), toNanos(q.ExpiresAt), q.CorrelationID,
			partition,
		)
		if err != nil {
			return fmt.Errorf("enqueue signal %s: %w", q.QueueID, err)
		}
		return nil
	})
}

// LeaseBatch leases up to max deliverable messages of one partition, highest
// priority first. A message is deliverable when queued, or when leased and
// its lease has expired (redelivery). A negative partition leases from all
// partitions. Each lease increments the message's attempt counter.
func (s *Store) LeaseBatch(ctx context.Context, partition, max int, now time.Time, lease time.Duration) ([]ir.QueuedSignal, error) {
	if max <= 0 {
		return []ir.QueuedSignal{}, nil
	}

	var leased []ir.QueuedSignal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + queueColumns + ` FROM signal_queue
			WHERE (status = 'queued' OR (status = 'leased' AND lease_until <= ?))`
		args := []any{toNanos(now)}
		if partition >= 0 {
			query += ` AND partition_key = ?`
			args = append(args, partition)
		}
		query += ` ORDER BY priority DESC, enqueued_at ASC, queue_id COLLATE BINARY ASC LIMIT ?`
		args = append(args, max)

		batch, err := queryQueued(ctx, tx, query, args...)
		if err != nil {
			return err
		}

		until := now.Add(lease)
		for i := range batch {
			if _, err := tx.ExecContext(ctx, `
				UPDATE signal_queue
				SET status = 'leased', attempts = attempts + 1, lease_until = ?
				WHERE queue_id = ?
			`, toNanos(until), batch[i].QueueID); err != nil {
				return fmt.Errorf("lease %s: %w", batch[i].QueueID, err)
			}
			batch[i].Status = ir.QueueLeased
			batch[i].Attempts++
			batch[i].LeaseUntil = until
		}
		leased = batch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease batch: %w", err)
	}
	return leased, nil
}

// AckSignal marks a leased message delivered. Acking an already acked
// message is a no-op; acking an unknown or dead message is ErrNotFound.
func (s *Store) AckSignal(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_queue SET status = 'acked', lease_until = 0
		WHERE queue_id = ? AND status IN ('leased', 'acked')
	`, queueID)
	if err != nil {
		return fmt.Errorf("ack %s: %w", queueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack %s: %w", queueID, ErrNotFound)
	}
	return nil
}

// ReleaseSignal returns a leased message to the queue without waiting for
// its lease to expire.
func (s *Store) ReleaseSignal(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_queue SET status = 'queued', lease_until = 0
		WHERE queue_id = ? AND status = 'leased'
	`, queueID)
	if err != nil {
		return fmt.Errorf("release %s: %w", queueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s: %w", queueID, ErrNotFound)
	}
	return nil
}

// DeadLetterSignal parks a message that will not be delivered again.
func (s *Store) DeadLetterSignal(ctx context.Context, queueID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_queue SET status = 'dead', lease_until = 0, dead_reason = ?
		WHERE queue_id = ? AND status != 'acked'
	`, reason, queueID)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", queueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter %s: %w", queueID, ErrNotFound)
	}
	return nil
}

// RequeueDeadLetter puts a dead message back in the queue with a fresh
// attempt budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signal_queue SET status = 'queued', attempts = 0, dead_reason = ''
		WHERE queue_id = ? AND status = 'dead'
	`, queueID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", queueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue %s: %w", queueID, ErrNotFound)
	}
	return nil
}

// GetQueuedSignal returns one queue message.
func (s *Store) GetQueuedSignal(ctx context.Context, queueID string) (ir.QueuedSignal, error) {
	out, err := queryQueued(ctx, s.reader,
		`SELECT `+queueColumns+` FROM signal_queue WHERE queue_id = ?`, queueID)
	if err != nil {
		return ir.QueuedSignal{}, err
	}
	if len(out) == 0 {
		return ir.QueuedSignal{}, fmt.Errorf("queued signal %s: %w", queueID, ErrNotFound)
	}
	return out[0], nil
}

// ListDeadLetters returns dead messages, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]ir.QueuedSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryQueued(ctx, s.reader, `SELECT `+queueColumns+` FROM signal_queue
		WHERE status = 'dead'
		ORDER BY enqueued_at ASC, queue_id COLLATE BINARY ASC
		LIMIT ?`, limit)
}

// QueueDepth counts undelivered (queued or leased) messages.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signal_queue WHERE status IN ('queued', 'leased')`,
	).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func queryQueued(ctx context.Context, q querier, query string, args ...any) ([]ir.QueuedSignal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	out := []ir.QueuedSignal{}
	for rows.Next() {
		var (
			m                                  ir.QueuedSignal
			payload, status                    string
			lease, enqueued, detected, expires int64
		)
		if err := rows.Scan(&m.QueueID, &m.EntityID, &m.SignalType, &m.SignalCategory, &payload,
			&m.Magnitude, &m.SourceHub, &m.Priority, &m.Fingerprint, &status, &m.Attempts,
			&lease, &enqueued, &detected, &expires, &m.CorrelationID, &m.DeadReason,
		); err != nil {
			return nil, fmt.Errorf("scan queued signal: %w", err)
		}
		if m.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, err
		}
		m.Status = ir.QueueStatus(status)
		m.LeaseUntil = fromNanos(lease)
		m.EnqueuedAt = fromNanos(enqueued)
		m.DetectedAt = fromNanos(detected)
		m.ExpiresAt = fromNanos(expires)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}
