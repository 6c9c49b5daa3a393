package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Mutation queue ---

// InsertMutation persists m. The row is committed before InsertMutation returns.
func (s *Store) InsertMutation(ctx context.Context, m Mutation) error {
	payload := m.PayloadJSON
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations (id, kind, resource, record_id, payload_json, priority, priority_rank, idempotency_key, retry_count, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, m.Resource, m.RecordID, payload, m.Priority, m.PriorityRank,
		m.IdempotencyKey, m.RetryCount, m.EnqueuedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting mutation %s: %w", m.ID, err)
	}
	return nil
}

// ListMutations returns all queued mutations ordered by priority rank
// descending, then enqueue time ascending, then insertion order.
func (s *Store) ListMutations(ctx context.Context) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, resource, record_id, payload_json, priority, priority_rank, idempotency_key, retry_count, enqueued_at, last_error
		FROM mutations
		ORDER BY priority_rank DESC, enqueued_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var m Mutation
		var enqueuedAt int64
		var lastError sql.NullString
		if err := rows.Scan(&m.ID, &m.Kind, &m.Resource, &m.RecordID, &m.PayloadJSON, &m.Priority,
			&m.PriorityRank, &m.IdempotencyKey, &m.RetryCount, &enqueuedAt, &lastError); err != nil {
			return nil, err
		}
		m.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		m.LastError = lastError.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMutation removes a mutation. Deleting a missing id is not an error.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting mutation %s: %w", id, err)
	}
	return nil
}

// IncrementMutationRetry bumps the retry count, records errMsg and returns the new count.
func (s *Store) IncrementMutationRetry(ctx context.Context, id, errMsg string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE mutations SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`, errMsg, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing retry for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM mutations WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("reading retry count for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing retry for %s: %w", id, err)
	}
	return count, nil
}

func (s *Store) CountMutations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting mutations: %w", err)
	}
	return n, nil
}
