package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Small derived caches ---

// SetKV stores value under key. A zero expiresAt never expires.
func (s *Store) SetKV(ctx context.Context, key, value string, expiresAt time.Time) error {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UTC().UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, value, exp, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// GetKV returns the value for key. Expired values are reported as ErrNotFound.
func (s *Store) GetKV(ctx context.Context, key string, now time.Time) (string, error) {
	var value string
	var exp int64
	err := s.db.QueryRowContext(ctx, "SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &exp)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	if exp != 0 && now.UTC().UnixNano() >= exp {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// --- Knowledge pack entries ---

// UpsertQAEntry stores e keyed by (normalized query, language).
func (s *Store) UpsertQAEntry(ctx context.Context, e QAEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_entries (normalized, language, query, answer, confidence, pack_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized, language) DO UPDATE SET
			query = excluded.query,
			answer = excluded.answer,
			confidence = excluded.confidence,
			pack_id = excluded.pack_id,
			created_at = excluded.created_at`,
		e.Normalized, e.Language, e.Query, e.Answer, e.Confidence, e.PackID, e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storing qa entry: %w", err)
	}
	return nil
}

// UpsertQAEntries stores entries in a single transaction.
func (s *Store) UpsertQAEntries(ctx context.Context, entries []QAEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning qa transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO qa_entries (normalized, language, query, answer, confidence, pack_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized, language) DO UPDATE SET
			query = excluded.query,
			answer = excluded.answer,
			confidence = excluded.confidence,
			pack_id = excluded.pack_id,
			created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing qa insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Normalized, e.Language, e.Query, e.Answer, e.Confidence, e.PackID, e.CreatedAt.UTC().UnixNano()); err != nil {
			return fmt.Errorf("storing qa entry %q: %w", e.Normalized, err)
		}
	}
	return tx.Commit()
}

// GetQAEntry returns the entry for (normalized, language) created at or after notBefore.
func (s *Store) GetQAEntry(ctx context.Context, normalized, language string, notBefore time.Time) (QAEntry, error) {
	e := QAEntry{Normalized: normalized, Language: language}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT query, answer, confidence, pack_id, created_at FROM qa_entries
		WHERE normalized = ? AND language = ? AND created_at >= ?`,
		normalized, language, notBefore.UTC().UnixNano(),
	).Scan(&e.Query, &e.Answer, &e.Confidence, &e.PackID, &createdAt)
	if err == sql.ErrNoRows {
		return QAEntry{}, ErrNotFound
	}
	if err != nil {
		return QAEntry{}, fmt.Errorf("reading qa entry: %w", err)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

// SearchQAEntries returns entries in language whose normalized query contains
// any of terms, newest first.
func (s *Store) SearchQAEntries(ctx context.Context, language string, terms []string, notBefore time.Time, limit int) ([]QAEntry, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	conds := make([]string, len(terms))
	args := []any{language, notBefore.UTC().UnixNano()}
	for i, t := range terms {
		conds[i] = "normalized LIKE ?"
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT normalized, language, query, answer, confidence, pack_id, created_at FROM qa_entries
		WHERE language = ? AND created_at >= ? AND (`+strings.Join(conds, " OR ")+`)
		ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching qa entries: %w", err)
	}
	defer rows.Close()

	var out []QAEntry
	for rows.Next() {
		var e QAEntry
		var createdAt int64
		if err := rows.Scan(&e.Normalized, &e.Language, &e.Query, &e.Answer, &e.Confidence, &e.PackID, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteQAEntriesBefore removes entries created before t.
func (s *Store) DeleteQAEntriesBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM qa_entries WHERE created_at < ?`, t.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning qa entries: %w", err)
	}
	return res.RowsAffected()
}
