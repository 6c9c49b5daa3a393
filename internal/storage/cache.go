package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Cached responses ---

// PutCachedResponse stores a response snapshot, replacing any previous entry
// for the same (bucket, request key).
func (s *Store) PutCachedResponse(ctx context.Context, c CachedResponse) error {
	headers := c.Headers
	if headers == "" {
		headers = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (bucket, request_key, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, request_key) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		c.Bucket, c.RequestKey, c.Status, headers, c.Body, c.StoredAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storing cache entry %s:%s: %w", c.Bucket, c.RequestKey, err)
	}
	return nil
}

func (s *Store) GetCachedResponse(ctx context.Context, bucket, key string) (CachedResponse, error) {
	c := CachedResponse{Bucket: bucket, RequestKey: key}
	var storedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT status, headers, body, stored_at FROM cache_entries
		WHERE bucket = ? AND request_key = ?`, bucket, key,
	).Scan(&c.Status, &c.Headers, &c.Body, &storedAt)
	if err == sql.ErrNoRows {
		return CachedResponse{}, ErrNotFound
	}
	if err != nil {
		return CachedResponse{}, fmt.Errorf("reading cache entry %s:%s: %w", bucket, key, err)
	}
	c.StoredAt = time.Unix(0, storedAt).UTC()
	return c, nil
}

// ListBuckets returns every bucket currently holding entries.
func (s *Store) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, COUNT(*) FROM cache_entries GROUP BY bucket ORDER BY bucket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketInfo
	for rows.Next() {
		var b BucketInfo
		if err := rows.Scan(&b.Name, &b.Entries); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBucketsExcept removes all entries whose bucket is not in keep and
// returns the number of entries removed.
func (s *Store) DeleteBucketsExcept(ctx context.Context, keep []string) (int64, error) {
	query := `DELETE FROM cache_entries`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += ` WHERE bucket NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, k := range keep {
			args = append(args, k)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting stale buckets: %w", err)
	}
	return res.RowsAffected()
}

// DeleteCachedBefore removes entries in bucket stored before t.
func (s *Store) DeleteCachedBefore(ctx context.Context, bucket string, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ? AND stored_at < ?`,
		bucket, t.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning bucket %s: %w", bucket, err)
	}
	return res.RowsAffected()
}
