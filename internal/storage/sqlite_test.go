package storage

import (
	"context"
	"testing"
	"time"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if len(v2) != 2 {
		t.Errorf("applied %d migrations, want 2", len(v2))
	}
}

func TestCachedResponseUpsert(t *testing.T) {
	s := openTestStore(t)

	first := CachedResponse{Bucket: "fs-api-v1", RequestKey: "GET https://x/a", Status: 200, Body: []byte("one"), StoredAt: time.Now()}
	if err := s.PutCachedResponse(ctx, first); err != nil {
		t.Fatalf("PutCachedResponse: %v", err)
	}
	second := first
	second.Body = []byte("two")
	if err := s.PutCachedResponse(ctx, second); err != nil {
		t.Fatalf("PutCachedResponse: %v", err)
	}

	got, err := s.GetCachedResponse(ctx, "fs-api-v1", "GET https://x/a")
	if err != nil {
		t.Fatalf("GetCachedResponse: %v", err)
	}
	if string(got.Body) != "two" {
		t.Errorf("Body = %q, want %q", got.Body, "two")
	}
	if got.Headers != "{}" {
		t.Errorf("Headers = %q, want {}", got.Headers)
	}

	buckets, err := s.ListBuckets(ctx)
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Entries != 1 {
		t.Errorf("buckets = %+v, want one bucket with one entry", buckets)
	}
}

func TestGetCachedResponseNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetCachedResponse(ctx, "nope", "GET https://x/")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDeleteBucketsExcept(t *testing.T) {
	s := openTestStore(t)

	for _, b := range []string{"fs-runtime-v1", "fs-runtime-v2", "fs-assets-v1"} {
		if err := s.PutCachedResponse(ctx, CachedResponse{Bucket: b, RequestKey: "k", Status: 200, StoredAt: time.Now()}); err != nil {
			t.Fatalf("PutCachedResponse: %v", err)
		}
	}

	n, err := s.DeleteBucketsExcept(ctx, []string{"fs-runtime-v2"})
	if err != nil {
		t.Fatalf("DeleteBucketsExcept: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	buckets, _ := s.ListBuckets(ctx)
	if len(buckets) != 1 || buckets[0].Name != "fs-runtime-v2" {
		t.Errorf("buckets = %+v, want only fs-runtime-v2", buckets)
	}
}

func TestDeleteCachedBefore(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	s.PutCachedResponse(ctx, CachedResponse{Bucket: "api", RequestKey: "old", Status: 200, StoredAt: now.Add(-2 * time.Hour)})
	s.PutCachedResponse(ctx, CachedResponse{Bucket: "api", RequestKey: "new", Status: 200, StoredAt: now})

	n, err := s.DeleteCachedBefore(ctx, "api", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteCachedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.GetCachedResponse(ctx, "api", "new"); err != nil {
		t.Errorf("new entry missing: %v", err)
	}
}

func TestListMutationsOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	rows := []Mutation{
		{ID: "a", Kind: "insert", Resource: "lands", Priority: "low", PriorityRank: 1, IdempotencyKey: "a", EnqueuedAt: base},
		{ID: "b", Kind: "insert", Resource: "lands", Priority: "high", PriorityRank: 3, IdempotencyKey: "b", EnqueuedAt: base.Add(time.Second)},
		{ID: "c", Kind: "insert", Resource: "lands", Priority: "high", PriorityRank: 3, IdempotencyKey: "c", EnqueuedAt: base.Add(2 * time.Second)},
		{ID: "d", Kind: "insert", Resource: "lands", Priority: "high", PriorityRank: 3, IdempotencyKey: "d", EnqueuedAt: base.Add(2 * time.Second)},
	}
	for _, m := range rows {
		if err := s.InsertMutation(ctx, m); err != nil {
			t.Fatalf("InsertMutation: %v", err)
		}
	}

	got, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations: %v", err)
	}
	want := []string{"b", "c", "d", "a"}
	if len(got) != len(want) {
		t.Fatalf("got %d mutations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d = %q, want %q", i, got[i].ID, want[i])
		}
	}
	if got[0].PayloadJSON != "null" {
		t.Errorf("PayloadJSON = %q, want null", got[0].PayloadJSON)
	}
}

func TestMutationRetryAndDelete(t *testing.T) {
	s := openTestStore(t)

	m := Mutation{ID: "m1", Kind: "update", Resource: "lands", RecordID: "L1", PayloadJSON: `{"name":"Field A"}`,
		Priority: "medium", PriorityRank: 2, IdempotencyKey: "k1", EnqueuedAt: time.Now()}
	if err := s.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation: %v", err)
	}

	for want := 1; want <= 2; want++ {
		n, err := s.IncrementMutationRetry(ctx, "m1", "boom")
		if err != nil {
			t.Fatalf("IncrementMutationRetry: %v", err)
		}
		if n != want {
			t.Errorf("retry count = %d, want %d", n, want)
		}
	}

	list, _ := s.ListMutations(ctx)
	if list[0].LastError != "boom" {
		t.Errorf("LastError = %q, want boom", list[0].LastError)
	}

	if err := s.DeleteMutation(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMutation: %v", err)
	}
	if err := s.DeleteMutation(ctx, "m1"); err != nil {
		t.Errorf("second DeleteMutation should be a no-op, got %v", err)
	}
	if _, err := s.IncrementMutationRetry(ctx, "m1", "x"); err != ErrNotFound {
		t.Errorf("IncrementMutationRetry on deleted = %v, want ErrNotFound", err)
	}
	if n, _ := s.CountMutations(ctx); n != 0 {
		t.Errorf("CountMutations = %d, want 0", n)
	}
}

func TestKVExpiry(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.SetKV(ctx, "cache:feature-flags", `{"a":true}`, now.Add(time.Minute)); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	v, err := s.GetKV(ctx, "cache:feature-flags", now)
	if err != nil {
		t.Fatalf("GetKV: %v", err)
	}
	if v != `{"a":true}` {
		t.Errorf("value = %q", v)
	}
	if _, err := s.GetKV(ctx, "cache:feature-flags", now.Add(2*time.Minute)); err != ErrNotFound {
		t.Errorf("GetKV after expiry = %v, want ErrNotFound", err)
	}
}

func TestQAEntries(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	entries := []QAEntry{
		{Normalized: "when to plant maize", Language: "en", Query: "When to plant maize?", Answer: "After first rains.", Confidence: 0.9, CreatedAt: now},
		{Normalized: "maize fertilizer", Language: "en", Query: "Maize fertilizer", Answer: "Use NPK.", Confidence: 0.7, CreatedAt: now.Add(-10 * 24 * time.Hour)},
	}
	if err := s.UpsertQAEntries(ctx, entries); err != nil {
		t.Fatalf("UpsertQAEntries: %v", err)
	}

	got, err := s.GetQAEntry(ctx, "when to plant maize", "en", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetQAEntry: %v", err)
	}
	if got.Answer != "After first rains." {
		t.Errorf("Answer = %q", got.Answer)
	}
	if _, err := s.GetQAEntry(ctx, "maize fertilizer", "en", now.Add(-7*24*time.Hour)); err != ErrNotFound {
		t.Errorf("stale entry lookup = %v, want ErrNotFound", err)
	}

	found, err := s.SearchQAEntries(ctx, "en", []string{"maize"}, now.Add(-30*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("SearchQAEntries: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("search found %d, want 2", len(found))
	}

	n, err := s.DeleteQAEntriesBefore(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteQAEntriesBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}
