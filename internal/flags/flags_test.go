package flags

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/storage"
)

func newTestCache(t *testing.T) (*Cache, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewCache(s, time.Hour), s
}

func TestGetMissing(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get reported flags on an empty store")
	}
}

func TestPutThenGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, map[string]bool{"advisory_chat": true, "market_prices": false}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f, ok, err := c.Get(ctx)
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if !f.Flags["advisory_chat"] || f.Flags["market_prices"] {
		t.Errorf("Flags = %v", f.Flags)
	}
	if f.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
	if !c.Enabled(ctx, "advisory_chat") || c.Enabled(ctx, "unknown") {
		t.Error("Enabled returned wrong values")
	}
}

func TestExpiredFlagsAreMissing(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Put(ctx, map[string]bool{"advisory_chat": true})

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, ok, _ := c.Get(ctx); ok {
		t.Error("expired flags returned")
	}
	if c.Enabled(ctx, "advisory_chat") {
		t.Error("expired flag reported enabled")
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()
	s.SetKV(ctx, storeKey, "{not json", time.Time{})

	if _, ok, err := c.Get(ctx); ok || err != nil {
		t.Errorf("Get = ok %v, err %v, want a clean miss", ok, err)
	}
}
