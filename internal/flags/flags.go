// Package flags caches the tenant's feature-access flags so gated features
// keep their last known state while offline.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/fieldsync/internal/storage"
)

const (
	storeKey   = "cache:feature-flags"
	defaultTTL = time.Hour
)

// KVStore is the key/value namespace of the durable store.
type KVStore interface {
	SetKV(ctx context.Context, key, value string, expiresAt time.Time) error
	GetKV(ctx context.Context, key string, now time.Time) (string, error)
}

// Flags is a cached flag set.
type Flags struct {
	Flags     map[string]bool `json:"flags"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Cache stores the flag set with an expiry.
type Cache struct {
	store KVStore
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a Cache. If ttl is <= 0, it defaults to one hour.
func NewCache(store KVStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

// Get returns the cached flags. ok is false when nothing is cached or the
// entry has expired.
func (c *Cache) Get(ctx context.Context) (Flags, bool, error) {
	raw, err := c.store.GetKV(ctx, storeKey, c.now())
	if errors.Is(err, storage.ErrNotFound) {
		return Flags{}, false, nil
	}
	if err != nil {
		return Flags{}, false, err
	}
	var f Flags
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		// A corrupt entry is a miss; the next Put overwrites it.
		return Flags{}, false, nil
	}
	return f, true, nil
}

// Put replaces the cached flags.
func (c *Cache) Put(ctx context.Context, flags map[string]bool) (Flags, error) {
	now := c.now().UTC()
	if flags == nil {
		flags = map[string]bool{}
	}
	f := Flags{Flags: flags, FetchedAt: now}
	b, err := json.Marshal(f)
	if err != nil {
		return Flags{}, fmt.Errorf("encoding flags: %w", err)
	}
	if err := c.store.SetKV(ctx, storeKey, string(b), now.Add(c.ttl)); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Enabled reports whether name is set in the cached flags. Missing or expired
// flags are disabled.
func (c *Cache) Enabled(ctx context.Context, name string) bool {
	f, ok, err := c.Get(ctx)
	if err != nil || !ok {
		return false
	}
	return f.Flags[name]
}
