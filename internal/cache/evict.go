package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/storage"
)

// Buckets names versioned buckets as <prefix>-<class>-<version>. Changing
// Version and running eviction invalidates everything cached by older builds.
type Buckets struct {
	Prefix  string
	Version string
}

func (b Buckets) Name(c Class) string {
	return fmt.Sprintf("%s-%s-%s", b.Prefix, c, b.Version)
}

// All returns the names of every current bucket.
func (b Buckets) All() []string {
	return []string{b.Name(ClassPrecache), b.Name(ClassRuntime), b.Name(ClassAssets), b.Name(ClassAPI)}
}

// EvictStore abstracts the bucket maintenance operations of the durable store.
type EvictStore interface {
	DeleteBucketsExcept(ctx context.Context, keep []string) (int64, error)
	DeleteCachedBefore(ctx context.Context, bucket string, t time.Time) (int64, error)
	ListBuckets(ctx context.Context) ([]storage.BucketInfo, error)
}

// EvictStats reports what one eviction pass removed.
type EvictStats struct {
	StaleBuckets int64 `json:"stale_bucket_entries"`
	ExpiredAPI   int64 `json:"expired_api_entries"`
}

// Evictor bounds cache growth by dropping buckets from older versions and
// expired API entries.
type Evictor struct {
	store    EvictStore
	buckets  Buckets
	apiTTL   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	running  atomic.Bool
	kick     chan struct{}
}

// NewEvictor creates an Evictor. If interval is <= 0, it defaults to one hour.
func NewEvictor(store EvictStore, buckets Buckets, apiTTL, interval time.Duration) *Evictor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Evictor{
		store:    store,
		buckets:  buckets,
		apiTTL:   apiTTL,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
	}
}

// Evict runs one eviction pass.
func (ev *Evictor) Evict(ctx context.Context) (EvictStats, error) {
	var st EvictStats
	n, err := ev.store.DeleteBucketsExcept(ctx, ev.buckets.All())
	if err != nil {
		return st, err
	}
	st.StaleBuckets = n

	if ev.apiTTL > 0 {
		n, err = ev.store.DeleteCachedBefore(ctx, ev.buckets.Name(ClassAPI), ev.now().Add(-ev.apiTTL))
		if err != nil {
			return st, err
		}
		st.ExpiredAPI = n
	}

	if st.StaleBuckets > 0 || st.ExpiredAPI > 0 {
		ev.logger.Info("cache eviction", "version", ev.buckets.Version,
			"stale_entries", st.StaleBuckets, "expired_api_entries", st.ExpiredAPI)
	}
	return st, nil
}

// Run evicts immediately (covering version upgrades), then on every interval
// and connection restore until ctx is cancelled.
func (ev *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(ev.interval)
	defer ticker.Stop()
	for {
		ev.evictBackground(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-ev.kick:
		}
	}
}

// OnTransition schedules an eviction in Run when the connection is restored.
func (ev *Evictor) OnTransition(s connectivity.State) {
	if !s.Online {
		return
	}
	select {
	case ev.kick <- struct{}{}:
	default:
	}
}

func (ev *Evictor) evictBackground(ctx context.Context) {
	if !ev.running.CompareAndSwap(false, true) {
		return
	}
	defer ev.running.Store(false)
	if _, err := ev.Evict(ctx); err != nil && ctx.Err() == nil {
		ev.logger.Error("cache eviction failed", "error", err)
	}
}
