// Package cache intercepts outgoing HTTP requests and serves them with a
// cache-first, network-first or network-only strategy backed by the durable
// local store.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/fieldsync/internal/storage"
)

// SourceHeader marks where a response came from.
const SourceHeader = "X-Fieldsync-Source"

const defaultMaxBodyBytes = 10 << 20 // 10MB

// Store abstracts the cache_entries namespace of the durable store.
type Store interface {
	PutCachedResponse(ctx context.Context, c storage.CachedResponse) error
	GetCachedResponse(ctx context.Context, bucket, key string) (storage.CachedResponse, error)
}

// Fetcher performs network requests. *http.Client satisfies it; it must not
// route back through the Engine.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// Source is where a Result's snapshot came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// NetworkFailure is an expected transport failure (offline, DNS, reset).
// It is the only error that triggers a cache fallback.
type NetworkFailure struct {
	URL string
	Err error
}

func (e *NetworkFailure) Error() string {
	return fmt.Sprintf("network failure for %s: %v", e.URL, e.Err)
}

func (e *NetworkFailure) Unwrap() error { return e.Err }

// StorageFailure is a durable store read or write failure.
type StorageFailure struct {
	Op  string
	Key string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// Snapshot is a fully buffered response.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK reports whether the snapshot may be cached.
func (s *Snapshot) OK() bool {
	return s.Status >= 200 && s.Status < 300
}

// Response builds an *http.Response for req from the snapshot.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	h := s.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Result is the outcome of a handled request.
type Result struct {
	Snapshot *Snapshot
	Source   Source
	Route    Route
	// StorageErr is set when the response could not be written to the cache.
	// The response itself is still valid.
	StorageErr error
}

// Options configures an Engine.
type Options struct {
	Buckets Buckets
	// APITTL expires api bucket entries. Zero disables expiry.
	APITTL time.Duration
	// OfflineURL is the offline document served to navigation requests when
	// both the network and the cache miss. Relative URLs resolve against the
	// request's origin.
	OfflineURL   string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Engine executes cache strategies. Construct one per process and share it.
type Engine struct {
	store      Store
	net        Fetcher
	routes     *RouteTable
	buckets    Buckets
	apiTTL     time.Duration
	offlineURL *url.URL
	maxBody    int64
	now        func() time.Time
	logger     *slog.Logger

	refresh singleflight.Group
	bg      sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(store Store, net Fetcher, routes *RouteTable, opts Options) (*Engine, error) {
	if routes == nil {
		routes = MustDefaultRoutes()
	}
	if opts.Buckets.Prefix == "" {
		opts.Buckets.Prefix = "fieldsync"
	}
	if opts.Buckets.Version == "" {
		opts.Buckets.Version = "v1"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		store:   store,
		net:     net,
		routes:  routes,
		buckets: opts.Buckets,
		apiTTL:  opts.APITTL,
		maxBody: opts.MaxBodyBytes,
		now:     time.Now,
		logger:  opts.Logger,
	}
	if opts.OfflineURL != "" {
		u, err := url.Parse(opts.OfflineURL)
		if err != nil {
			return nil, fmt.Errorf("parsing offline url: %w", err)
		}
		e.offlineURL = u
	}
	return e, nil
}

// Buckets returns the engine's bucket naming.
func (e *Engine) Buckets() Buckets { return e.buckets }

// Handle classifies req and executes the matching strategy.
func (e *Engine) Handle(ctx context.Context, req *http.Request) (Result, error) {
	req = req.WithContext(ctx)
	route := e.routes.Classify(req)

	var (
		res Result
		err error
	)
	switch route.Strategy {
	case CacheFirst:
		res, err = e.cacheFirst(ctx, req, route)
	case NetworkFirst:
		res, err = e.networkFirst(ctx, req, route)
	default:
		var snap *Snapshot
		snap, err = e.fetch(req)
		res = Result{Snapshot: snap, Source: SourceNetwork}
	}
	res.Route = route
	return res, err
}

// RoundTrip implements http.RoundTripper.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := e.Handle(req.Context(), req)
	if err != nil {
		return nil, err
	}
	resp := res.Snapshot.Response(req)
	resp.Header.Set(SourceHeader, string(res.Source))
	return resp, nil
}

// Wait blocks until background revalidations finish.
func (e *Engine) Wait() {
	e.bg.Wait()
}

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, route Route) (Result, error) {
	bucket := e.buckets.Name(route.Class)
	key := RequestKey(req.Method, req.URL)

	snap, err := e.lookup(ctx, bucket, key, route.Class)
	if err == nil {
		e.revalidate(req, bucket, key)
		return Result{Snapshot: snap, Source: SourceCache}, nil
	}
	var storageErr error
	if !errors.Is(err, storage.ErrNotFound) {
		// Unreadable cache: serve from the network as if this were network-only.
		storageErr = err
		e.logger.Warn("cache read failed", "bucket", bucket, "key", key, "error", err)
	}

	snap, err = e.fetch(req)
	if err != nil {
		return Result{}, err
	}
	res := Result{Snapshot: snap, Source: SourceNetwork, StorageErr: storageErr}
	if snap.OK() {
		if err := e.put(ctx, bucket, key, snap); err != nil {
			res.StorageErr = err
		}
	}
	return res, nil
}

func (e *Engine) networkFirst(ctx context.Context, req *http.Request, route Route) (Result, error) {
	bucket := e.buckets.Name(route.Class)
	key := RequestKey(req.Method, req.URL)

	snap, err := e.fetch(req)
	if err == nil {
		res := Result{Snapshot: snap, Source: SourceNetwork}
		if snap.OK() {
			if err := e.put(ctx, bucket, key, snap); err != nil {
				res.StorageErr = err
			}
		}
		return res, nil
	}

	var nf *NetworkFailure
	if !errors.As(err, &nf) || ctx.Err() != nil {
		return Result{}, err
	}

	for _, class := range []Class{route.Class, ClassPrecache} {
		b := e.buckets.Name(class)
		cached, lerr := e.lookup(ctx, b, key, class)
		if lerr == nil {
			e.logger.Debug("network failed, served from cache", "bucket", b, "key", key)
			return Result{Snapshot: cached, Source: SourceCache}, nil
		}
		if !errors.Is(lerr, storage.ErrNotFound) {
			e.logger.Warn("cache fallback read failed", "bucket", b, "key", key, "error", lerr)
		}
	}

	if route.Navigation && e.offlineURL != nil {
		offKey := RequestKey(http.MethodGet, req.URL.ResolveReference(e.offlineURL))
		doc, lerr := e.lookup(ctx, e.buckets.Name(ClassPrecache), offKey, ClassPrecache)
		if lerr == nil {
			return Result{Snapshot: doc, Source: SourceOffline}, nil
		}
		e.logger.Warn("offline document unavailable", "key", offKey, "error", lerr)
	}
	return Result{}, err
}

// revalidate refreshes an entry in the background. Concurrent refreshes of
// the same entry collapse into one; failures are dropped since the caller
// already has a response.
func (e *Engine) revalidate(req *http.Request, bucket, key string) {
	bgReq := req.Clone(context.WithoutCancel(req.Context()))
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.refresh.Do(bucket+"\x00"+key, func() (any, error) {
			snap, err := e.fetch(bgReq)
			if err != nil {
				e.logger.Debug("revalidation failed", "key", key, "error", err)
				return nil, err
			}
			if snap.OK() {
				e.put(bgReq.Context(), bucket, key, snap)
			}
			return nil, nil
		})
	}()
}

func (e *Engine) fetch(req *http.Request) (*Snapshot, error) {
	resp, err := e.net.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkFailure{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkFailure{URL: req.URL.String(), Err: fmt.Errorf("reading body: %w", err)}
	}
	return &Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: e.now(),
	}, nil
}

func (e *Engine) lookup(ctx context.Context, bucket, key string, class Class) (*Snapshot, error) {
	c, err := e.store.GetCachedResponse(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, &StorageFailure{Op: "read", Key: bucket + ":" + key, Err: err}
	}
	if class == ClassAPI && e.apiTTL > 0 && e.now().Sub(c.StoredAt) > e.apiTTL {
		return nil, storage.ErrNotFound
	}
	var h http.Header
	if err := json.Unmarshal([]byte(c.Headers), &h); err != nil {
		return nil, &StorageFailure{Op: "decode", Key: bucket + ":" + key, Err: err}
	}
	return &Snapshot{Status: c.Status, Header: h, Body: c.Body, StoredAt: c.StoredAt}, nil
}

func (e *Engine) put(ctx context.Context, bucket, key string, snap *Snapshot) error {
	if int64(len(snap.Body)) > e.maxBody {
		e.logger.Debug("response too large to cache", "key", key, "bytes", len(snap.Body))
		return nil
	}
	h, err := json.Marshal(snap.Header)
	if err != nil {
		return &StorageFailure{Op: "encode", Key: bucket + ":" + key, Err: err}
	}
	err = e.store.PutCachedResponse(ctx, storage.CachedResponse{
		Bucket:     bucket,
		RequestKey: key,
		Status:     snap.Status,
		Headers:    string(h),
		Body:       snap.Body,
		StoredAt:   snap.StoredAt,
	})
	if err != nil {
		e.logger.Warn("cache write failed, serving uncached", "bucket", bucket, "key", key, "error", err)
		return &StorageFailure{Op: "write", Key: bucket + ":" + key, Err: err}
	}
	return nil
}

// Precache fetches urls and stores successful responses in the precache
// bucket. It keeps going past failures and returns them joined.
func (e *Engine) Precache(ctx context.Context, urls []string) error {
	bucket := e.buckets.Name(ClassPrecache)
	var errs []error
	for _, raw := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", raw, err))
			continue
		}
		snap, err := e.fetch(req)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", raw, err))
			continue
		}
		if !snap.OK() {
			errs = append(errs, fmt.Errorf("precache %s: status %d", raw, snap.Status))
			continue
		}
		if err := e.put(ctx, bucket, RequestKey(http.MethodGet, req.URL), snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
