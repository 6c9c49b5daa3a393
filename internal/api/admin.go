package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/fieldsync/internal/cache"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/flags"
	"github.com/kalambet/fieldsync/internal/knowledge"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/replay"
	"github.com/kalambet/fieldsync/internal/storage"
)

// AdminPrefix is the path prefix of the admin API. Everything else is proxied.
const AdminPrefix = "/_fieldsync"

const maxPackBodySize = 32 << 20 // 32MB

// Syncer abstracts the replayer.
type Syncer interface {
	SyncNow(ctx context.Context) (replay.Summary, error)
	Status(ctx context.Context) (replay.Status, error)
}

// Evictor runs an eviction pass.
type Evictor interface {
	Evict(ctx context.Context) (cache.EvictStats, error)
}

type AppDeps struct {
	Store       *storage.Store
	Queue       *queue.Manager
	Sync        Syncer
	Monitor     *connectivity.Monitor
	Buckets     cache.Buckets
	Evictor     Evictor
	Flags       *flags.Cache
	Knowledge   *knowledge.Cache
	Token       string
	CORSOrigins []string
	// Proxy serves every non-admin path; nil disables it.
	Proxy http.Handler
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/health", handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))

			r.Get("/queue", handleListQueue(deps))
			r.Post("/queue", handleEnqueue(deps))
			r.Delete("/queue/{id}", handleRemoveQueued(deps))
			r.Get("/sync", handleSyncStatus(deps))
			r.Post("/sync", handleSyncNow(deps))
			r.Get("/connectivity", handleGetConnectivity(deps))
			r.Put("/connectivity", handlePutConnectivity(deps))
			r.Get("/cache/buckets", handleListBuckets(deps))
			r.Post("/cache/evict", handleEvict(deps))
			r.Get("/flags", handleGetFlags(deps))
			r.Put("/flags", handlePutFlags(deps))
			r.Get("/knowledge", handleLookupKnowledge(deps))
			r.Post("/knowledge", handleCacheAnswer(deps))
			r.Post("/knowledge/packs", handleLoadPack(deps))
		})
	})

	if deps.Proxy != nil {
		r.Handle("/*", deps.Proxy)
	}
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- queue ---

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ops, err := deps.Queue.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"operations": ops,
			"count":      len(ops),
		})
	}
}

type enqueueRequest struct {
	Kind     queue.Kind      `json:"kind"`
	Resource string          `json:"resource"`
	RecordID string          `json:"record_id"`
	Payload  json.RawMessage `json:"payload"`
	Priority queue.Priority  `json:"priority"`
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Queue.Enqueue(r.Context(), queue.Operation{
			Kind:     req.Kind,
			Resource: req.Resource,
			RecordID: req.RecordID,
			Payload:  req.Payload,
			Priority: req.Priority,
		})
		if errors.Is(err, queue.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue operation: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleRemoveQueued(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Queue.Remove(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove operation: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- sync ---

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Sync.Status(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read sync status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sync":         st,
			"connectivity": deps.Monitor.State(),
		})
	}
}

func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Sync.SyncNow(r.Context())
		if errors.Is(err, replay.ErrInProgress) {
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// --- connectivity ---

func handleGetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Monitor.State())
	}
}

type connectivityRequest struct {
	Online        *bool   `json:"online"`
	EffectiveType string  `json:"effective_type"`
	RTTMillis     int64   `json:"rtt_ms"`
	Downlink      float64 `json:"downlink_mbps"`
}

func handlePutConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectivityRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		changed := deps.Monitor.Observe(*req.Online, connectivity.Quality{
			EffectiveType: req.EffectiveType,
			RTT:           time.Duration(req.RTTMillis) * time.Millisecond,
			Downlink:      req.Downlink,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   deps.Monitor.State(),
			"changed": changed,
		})
	}
}

// --- cache ---

func handleListBuckets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buckets, err := deps.Store.ListBuckets(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list buckets: %v", err)
			return
		}
		type bucket struct {
			Name    string `json:"name"`
			Entries int    `json:"entries"`
		}
		out := make([]bucket, len(buckets))
		for i, b := range buckets {
			out[i] = bucket{Name: b.Name, Entries: b.Entries}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version": deps.Buckets.Version,
			"current": deps.Buckets.All(),
			"buckets": out,
		})
	}
}

func handleEvict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Evictor.Evict(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "eviction failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// --- flags ---

func handleGetFlags(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok, err := deps.Flags.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read flags: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "no cached flags")
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

func handlePutFlags(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Flags map[string]bool `json:"flags"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		f, err := deps.Flags.Put(r.Context(), req.Flags)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store flags: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

// --- knowledge ---

func handleLookupKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		lang := r.URL.Query().Get("lang")

		e, err := deps.Knowledge.Lookup(r.Context(), q, lang)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"match": "exact", "entry": e})
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "lookup failed: %v", err)
			return
		}

		limit := 5
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 50)
		}
		matches, err := deps.Knowledge.Search(r.Context(), q, lang, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if len(matches) == 0 {
			httpError(w, http.StatusNotFound, "not_found_error", "no cached answer")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"match": "near", "results": matches})
	}
}

func handleCacheAnswer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req knowledge.Entry
		if !decodeBody(w, r, &req) {
			return
		}
		e, err := deps.Knowledge.Put(r.Context(), req)
		if errors.Is(err, knowledge.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cache answer: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

type loadPackRequest struct {
	URL string `json:"url"`
	knowledge.Pack
}

func handleLoadPack(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loadPackRequest
		if !decodeBodyLimit(w, r, &req, maxPackBodySize) {
			return
		}

		var (
			pack knowledge.Pack
			n    int
			err  error
		)
		if req.URL != "" {
			pack, n, err = deps.Knowledge.DownloadPack(r.Context(), req.URL)
		} else {
			pack = req.Pack
			n, err = deps.Knowledge.LoadPack(r.Context(), pack)
		}
		if errors.Is(err, knowledge.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to load pack: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pack_id": pack.ID,
			"version": pack.Version,
			"loaded":  n,
		})
	}
}
