package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/cache"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/flags"
	"github.com/kalambet/fieldsync/internal/knowledge"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/replay"
	"github.com/kalambet/fieldsync/internal/storage"
)

const testToken = "test-token-12345"

// mockSyncer returns canned results.
type mockSyncer struct {
	summary replay.Summary
	err     error
	calls   atomic.Int32
}

func (m *mockSyncer) SyncNow(context.Context) (replay.Summary, error) {
	m.calls.Add(1)
	return m.summary, m.err
}

func (m *mockSyncer) Status(context.Context) (replay.Status, error) {
	return replay.Status{Last: m.summary, Interval: "5m0s"}, nil
}

func setupAppHandler(t *testing.T, proxy http.Handler) (http.Handler, AppDeps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	buckets := cache.Buckets{Prefix: "fs", Version: "v2"}
	deps := AppDeps{
		Store:     store,
		Queue:     queue.NewManager(store),
		Sync:      &mockSyncer{summary: replay.Summary{Synced: 2}},
		Monitor:   connectivity.NewMonitor(false),
		Buckets:   buckets,
		Evictor:   cache.NewEvictor(store, buckets, time.Hour, 0),
		Flags:     flags.NewCache(store, time.Hour),
		Knowledge: knowledge.NewCache(store, nil, 0),
		Token:     testToken,
		Proxy:     proxy,
	}
	return NewAppHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env.Error.Type, env.Error.Message
}

func TestHealthIsPublic(t *testing.T) {
	h, _ := setupAppHandler(t, nil)
	rr := serve(h, authReq(http.MethodGet, "/_fieldsync/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	for _, token := range []string{"", "wrong-token"} {
		rr := serve(h, authReq(http.MethodGet, "/_fieldsync/queue", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if typ, _ := decodeError(t, rr); typ != "authentication_error" {
			t.Errorf("error type = %q", typ)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Error("WWW-Authenticate header missing on 401")
		}
	}

	req := authReq(http.MethodGet, "/_fieldsync/queue", "", "")
	req.Header.Set("Authorization", "bearer "+testToken)
	if rr := serve(h, req); rr.Code != http.StatusOK {
		t.Errorf("lower-case scheme: status = %d, want 200", rr.Code)
	}
}

func TestBearerAuthEmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/queue",
		`{"kind":"insert","resource":"lands","payload":{"id":"L1","name":"North"},"priority":"high"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created map[string]string
	json.NewDecoder(rr.Body).Decode(&created)
	if created["id"] == "" || created["status"] != "queued" {
		t.Fatalf("enqueue response = %v", created)
	}

	rr = serve(h, authReq(http.MethodGet, "/_fieldsync/queue", "", testToken))
	var list struct {
		Operations []queue.Operation `json:"operations"`
		Count      int               `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if list.Count != 1 || list.Operations[0].ID != created["id"] || list.Operations[0].RecordID != "L1" {
		t.Errorf("list = %+v", list)
	}

	rr = serve(h, authReq(http.MethodDelete, "/_fieldsync/queue/"+created["id"], "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodDelete, "/_fieldsync/queue/"+created["id"], "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Errorf("second delete status = %d, want 204", rr.Code)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/queue", `{"kind":"update","resource":"lands","payload":{}}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if typ, _ := decodeError(t, rr); typ != "invalid_request_error" {
		t.Errorf("error type = %q", typ)
	}

	rr = serve(h, authReq(http.MethodPost, "/_fieldsync/queue", `{not json`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rr.Code)
	}
}

func TestSyncNow(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/sync", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var sum replay.Summary
	json.NewDecoder(rr.Body).Decode(&sum)
	if sum.Synced != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestSyncNowConflict(t *testing.T) {
	h, deps := setupAppHandler(t, nil)
	deps.Sync.(*mockSyncer).err = replay.ErrInProgress

	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/sync", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if typ, _ := decodeError(t, rr); typ != "conflict_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestSyncStatus(t *testing.T) {
	h, _ := setupAppHandler(t, nil)
	rr := serve(h, authReq(http.MethodGet, "/_fieldsync/sync", "", testToken))
	var body struct {
		Sync         replay.Status      `json:"sync"`
		Connectivity connectivity.State `json:"connectivity"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Sync.Last.Synced != 2 || body.Connectivity.Online {
		t.Errorf("status = %+v", body)
	}
}

func TestConnectivityObservation(t *testing.T) {
	h, deps := setupAppHandler(t, nil)
	var restored atomic.Int32
	deps.Monitor.Register(connectivity.ObserverFunc(func(s connectivity.State) {
		if s.Online {
			restored.Add(1)
		}
	}))

	for i := 0; i < 2; i++ {
		rr := serve(h, authReq(http.MethodPut, "/_fieldsync/connectivity", `{"online":true,"effective_type":"3g","rtt_ms":400}`, testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
		}
	}
	if restored.Load() != 1 {
		t.Errorf("connection-restored fired %d times, want 1", restored.Load())
	}

	rr := serve(h, authReq(http.MethodGet, "/_fieldsync/connectivity", "", testToken))
	var st connectivity.State
	json.NewDecoder(rr.Body).Decode(&st)
	if !st.Online || st.Quality.EffectiveType != "3g" || st.Quality.RTT != 400*time.Millisecond {
		t.Errorf("state = %+v", st)
	}

	rr = serve(h, authReq(http.MethodPut, "/_fieldsync/connectivity", `{"effective_type":"4g"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing online status = %d, want 400", rr.Code)
	}
}

func TestCacheBucketsAndEvict(t *testing.T) {
	h, deps := setupAppHandler(t, nil)
	ctx := context.Background()
	deps.Store.PutCachedResponse(ctx, storage.CachedResponse{Bucket: "fs-runtime-v1", RequestKey: "GET https://x/", Status: 200, StoredAt: time.Now()})
	deps.Store.PutCachedResponse(ctx, storage.CachedResponse{Bucket: "fs-runtime-v2", RequestKey: "GET https://x/", Status: 200, StoredAt: time.Now()})

	rr := serve(h, authReq(http.MethodGet, "/_fieldsync/cache/buckets", "", testToken))
	var listing struct {
		Version string   `json:"version"`
		Current []string `json:"current"`
		Buckets []struct {
			Name    string `json:"name"`
			Entries int    `json:"entries"`
		} `json:"buckets"`
	}
	json.NewDecoder(rr.Body).Decode(&listing)
	if listing.Version != "v2" || len(listing.Buckets) != 2 || len(listing.Current) != 4 {
		t.Errorf("listing = %+v", listing)
	}

	rr = serve(h, authReq(http.MethodPost, "/_fieldsync/cache/evict", "", testToken))
	var st cache.EvictStats
	json.NewDecoder(rr.Body).Decode(&st)
	if st.StaleBuckets != 1 {
		t.Errorf("evict stats = %+v, want one stale entry removed", st)
	}
}

func TestFlags(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodGet, "/_fieldsync/flags", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("empty flags status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPut, "/_fieldsync/flags", `{"flags":{"advisory_chat":true}}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/_fieldsync/flags", "", testToken))
	var f flags.Flags
	json.NewDecoder(rr.Body).Decode(&f)
	if !f.Flags["advisory_chat"] {
		t.Errorf("flags = %+v", f)
	}
}

func TestKnowledgeEndpoints(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/knowledge",
		`{"query":"When to plant maize?","answer":"At the onset of rains.","language":"en","confidence":0.8}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("cache answer status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/_fieldsync/knowledge?q=when+to+plant+maize&lang=en", "", testToken))
	var exact struct {
		Match string          `json:"match"`
		Entry knowledge.Entry `json:"entry"`
	}
	json.NewDecoder(rr.Body).Decode(&exact)
	if exact.Match != "exact" || exact.Entry.Answer != "At the onset of rains." {
		t.Errorf("exact lookup = %+v", exact)
	}

	rr = serve(h, authReq(http.MethodGet, "/_fieldsync/knowledge?q=maize+planting+dates", "", testToken))
	var near struct {
		Match   string            `json:"match"`
		Results []knowledge.Match `json:"results"`
	}
	json.NewDecoder(rr.Body).Decode(&near)
	if near.Match != "near" || len(near.Results) != 1 {
		t.Errorf("near lookup = %+v", near)
	}

	rr = serve(h, authReq(http.MethodGet, "/_fieldsync/knowledge?q=coffee+berry+disease", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("miss status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/_fieldsync/knowledge", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", rr.Code)
	}
}

func TestLoadPackInline(t *testing.T) {
	h, deps := setupAppHandler(t, nil)

	body := `{"id":"ke-tea","language":"en","version":"2","entries":[{"query":"tea soil ph","answer":"4.5-5.5"}]}`
	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/knowledge/packs", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["pack_id"] != "ke-tea" || resp["loaded"] != float64(1) {
		t.Errorf("response = %v", resp)
	}
	if _, err := deps.Knowledge.Lookup(context.Background(), "Tea soil pH", "en"); err != nil {
		t.Errorf("Lookup after load: %v", err)
	}
}

func TestLoadPackFromURL(t *testing.T) {
	packSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"remote-pack","language":"sw","entries":[{"query":"mbolea ya mahindi","answer":"DAP wakati wa kupanda"}]}`))
	}))
	defer packSrv.Close()

	h, _ := setupAppHandler(t, nil)
	rr := serve(h, authReq(http.MethodPost, "/_fieldsync/knowledge/packs", `{"url":"`+packSrv.URL+`"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPost, "/_fieldsync/knowledge/packs", `{"entries":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("pack without id status = %d, want 400", rr.Code)
	}
}

func TestNonAdminPathsAreProxied(t *testing.T) {
	var hits atomic.Int32
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set(cache.SourceHeader, "cache")
		w.Write([]byte("app shell"))
	})
	h, _ := setupAppHandler(t, proxy)

	rr := serve(h, authReq(http.MethodGet, "/dashboard", "", ""))
	if rr.Code != http.StatusOK || rr.Body.String() != "app shell" {
		t.Errorf("proxied response = %d %q", rr.Code, rr.Body.String())
	}
	if hits.Load() != 1 {
		t.Errorf("proxy hits = %d, want 1", hits.Load())
	}

	// Admin paths never reach the proxy.
	serve(h, authReq(http.MethodGet, "/_fieldsync/health", "", ""))
	if hits.Load() != 1 {
		t.Error("admin request leaked to the proxy")
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/_fieldsync/queue", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rr := serve(h, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Errorf("Access-Control-Allow-Origin missing; headers = %v", rr.Header())
	}
}
