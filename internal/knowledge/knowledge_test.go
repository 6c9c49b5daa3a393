package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/storage"
)

var ctx = context.Background()

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewCache(s, nil, 0)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"When should I plant Maize?", "when should i plant maize"},
		{"  when   should\ti plant\nmaize  ", "when should i plant maize"},
		{"What's the best NPK-ratio for beans?!", "whats the best npk ratio for beans"},
		{"¿Cuándo sembrar maíz?", "cuándo sembrar maíz"},
		{"???", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPutThenLookup(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.Put(ctx, Entry{Query: "When should I plant maize?", Answer: "At the start of the long rains.", Confidence: 0.9, Language: "en"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, err := c.Lookup(ctx, "when should i plant MAIZE", "EN")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Answer != "At the start of the long rains." || e.Confidence != 0.9 {
		t.Errorf("entry = %+v", e)
	}

	if _, err := c.Lookup(ctx, "when should i plant maize", "sw"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Lookup in other language = %v, want ErrNotFound", err)
	}
}

func TestPutReplacesSameQuery(t *testing.T) {
	c := newTestCache(t)
	c.Put(ctx, Entry{Query: "maize spacing", Answer: "75cm"})
	c.Put(ctx, Entry{Query: "Maize spacing!", Answer: "75cm x 25cm"})

	e, err := c.Lookup(ctx, "maize spacing", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Answer != "75cm x 25cm" {
		t.Errorf("Answer = %q, want the latest", e.Answer)
	}
}

func TestPutRejectsEmpty(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.Put(ctx, Entry{Query: "!!", Answer: "x"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Put with empty query = %v, want ErrInvalid", err)
	}
	if _, err := c.Put(ctx, Entry{Query: "maize", Answer: " "}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Put with empty answer = %v, want ErrInvalid", err)
	}
}

func TestLookupHonorsRetention(t *testing.T) {
	c := newTestCache(t)
	c.Put(ctx, Entry{Query: "maize spacing", Answer: "75cm"})

	c.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	if _, err := c.Lookup(ctx, "maize spacing", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Lookup of week-old entry = %v, want ErrNotFound", err)
	}

	n, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
}

func TestSearchRanksByOverlap(t *testing.T) {
	c := newTestCache(t)
	c.Put(ctx, Entry{Query: "how to control fall armyworm in maize", Answer: "A"})
	c.Put(ctx, Entry{Query: "maize planting season", Answer: "B"})
	c.Put(ctx, Entry{Query: "bean rust treatment", Answer: "C"})

	matches, err := c.Search(ctx, "armyworm damage on maize", "en", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(matches), matches)
	}
	if matches[0].Answer != "A" {
		t.Errorf("best match = %q, want A", matches[0].Answer)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("scores not descending: %v, %v", matches[0].Score, matches[1].Score)
	}
}

func TestLoadPack(t *testing.T) {
	c := newTestCache(t)
	n, err := c.LoadPack(ctx, Pack{
		ID:       "ke-maize-sw",
		Language: "sw",
		Version:  "3",
		Entries: []Entry{
			{Query: "Ni lini kupanda mahindi?", Answer: "Mwanzoni mwa mvua ndefu."},
			{Query: "", Answer: "orphan"},
		},
	})
	if err != nil {
		t.Fatalf("LoadPack: %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d, want 1", n)
	}
	e, err := c.Lookup(ctx, "ni lini kupanda mahindi", "sw")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.PackID != "ke-maize-sw" {
		t.Errorf("PackID = %q", e.PackID)
	}
}

func TestDownloadPack(t *testing.T) {
	pack := Pack{ID: "p1", Language: "en", Version: "1", Entries: []Entry{{Query: "soil ph for tea", Answer: "4.5 to 5.5"}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pack)
	}))
	defer srv.Close()

	c := newTestCache(t)
	got, n, err := c.DownloadPack(ctx, srv.URL+"/packs/p1.json")
	if err != nil {
		t.Fatalf("DownloadPack: %v", err)
	}
	if got.ID != "p1" || n != 1 {
		t.Errorf("pack = %s, loaded %d", got.ID, n)
	}
	if _, err := c.Lookup(ctx, "Soil pH for tea?", "en"); err != nil {
		t.Errorf("Lookup after download: %v", err)
	}
}

func TestDownloadPackBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, _, err := newTestCache(t).DownloadPack(ctx, srv.URL); err == nil {
		t.Error("DownloadPack succeeded on 404")
	}
}
