// Package knowledge keeps advisory answers available offline: answers cached
// after successful remote calls plus bulk-loaded knowledge packs.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/fieldsync/internal/storage"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	defaultLanguage  = "en"
	maxPackBytes     = 32 << 20
	minTermRunes     = 3
)

// ErrInvalid is returned for entries missing a query or an answer.
var ErrInvalid = errors.New("invalid entry")

// Store is the qa_entries namespace of the durable store.
type Store interface {
	UpsertQAEntry(ctx context.Context, e storage.QAEntry) error
	UpsertQAEntries(ctx context.Context, entries []storage.QAEntry) error
	GetQAEntry(ctx context.Context, normalized, language string, notBefore time.Time) (storage.QAEntry, error)
	SearchQAEntries(ctx context.Context, language string, terms []string, notBefore time.Time, limit int) ([]storage.QAEntry, error)
	DeleteQAEntriesBefore(ctx context.Context, t time.Time) (int64, error)
}

// HTTPDoer fetches packs.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Entry is a cached question and answer.
type Entry struct {
	Query      string    `json:"query"`
	Answer     string    `json:"answer"`
	Confidence float64   `json:"confidence"`
	Language   string    `json:"language"`
	PackID     string    `json:"pack_id,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
}

// Match is a search hit. Score is the fraction of query terms it shares.
type Match struct {
	Entry
	Score float64 `json:"score"`
}

// Pack is a downloadable bundle of entries for one language.
type Pack struct {
	ID       string  `json:"id"`
	Language string  `json:"language"`
	Version  string  `json:"version"`
	Entries  []Entry `json:"entries"`
}

// Cache stores and retrieves answers.
type Cache struct {
	store     Store
	client    HTTPDoer
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewCache creates a Cache. If retention is <= 0, it defaults to seven days.
// client is used by DownloadPack; nil selects http.DefaultClient.
func NewCache(store Store, client HTTPDoer, retention time.Duration) *Cache {
	if retention <= 0 {
		retention = defaultRetention
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		store:     store,
		client:    client,
		retention: retention,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Normalize lower-cases query, strips punctuation and symbols, and collapses
// whitespace, so trivially different phrasings share a key.
func Normalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	space := false
	for _, r := range strings.ToLower(query) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// Treat hyphens and slashes as separators; drop the rest.
			if r == '-' || r == '/' {
				space = true
			}
		case unicode.IsSpace(r):
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Put stores an answer after a successful remote call. An existing entry for
// the same normalized query and language is replaced.
func (c *Cache) Put(ctx context.Context, e Entry) (Entry, error) {
	row, err := c.toRow(e, "", "")
	if err != nil {
		return Entry{}, err
	}
	if err := c.store.UpsertQAEntry(ctx, row); err != nil {
		return Entry{}, err
	}
	return fromRow(row), nil
}

// Lookup returns the exact cached answer for query in lang. Entries older than
// the retention window are reported as storage.ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, query, lang string) (Entry, error) {
	n := Normalize(query)
	if n == "" {
		return Entry{}, storage.ErrNotFound
	}
	row, err := c.store.GetQAEntry(ctx, n, language(lang), c.cutoff())
	if err != nil {
		return Entry{}, err
	}
	return fromRow(row), nil
}

// Search returns up to limit near matches for query in lang, ranked by term
// overlap and then recency.
func (c *Cache) Search(ctx context.Context, query, lang string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := searchTerms(Normalize(query))
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := c.store.SearchQAEntries(ctx, language(lang), terms, c.cutoff(), limit*10)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		have := make(map[string]bool)
		for _, w := range strings.Fields(row.Normalized) {
			have[w] = true
		}
		shared := 0
		for _, t := range terms {
			if have[t] {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		matches = append(matches, Match{Entry: fromRow(row), Score: float64(shared) / float64(len(terms))})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// LoadPack bulk-loads p in one transaction and returns the number of entries
// stored. Entries without a query or answer are skipped.
func (c *Cache) LoadPack(ctx context.Context, p Pack) (int, error) {
	if p.ID == "" {
		return 0, fmt.Errorf("%w: pack id is required", ErrInvalid)
	}
	rows := make([]storage.QAEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		row, err := c.toRow(e, p.ID, p.Language)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	if err := c.store.UpsertQAEntries(ctx, rows); err != nil {
		return 0, fmt.Errorf("loading pack %s: %w", p.ID, err)
	}
	c.logger.Info("knowledge pack loaded", "pack_id", p.ID, "version", p.Version,
		"language", language(p.Language), "entries", len(rows), "skipped", len(p.Entries)-len(rows))
	return len(rows), nil
}

// DownloadPack fetches a pack from url and loads it.
func (c *Cache) DownloadPack(ctx context.Context, url string) (Pack, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Pack{}, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Pack{}, 0, fmt.Errorf("downloading pack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Pack{}, 0, fmt.Errorf("downloading pack: unexpected status %d", resp.StatusCode)
	}

	var p Pack
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPackBytes)).Decode(&p); err != nil {
		return Pack{}, 0, fmt.Errorf("decoding pack: %w", err)
	}
	n, err := c.LoadPack(ctx, p)
	return p, n, err
}

// Cleanup removes entries older than the retention window.
func (c *Cache) Cleanup(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteQAEntriesBefore(ctx, c.cutoff())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("expired answers removed", "count", n)
	}
	return n, nil
}

// Run calls Cleanup every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Cleanup(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("knowledge cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cache) cutoff() time.Time {
	return c.now().Add(-c.retention)
}

func (c *Cache) toRow(e Entry, packID, packLang string) (storage.QAEntry, error) {
	n := Normalize(e.Query)
	if n == "" || strings.TrimSpace(e.Answer) == "" {
		return storage.QAEntry{}, fmt.Errorf("%w: query and answer are required", ErrInvalid)
	}
	lang := e.Language
	if lang == "" {
		lang = packLang
	}
	if packID == "" {
		packID = e.PackID
	}
	return storage.QAEntry{
		Normalized: n,
		Language:   language(lang),
		Query:      strings.TrimSpace(e.Query),
		Answer:     e.Answer,
		Confidence: e.Confidence,
		PackID:     packID,
		CreatedAt:  c.now().UTC(),
	}, nil
}

func fromRow(r storage.QAEntry) Entry {
	return Entry{
		Query:      r.Query,
		Answer:     r.Answer,
		Confidence: r.Confidence,
		Language:   r.Language,
		PackID:     r.PackID,
		CreatedAt:  r.CreatedAt,
	}
}

func language(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return defaultLanguage
	}
	return lang
}

// searchTerms returns the distinct words of a normalized query long enough
// to be meaningful.
func searchTerms(normalized string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(normalized) {
		if len([]rune(w)) < minTermRunes || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
