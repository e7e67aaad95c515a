package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/recherche/scrape"
)

func testCache(t *testing.T, opts ...CacheOption) *ResultCache {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	c, err := NewResultCache(db, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func sampleResults() []scrape.Metadata {
	return []scrape.Metadata{
		{Title: "Garuva - Wikipedia", URL: "https://pt.wikipedia.org/wiki/Garuva", Snippet: "município"},
		{Title: "Prefeitura de Garuva", URL: "https://garuva.sc.gov.br", Snippet: "site oficial"},
	}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "search:garuva:5"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	if err := c.Put(ctx, "search:garuva:5", sampleResults()); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Get(ctx, "search:garuva:5")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[0].URL != "https://pt.wikipedia.org/wiki/Garuva" {
		t.Fatalf("got %+v", got)
	}
}

func TestCachePutReplaces(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "k", sampleResults()); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "k", sampleResults()[:1]); err != nil {
		t.Fatal(err)
	}

	got, ok, _ := c.Get(ctx, "k")
	if !ok || len(got) != 1 {
		t.Fatalf("ok=%v len=%d, want replacement entry", ok, len(got))
	}
}

func TestCacheLazyExpiry(t *testing.T) {
	now := time.Unix(100000, 0)
	c := testCache(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := c.Put(ctx, "k", sampleResults()); err != nil {
		t.Fatal(err)
	}

	now = now.Add(59 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("entry expired before TTL")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry survived past TTL")
	}

	// Expired entry was dropped, not just hidden.
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 0 {
		t.Fatalf("Entries = %d after lazy expiry, want 0", stats.Entries)
	}
}

func TestCacheMalformedEntrySkipped(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if _, err := c.db.Exec(
		`INSERT INTO search_cache (key, results, created_at) VALUES (?, ?, ?)`,
		"bad", "{not json", time.Now().Unix()); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := c.Get(ctx, "bad"); err != nil || ok {
		t.Fatalf("malformed entry: ok=%v err=%v, want silent miss", ok, err)
	}
	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Fatal("malformed entry not deleted")
	}
}

func TestCacheCleanExpired(t *testing.T) {
	now := time.Unix(100000, 0)
	c := testCache(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := c.Put(ctx, "old", sampleResults()); err != nil {
		t.Fatal(err)
	}
	now = now.Add(90 * time.Minute)
	if err := c.Put(ctx, "fresh", sampleResults()); err != nil {
		t.Fatal(err)
	}

	n, err := c.CleanExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if _, ok, _ := c.Get(ctx, "fresh"); !ok {
		t.Fatal("fresh entry removed by CleanExpired")
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewResultCache(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "persistent", sampleResults()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	c2, err := NewResultCache(db2)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := c2.Get(ctx, "persistent")
	if err != nil || !ok || len(got) != 2 {
		t.Fatalf("reopened cache: ok=%v err=%v len=%d", ok, err, len(got))
	}
}
