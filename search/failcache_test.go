package search

import (
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/recherche/scrape"
)

func TestFailureCacheRecordAndLookup(t *testing.T) {
	c := NewFailureCache(10)

	if e := c.Lookup("clima em garuva"); e != nil {
		t.Fatal("lookup on empty cache should miss")
	}

	c.Record("Clima em  Garuva", "all engines timed out", nil)
	e := c.Lookup("clima em garuva")
	if e == nil {
		t.Fatal("normalized lookup should hit despite case/space differences")
	}
	if e.Count != 1 || e.Reason != "all engines timed out" {
		t.Fatalf("entry = %+v", e)
	}

	c.Record("clima em garuva", "still down", nil)
	if e := c.Lookup("clima em garuva"); e.Count != 2 {
		t.Fatalf("Count = %d, want 2", e.Count)
	}
}

func TestFailureCacheTTLExpiry(t *testing.T) {
	now := time.Unix(5000, 0)
	c := NewFailureCache(10, WithFailureClock(func() time.Time { return now }))

	c.Record("query one", "timeout", nil)

	now = now.Add(4 * time.Minute)
	if c.Lookup("query one") == nil {
		t.Fatal("entry expired before TTL")
	}

	now = now.Add(2 * time.Minute)
	if c.Lookup("query one") != nil {
		t.Fatal("entry survived past TTL")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry not dropped on access")
	}
}

func TestFailureCacheCapacityEviction(t *testing.T) {
	c := NewFailureCache(3)

	for i := range 4 {
		c.Record(fmt.Sprintf("query %d", i), "err", nil)
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want capacity 3", c.Len())
	}
	if c.Lookup("query 0") != nil {
		t.Fatal("oldest entry should have been evicted")
	}
	if c.Lookup("query 3") == nil {
		t.Fatal("newest entry missing")
	}
}

func TestFailureCacheEvictsOldestDespiteLookups(t *testing.T) {
	c := NewFailureCache(2)

	c.Record("oldest", "err", nil)
	c.Record("newer", "err", nil)

	// Reading the oldest entry must not rescue it from eviction.
	for range 3 {
		if c.Lookup("oldest") == nil {
			t.Fatal("entry missing before eviction")
		}
	}

	c.Record("newest", "err", nil)
	if c.Lookup("oldest") != nil {
		t.Fatal("globally oldest entry survived capacity eviction")
	}
	if c.Lookup("newer") == nil {
		t.Fatal("younger entry was evicted instead of the oldest")
	}
}

func TestFailureCacheCleanExpired(t *testing.T) {
	now := time.Unix(5000, 0)
	c := NewFailureCache(10, WithFailureClock(func() time.Time { return now }))

	c.Record("stale one", "err", nil)
	c.Record("stale two", "err", nil)
	now = now.Add(6 * time.Minute)
	c.Record("fresh", "err", nil)

	if n := c.CleanExpired(); n != 2 {
		t.Fatalf("CleanExpired = %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if c.Lookup("fresh") == nil {
		t.Fatal("unexpired entry swept away")
	}
}

func TestFailureCacheKeepsPartialResults(t *testing.T) {
	c := NewFailureCache(10)
	partial := []scrape.Metadata{
		{Title: "Clima em Garuva", URL: "https://clima.example/garuva", Snippet: "previsão"},
	}

	c.Record("clima garuva", "round timed out", partial)
	e := c.Lookup("clima garuva")
	if e == nil || len(e.Partial) != 1 || e.Partial[0].URL != "https://clima.example/garuva" {
		t.Fatalf("entry = %+v, want partial results kept", e)
	}

	// The returned entry is a copy; mutating it must not touch the cache.
	e.Partial[0].URL = "https://tampered.example"
	if got := c.Lookup("clima garuva"); got.Partial[0].URL != "https://clima.example/garuva" {
		t.Fatal("lookup handed out the cached slice itself")
	}

	// A later failure without partials keeps the earlier ones.
	c.Record("clima garuva", "still down", nil)
	if got := c.Lookup("clima garuva"); len(got.Partial) != 1 {
		t.Fatalf("Partial = %v, want earlier partials preserved", got.Partial)
	}
}

func TestFailureCacheForget(t *testing.T) {
	c := NewFailureCache(10)
	c.Record("flaky query", "err", nil)
	c.Forget("Flaky  Query")
	if c.Lookup("flaky query") != nil {
		t.Fatal("forgotten entry still present")
	}
}
