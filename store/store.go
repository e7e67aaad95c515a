// Package store provides the durable sqlite-backed result cache. Search
// metadata survives restarts; entries expire lazily on read after a TTL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/recherche/scrape"
)

// Open opens (creating if needed) the sqlite database at path and applies the
// standard pragmas: foreign keys, WAL journaling, a 10s busy timeout, and
// NORMAL synchronous mode.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS search_cache (
	key        TEXT PRIMARY KEY,
	results    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_cache_created ON search_cache(created_at);
`

// ResultCache is the durable search-metadata cache. Thread-safe through the
// underlying *sql.DB.
type ResultCache struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// CacheOption configures a ResultCache.
type CacheOption func(*ResultCache)

// WithTTL sets the entry time-to-live.
func WithTTL(d time.Duration) CacheOption {
	return func(c *ResultCache) { c.ttl = d }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) CacheOption {
	return func(c *ResultCache) { c.now = fn }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *ResultCache) { c.logger = l }
}

// NewResultCache creates the cache schema and returns a cache with a 1 hour
// default TTL.
func NewResultCache(db *sql.DB, opts ...CacheOption) (*ResultCache, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create search_cache schema: %w", err)
	}
	c := &ResultCache{
		db:     db,
		ttl:    time.Hour,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the cached results for key. Expired and malformed entries are
// deleted on access and reported as misses.
func (c *ResultCache) Get(ctx context.Context, key string) ([]scrape.Metadata, bool, error) {
	var raw string
	var createdAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT results, created_at FROM search_cache WHERE key = ?`, key).
		Scan(&raw, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	if c.now().Sub(time.Unix(createdAt, 0)) >= c.ttl {
		c.delete(ctx, key)
		return nil, false, nil
	}

	var results []scrape.Metadata
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		c.logger.Warn("dropping malformed cache entry", "key", key, "error", err)
		c.delete(ctx, key)
		return nil, false, nil
	}
	return results, true, nil
}

// Put stores results under key, replacing any previous entry.
func (c *ResultCache) Put(ctx context.Context, key string, results []scrape.Metadata) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO search_cache (key, results, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET results = excluded.results, created_at = excluded.created_at`,
		key, string(raw), c.now().Unix())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *ResultCache) delete(ctx context.Context, key string) {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM search_cache WHERE key = ?`, key); err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// CleanExpired removes every entry older than the TTL and returns how many
// were dropped. Intended for periodic maintenance; Get expires lazily anyway.
func (c *ResultCache) CleanExpired(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.ttl).Unix()
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM search_cache WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean expired entries: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes the cache's current contents.
type Stats struct {
	Entries int       `json:"entries"`
	Oldest  time.Time `json:"oldest,omitzero"`
	Newest  time.Time `json:"newest,omitzero"`
}

// Stats reports entry count and age bounds.
func (c *ResultCache) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	var oldest, newest sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM search_cache`).
		Scan(&s.Entries, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("read cache stats: %w", err)
	}
	if oldest.Valid {
		s.Oldest = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		s.Newest = time.Unix(newest.Int64, 0)
	}
	return &s, nil
}
