package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/recherche/scrape"
)

// ResultCache persists search metadata across restarts. Implemented by
// store.ResultCache; a nil cache disables result caching.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]scrape.Metadata, bool, error)
	Put(ctx context.Context, key string, results []scrape.Metadata) error
}

// ErrNoEngines is returned when the orchestrator is configured without any
// search engine.
var ErrNoEngines = errors.New("search: no engines configured")

// Config tunes the orchestrator's resilience behavior. Zero values take the
// production defaults.
type Config struct {
	// Engines in configured priority order. Health-based prioritization
	// reorders them per request.
	Engines []string `yaml:"engines"`
	// MinInterval is the global minimum spacing between provider requests.
	MinInterval scrape.Duration `yaml:"min_interval"`
	// MaxRetries bounds metadata-search attempts per request.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the first retry delay; doubled per attempt up to
	// BackoffCap.
	BackoffBase scrape.Duration `yaml:"backoff_base"`
	BackoffCap  scrape.Duration `yaml:"backoff_cap"`
	// AttemptTimeout bounds the first metadata attempt; later attempts, and
	// higher research rounds, get proportionally less so the whole retry
	// round stays under RoundTimeout.
	AttemptTimeout scrape.Duration `yaml:"attempt_timeout"`
	RoundTimeout   scrape.Duration `yaml:"round_timeout"`
	// ScrapeTimeout bounds one content-fetch round.
	ScrapeTimeout scrape.Duration `yaml:"scrape_timeout"`
	// FailureCacheSize caps the recent-failure cache.
	FailureCacheSize int `yaml:"failure_cache_size"`

	Scrape scrape.Config `yaml:"scrape"`
}

func (c *Config) defaults() {
	if len(c.Engines) == 0 {
		c.Engines = []string{"google", "bing", "yahoo", "duckduckgo", "startpage"}
	}
	if c.MinInterval <= 0 {
		c.MinInterval = scrape.Duration(5 * time.Second)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = scrape.Duration(time.Second)
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = scrape.Duration(5 * time.Second)
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = scrape.Duration(30 * time.Second)
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = scrape.Duration(90 * time.Second)
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = scrape.Duration(60 * time.Second)
	}
	if c.FailureCacheSize <= 0 {
		c.FailureCacheSize = 100
	}
	c.Scrape.Defaults()
}

// Response is the outcome of one orchestrated search. Provider failures never
// surface as errors; they degrade the response instead.
type Response struct {
	Query         string                 `json:"query"`
	Results       []scrape.Metadata      `json:"results"`
	Contents      []scrape.Content       `json:"contents,omitempty"`
	FromCache     bool                   `json:"from_cache"`
	Degraded      bool                   `json:"degraded"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Attempts      []scrape.EngineAttempt `json:"attempts,omitempty"`
}

// clone returns a caller-owned copy. Deduplicated callers all receive the
// result of one shared flight; handing out the same struct would let them
// race on its fields.
func (r *Response) clone() *Response {
	cp := *r
	cp.Results = append([]scrape.Metadata(nil), r.Results...)
	cp.Contents = append([]scrape.Content(nil), r.Contents...)
	cp.Attempts = append([]scrape.EngineAttempt(nil), r.Attempts...)
	return &cp
}

// Orchestrator coordinates metadata search and content fetching across
// engines with circuit breaking, caching, rate limiting, retry, and in-flight
// deduplication. Thread-safe.
type Orchestrator struct {
	worker   scrape.Worker
	health   *HealthTracker
	failures *FailureCache
	cache    ResultCache
	group    singleflight.Group
	limiter  *rateLimiter
	cfg      Config
	logger   *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithResultCache attaches a durable result cache.
func WithResultCache(c ResultCache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithHealthTracker replaces the default health tracker.
func WithHealthTracker(t *HealthTracker) OrchestratorOption {
	return func(o *Orchestrator) { o.health = t }
}

// WithFailureCache replaces the default failure cache.
func WithFailureCache(c *FailureCache) OrchestratorOption {
	return func(o *Orchestrator) { o.failures = c }
}

// WithClock sets a custom clock for the rate limiter (for testing).
func WithClock(fn func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter.now = fn }
}

// WithSleeper sets a custom sleep function for backoff and rate-limit waits
// (for testing).
func WithSleeper(fn func(context.Context, time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter.sleep = fn }
}

// NewOrchestrator wires a search orchestrator around a scrape worker.
func NewOrchestrator(worker scrape.Worker, cfg Config, opts ...OrchestratorOption) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		worker:  worker,
		cfg:     cfg,
		limiter: newRateLimiter(cfg.MinInterval.Std()),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.health == nil {
		o.health = NewHealthTracker(WithHealthLogger(o.logger))
	}
	if o.failures == nil {
		o.failures = NewFailureCache(cfg.FailureCacheSize)
	}
	return o
}

// Health exposes the orchestrator's engine health tracker.
func (o *Orchestrator) Health() *HealthTracker { return o.health }

// Failures exposes the orchestrator's failure cache.
func (o *Orchestrator) Failures() *FailureCache { return o.failures }

// CacheKey builds the canonical result-cache key for a query/limit pair.
func CacheKey(query string, limit int) string {
	return fmt.Sprintf("search:%s:%d", normalizeQuery(query), limit)
}

// Search runs the metadata phase: cached results when available, otherwise a
// rate-limited, retried, health-prioritized engine search. Identical
// concurrent requests share one in-flight search; every caller receives its
// own copy of the response. Provider failures produce a degraded empty
// response, never an error; the only errors returned are context cancellation
// and misconfiguration.
func (o *Orchestrator) Search(ctx context.Context, query string, limit int) (*Response, error) {
	return o.search(ctx, query, limit, 1)
}

func (o *Orchestrator) search(ctx context.Context, query string, limit, round int) (*Response, error) {
	if len(o.cfg.Engines) == 0 {
		return nil, ErrNoEngines
	}
	if limit <= 0 {
		limit = 10
	}
	if round < 1 {
		round = 1
	}

	key := CacheKey(query, limit)

	if o.cache != nil {
		if results, ok, err := o.cache.Get(ctx, key); err != nil {
			o.logger.Warn("result cache read failed", "key", key, "error", err)
		} else if ok {
			return &Response{Query: query, Results: results, FromCache: true}, nil
		}
	}

	if e := o.failures.Lookup(query); e != nil {
		o.logger.Info("query short-circuited by failure cache",
			"query", query, "reason", e.Reason, "count", e.Count, "partial", len(e.Partial))
		return &Response{
			Query:         query,
			Results:       e.Partial,
			Degraded:      true,
			FailureReason: fmt.Sprintf("recently failed: %s", e.Reason),
		}, nil
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		return o.searchOnce(ctx, key, query, limit, round)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response).clone(), nil
}

// searchOnce performs the actual engine search for one deduplicated request.
func (o *Orchestrator) searchOnce(ctx context.Context, key, query string, limit, round int) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout.Std())
	defer cancel()

	engines := o.eligibleEngines()
	resp := &Response{Query: query}

	var lastErr error
	var partial []scrape.Metadata
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := o.cfg.BackoffBase.Std() << (attempt - 2)
			if delay > o.cfg.BackoffCap.Std() {
				delay = o.cfg.BackoffCap.Std()
			}
			if err := o.limiter.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := o.limiter.wait(ctx); err != nil {
			return nil, err
		}

		// Later attempts, and higher research rounds, get shrinking timeouts:
		// each escalation trades completeness for a fast partial answer.
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, o.cfg.AttemptTimeout.Std()/time.Duration(attempt*round))
		start := time.Now()
		res, err := o.worker.SearchMetadata(attemptCtx, query, limit, engines, o.cfg.Scrape)
		cancelAttempt()
		elapsed := time.Since(start)

		o.recordAttempts(engines, res, err, elapsed)
		if res != nil {
			resp.Attempts = append(resp.Attempts, res.Attempts...)
		}

		if err == nil && res != nil && len(res.Results) > 0 {
			resp.Results = res.Results
			o.failures.Forget(query)
			if o.cache != nil {
				if err := o.cache.Put(ctx, key, res.Results); err != nil {
					o.logger.Warn("result cache write failed", "key", key, "error", err)
				}
			}
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("no results from any engine")
		}
		if res != nil && len(res.Results) > 0 {
			partial = res.Results
		}
		if ctx.Err() != nil {
			break
		}
		o.logger.Warn("metadata search attempt failed",
			"query", query, "attempt", attempt, "error", lastErr)
	}

	// The caller's context ending is the caller's problem; exhausting the
	// round against live engines is a provider failure and gets absorbed.
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	reason := "unknown failure"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	o.failures.Record(query, reason, partial)
	resp.Degraded = true
	resp.FailureReason = reason
	o.logger.Error("metadata search exhausted retries", "query", query, "reason", reason)
	return resp, nil
}

// eligibleEngines returns health-prioritized engines with open circuits
// dropped, unless every circuit is open, in which case all engines stay in
// play rather than guaranteeing failure.
func (o *Orchestrator) eligibleEngines() []string {
	ordered := o.health.Prioritize(o.cfg.Engines)
	eligible := make([]string, 0, len(ordered))
	for _, e := range ordered {
		if o.health.Available(e) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return ordered
	}
	return eligible
}

// recordAttempts feeds attempt outcomes into the health tracker. When the
// worker reports per-engine attempts those are used verbatim; otherwise the
// overall outcome is attributed to every engine that was asked.
func (o *Orchestrator) recordAttempts(engines []string, res *scrape.MetadataResult, err error, elapsed time.Duration) {
	if res != nil && len(res.Attempts) > 0 {
		for _, a := range res.Attempts {
			o.health.RecordAttempt(a.Engine, a.Success, time.Duration(a.LatencyMs)*time.Millisecond)
		}
		return
	}
	success := err == nil && res != nil && len(res.Results) > 0
	for _, e := range engines {
		o.health.RecordAttempt(e, success, elapsed)
	}
}

// FetchContents scrapes full content for the given URLs. The scrape runs on a
// context detached from the caller's cancellation: an abandoned research
// session must not kill scrapes another deduplicated caller may be waiting
// on. Only the scrape timeout bounds it.
func (o *Orchestrator) FetchContents(ctx context.Context, urls []string) ([]scrape.Content, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ScrapeTimeout.Std())
	defer cancel()
	return o.worker.ScrapeURLs(detached, urls)
}

// SmartSearchRAG runs the full two-phase search: metadata first, then content
// scraping of the top fetchTop results. round is the research loop's
// escalation counter, starting at 1; higher rounds tighten the per-attempt
// timeouts. Scrape failures degrade the response to metadata-only instead of
// failing it. Identical concurrent calls share one flight and each receive
// their own copy of the response.
func (o *Orchestrator) SmartSearchRAG(ctx context.Context, query string, limit, fetchTop, round int) (*Response, error) {
	if limit <= 0 {
		limit = 10
	}
	key := fmt.Sprintf("rag:%s:%d", CacheKey(query, limit), fetchTop)
	v, err, _ := o.group.Do(key, func() (any, error) {
		return o.smartSearchOnce(ctx, query, limit, fetchTop, round)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response).clone(), nil
}

func (o *Orchestrator) smartSearchOnce(ctx context.Context, query string, limit, fetchTop, round int) (*Response, error) {
	resp, err := o.search(ctx, query, limit, round)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || fetchTop <= 0 {
		return resp, nil
	}

	if fetchTop > len(resp.Results) {
		fetchTop = len(resp.Results)
	}
	urls := make([]string, 0, fetchTop)
	for _, r := range resp.Results[:fetchTop] {
		urls = append(urls, r.URL)
	}

	contents, err := o.FetchContents(ctx, urls)
	if err != nil {
		o.logger.Warn("content fetch failed, degrading to metadata only",
			"query", query, "urls", len(urls), "error", err)
		resp.Degraded = true
		if resp.FailureReason == "" {
			resp.FailureReason = fmt.Sprintf("content fetch failed: %v", err)
		}
		return resp, nil
	}
	resp.Contents = contents
	return resp, nil
}

// rateLimiter enforces a global minimum interval between provider requests.
// Waiters are served FIFO: each reserves the next slot under the lock, then
// sleeps outside it.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	nextSlot time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func (l *rateLimiter) wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	slot := l.nextSlot
	if slot.Before(now) {
		slot = now
	}
	l.nextSlot = slot.Add(l.interval)
	l.mu.Unlock()

	if d := slot.Sub(now); d > 0 {
		return l.sleep(ctx, d)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
