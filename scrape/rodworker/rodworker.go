// Package rodworker implements scrape.Worker with a stealth headless browser
// for content scraping and plain HTTP for engine metadata queries.
package rodworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/net/html"

	"github.com/hazyhaar/recherche/scrape"
)

// userAgents is the rotation pool for metadata requests. Desktop profiles
// only: engine result pages differ structurally on mobile.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:133.0) Gecko/20100101 Firefox/133.0",
}

// minContentChars is the floor under which a scraped page is considered
// garbage and retried through the paragraph fallback.
const minContentChars = 200

// Worker scrapes with a shared headless browser and a bounded tab pool.
// Thread-safe; the browser launches lazily on first scrape.
type Worker struct {
	client *http.Client
	logger *slog.Logger
	cfg    scrape.Config

	mu      sync.Mutex
	browser *rod.Browser
	uaIndex int
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithHTTPClient replaces the metadata HTTP client (for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(w *Worker) { w.client = c }
}

// New creates a worker. The browser is not launched until the first
// ScrapeURLs call.
func New(cfg scrape.Config, opts ...Option) *Worker {
	cfg.Defaults()
	w := &Worker{
		client: &http.Client{Timeout: 20 * time.Second},
		logger: slog.Default(),
		cfg:    cfg,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Close shuts the browser down, if it was ever launched.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.browser == nil {
		return nil
	}
	err := w.browser.Close()
	w.browser = nil
	return err
}

func (w *Worker) nextUserAgent() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ua := userAgents[w.uaIndex%len(userAgents)]
	w.uaIndex++
	return ua
}

// SearchMetadata queries the given engines in order over plain HTTP, parsing
// organic result links out of each result page. It stops as soon as the limit
// is filled and reports a per-engine attempt log either way.
func (w *Worker) SearchMetadata(ctx context.Context, query string, limit int, engineNames []string, cfg scrape.Config) (*scrape.MetadataResult, error) {
	if limit <= 0 {
		limit = 10
	}
	cfg.Defaults()
	fullQuery := buildQuery(query, cfg)

	res := &scrape.MetadataResult{}
	seen := make(map[string]bool)

	for _, name := range engineNames {
		eng, ok := engines[name]
		if !ok {
			w.logger.Warn("unknown engine skipped", "engine", name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := time.Now()
		found, err := w.searchEngine(ctx, eng, fullQuery, limit)
		attempt := scrape.EngineAttempt{
			Engine:    name,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			attempt.Error = err.Error()
			res.Attempts = append(res.Attempts, attempt)
			w.logger.Warn("engine query failed", "engine", name, "error", err)
			continue
		}

		added := 0
		for _, m := range found {
			if len(res.Results) >= limit {
				break
			}
			if seen[m.URL] || excluded(m.URL, cfg.ExcludedDomains) {
				continue
			}
			seen[m.URL] = true
			res.Results = append(res.Results, m)
			added++
		}
		attempt.Success = added > 0
		attempt.Results = added
		res.Attempts = append(res.Attempts, attempt)

		if len(res.Results) >= limit {
			break
		}
		if added >= cfg.MinResultsPerEngine && len(res.Results) >= cfg.MinResultsPerEngine {
			// Enough signal; later engines are kept in reserve.
			break
		}
	}

	if len(res.Results) == 0 {
		return res, errors.New("no results from any engine")
	}
	return res, nil
}

// buildQuery appends a site: scope when the user pinned custom sites or
// selected a category. At most three sites join the scope: engines truncate
// longer OR chains.
func buildQuery(query string, cfg scrape.Config) string {
	sites := append([]string(nil), cfg.UserCustomSites...)
	if len(sites) == 0 && cfg.ActiveCategory != "" {
		for _, cat := range cfg.Categories {
			if cat.Enabled && cat.ID == cfg.ActiveCategory {
				sites = cat.BaseSites
				break
			}
		}
	}
	if len(sites) == 0 {
		return query
	}
	if len(sites) > 3 {
		sites = sites[:3]
	}
	parts := make([]string, len(sites))
	for i, s := range sites {
		parts[i] = "site:" + s
	}
	return query + " " + strings.Join(parts, " OR ")
}

func excluded(rawURL string, domains []string) bool {
	lower := strings.ToLower(rawURL)
	for _, d := range domains {
		if d != "" && strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func (w *Worker) searchEngine(ctx context.Context, eng engine, query string, limit int) ([]scrape.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eng.searchURL(query, limit), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", w.nextUserAgent())
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.6")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", eng.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s status %d", eng.name, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s parse: %w", eng.name, err)
	}
	return resultsFromAnchors(eng.extract(doc)), nil
}

// resultsFromAnchors filters ad and tracker links, cleans URLs, and shapes
// anchors into metadata.
func resultsFromAnchors(anchors []anchor) []scrape.Metadata {
	var out []scrape.Metadata
	seen := make(map[string]bool)
	for _, a := range anchors {
		if isAdURL(a.href) {
			continue
		}
		u := cleanURL(a.href)
		if u == "" || seen[u] {
			continue
		}
		title := a.text
		if title == "" || len(title) < 3 {
			continue
		}
		snippet := a.snippet
		if strings.HasPrefix(snippet, title) {
			snippet = strings.TrimSpace(strings.TrimPrefix(snippet, title))
		}
		seen[u] = true
		out = append(out, scrape.Metadata{Title: title, URL: u, Snippet: snippet})
	}
	return out
}

// ScrapeURLs fetches full page content for every URL through the stealth
// browser, bounded by the configured tab pool. Failed pages are logged and
// skipped; the call fails only when the browser itself cannot run.
func (w *Worker) ScrapeURLs(ctx context.Context, urls []string) ([]scrape.Content, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	browser, err := w.ensureBrowser()
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(w.cfg.MaxConcurrentTabs)
	if err != nil {
		return nil, fmt.Errorf("scrape pool: %w", err)
	}
	defer pool.Release()

	results := make([]*scrape.Content, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			c, err := w.scrapeOne(ctx, browser, u)
			if err != nil {
				w.logger.Warn("scrape failed", "url", u, "error", err)
				return
			}
			results[i] = c
		})
		if submitErr != nil {
			wg.Done()
			w.logger.Warn("scrape task rejected", "url", u, "error", submitErr)
		}
	}
	wg.Wait()

	out := make([]scrape.Content, 0, len(urls))
	for _, c := range results {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (w *Worker) ensureBrowser() (*rod.Browser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.browser != nil {
		return w.browser, nil
	}
	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	w.browser = browser
	return browser, nil
}

func (w *Worker) scrapeOne(ctx context.Context, browser *rod.Browser, rawURL string) (*scrape.Content, error) {
	if u, err := url.Parse(rawURL); err != nil || privateHost(u.Hostname()) {
		return nil, fmt.Errorf("refusing to scrape %q", rawURL)
	}
	if isPDF(rawURL) {
		return w.scrapePDF(ctx, rawURL)
	}

	page, err := stealth.Page(browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	defer page.Close()

	if err := page.Timeout(30 * time.Second).Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.Timeout(30 * time.Second).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	obj, err := page.Eval("() => document.documentElement.outerHTML")
	if err != nil {
		return nil, fmt.Errorf("read dom: %w", err)
	}
	rawHTML := obj.Value.Str()

	title := pageTitle(rawHTML)
	md, err := toMarkdown(rawHTML, title, rawURL)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}

	body := stripFrontmatter(md)
	if len(body) < minContentChars {
		// Readability produced next to nothing; fall back to raw paragraphs.
		if fb := paragraphFallback(rawHTML); fb != "" {
			md = frontmatter(title, rawURL) + fb
			body = fb
		}
	}
	if len(body) < minContentChars {
		return nil, fmt.Errorf("content too short (%d chars)", len(body))
	}

	return &scrape.Content{
		Title:    title,
		URL:      rawURL,
		Content:  body,
		Markdown: md,
	}, nil
}
