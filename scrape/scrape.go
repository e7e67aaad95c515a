// Package scrape defines the contract with the search/scrape worker: engine
// metadata search and full-page content extraction. The research core never
// performs HTTP fetch or HTML parsing itself; it talks to a Worker.
//
// Two implementations exist: rodworker (headless browser + HTTP, in this
// repository) and whatever external automation the host application bridges in.
package scrape

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads as a duration string ("5s", "2m")
// or a plain nanosecond integer in YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value %q", value.Value)
}

// Metadata is a lightweight search hit: no page was opened to produce it.
type Metadata struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Content is the full extraction of one URL.
type Content struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Content  string `json:"content"`
	Markdown string `json:"markdown"`
	Cached   bool   `json:"cached"`
}

// EngineAttempt reports the outcome of one engine inside a metadata search,
// so the caller can attribute success or failure to the engine that actually
// served rather than penalising every engine offered.
type EngineAttempt struct {
	Engine    string `json:"engine"`
	Success   bool   `json:"success"`
	Results   int    `json:"results"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// MetadataResult is the outcome of a multi-engine metadata search.
type MetadataResult struct {
	Results  []Metadata      `json:"results"`
	Attempts []EngineAttempt `json:"attempts"`
}

// Category is a curated group of base sites searched with site: filters.
type Category struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	BaseSites []string `json:"base_sites" yaml:"base_sites"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
}

// Config is the options bag consumed by a Worker.
type Config struct {
	MaxConcurrentTabs   int        `json:"max_concurrent_tabs" yaml:"max_concurrent_tabs"`
	TotalSourcesLimit   int        `json:"total_sources_limit" yaml:"total_sources_limit"`
	MinResultsPerEngine int        `json:"min_results_per_engine" yaml:"min_results_per_engine"`
	Categories          []Category `json:"categories" yaml:"categories"`
	// ActiveCategory scopes searches to one category's base sites. Empty
	// means unscoped.
	ActiveCategory  string   `json:"active_category" yaml:"active_category"`
	UserCustomSites []string `json:"user_custom_sites" yaml:"user_custom_sites"`
	ExcludedDomains []string `json:"excluded_domains" yaml:"excluded_domains"`
}

func (c *Config) Defaults() {
	if c.MaxConcurrentTabs <= 0 {
		c.MaxConcurrentTabs = 5
	}
	if c.TotalSourcesLimit <= 0 {
		c.TotalSourcesLimit = 100
	}
	if c.MinResultsPerEngine <= 0 {
		c.MinResultsPerEngine = 3
	}
}

// Worker performs the actual network work on behalf of the research core.
type Worker interface {
	// SearchMetadata runs a cheap metadata search across the given engines in
	// order. It returns whatever it gathered plus a per-engine attempt report;
	// it fails only when no engine produced anything.
	SearchMetadata(ctx context.Context, query string, limit int, engines []string, cfg Config) (*MetadataResult, error)

	// ScrapeURLs fetches and extracts full content for the given URLs.
	// Individual failures are skipped; the slice may be shorter than urls.
	ScrapeURLs(ctx context.Context, urls []string) ([]Content, error)
}
